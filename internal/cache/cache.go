package cache

import (
	"context"
	"time"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
)

// ProductCache holds short-lived barcode lookup results so repeated scans of
// the same item do not hit the store every time.
type ProductCache interface {
	Get(ctx context.Context, storeID, barcode string) (*domain.Product, bool)
	Set(ctx context.Context, storeID, barcode string, product domain.Product, ttl time.Duration)
	Invalidate(ctx context.Context, storeID string)
	Close() error
}

// NoopProductCache is used when no Redis address is configured.
type NoopProductCache struct{}

func NewNoopProductCache() *NoopProductCache { return &NoopProductCache{} }

func (*NoopProductCache) Get(context.Context, string, string) (*domain.Product, bool) {
	return nil, false
}

func (*NoopProductCache) Set(context.Context, string, string, domain.Product, time.Duration) {}

func (*NoopProductCache) Invalidate(context.Context, string) {}

func (*NoopProductCache) Close() error { return nil }
