// Package store defines the terminal-local persistence contract: the sale
// snapshot cache, the inventory mirror, the offline operation queue, and the
// edge user accounts. Everything is partitioned by store id.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidOperation = errors.New("invalid operation")
)

// OperationMutation carries the optimistic bookkeeping that must land together
// with a queued operation: returned-quantity marks on the cached sale and
// stock deltas on the inventory mirror. These are local-only adjustments,
// corrected once the authoritative sync completes; they exist so the next
// lookup or sale in the same offline session sees consistent numbers.
type OperationMutation struct {
	// SaleKey is the cached sale's local id.
	SaleKey string
	// ReturnedQuantities maps sale item id to the additional quantity returned.
	ReturnedQuantities map[string]int
	// StockAdjustments maps product id to a signed stock delta.
	StockAdjustments map[string]int
}

type LocalStore interface {
	// Sale snapshot cache.
	PutCachedSale(ctx context.Context, sale domain.CachedSale) error
	// FindCachedSale matches by local id, idempotency key, or server id.
	FindCachedSale(ctx context.Context, storeID, reference string) (*domain.CachedSale, error)
	// PromoteCachedSale records the authoritative server id after a drain.
	PromoteCachedSale(ctx context.Context, storeID, localID, serverID string, syncedAt time.Time) error

	// Local inventory mirror.
	UpsertProducts(ctx context.Context, storeID string, products []domain.Product) error
	GetProducts(ctx context.Context, storeID string, productIDs []string) (map[string]domain.Product, error)
	SearchProducts(ctx context.Context, storeID, query string, limit int) ([]domain.Product, error)
	FindProductByBarcode(ctx context.Context, storeID, code string) (*domain.Product, error)

	// Offline operation queue. ApplyOfflineOperation persists the record and
	// the optimistic mutations as one unit: if anything fails, nothing is
	// marked returned and no stock moves.
	ApplyOfflineOperation(ctx context.Context, op domain.OfflineOperationRecord, mutation OperationMutation) error
	ListPendingOperations(ctx context.Context, storeID string) ([]domain.OfflineOperationRecord, error)
	HasPendingOperations(ctx context.Context, storeID, saleID string) (bool, error)
	MarkOperationSynced(ctx context.Context, operationID, serverID string, syncedAt time.Time) error
	RecordOperationAttempt(ctx context.Context, operationID, lastError string) error

	// Edge user accounts for local login.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
