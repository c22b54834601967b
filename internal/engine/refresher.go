package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
	"github.com/chainsyncstore/chainsync-edge/internal/remote"
)

// Refresher keeps the sale snapshot cache and the inventory mirror warm while
// the terminal is online, so an outage starting a minute from now still finds
// the last few days of sales locally.
type Refresher struct {
	engine   *Engine
	storeID  string
	interval time.Duration
	window   time.Duration
}

func NewRefresher(e *Engine, storeID string, interval, window time.Duration) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 72 * time.Hour
	}
	return &Refresher{engine: e, storeID: storeID, interval: interval, window: window}
}

// Run blocks until ctx is cancelled. One refresh fires immediately so a
// freshly started agent is not empty until the first tick.
func (r *Refresher) Run(ctx context.Context) {
	log.Printf("[snapshot] refresher started interval=%s window=%s", r.interval, r.window)
	r.refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[snapshot] refresher stopped")
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

// refresh attempts the network even while the monitor reports the server
// unreachable. The sales fetch doubles as a periodic health probe: its
// success flips the monitor back online, which is the recovery path for
// every component that short-circuits on Online(). Only the operator's
// forced-offline toggle suppresses it.
func (r *Refresher) refresh(ctx context.Context) {
	if r.engine.monitor.ForcedOffline() {
		return
	}
	r.refreshSales(ctx)
	r.refreshCatalog(ctx)
}

func (r *Refresher) refreshSales(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, r.engine.lookupTimeout)
	sales, err := r.engine.remote.RecentSales(callCtx, r.storeID, time.Now().Add(-r.window))
	cancel()
	if err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			r.engine.monitor.ReportFailure()
		}
		log.Printf("[snapshot] sales refresh failed: %v", err)
		return
	}
	r.engine.monitor.ReportSuccess()

	stored := 0
	for _, sale := range sales {
		// A cached sale with queued work holds local bookkeeping the
		// server does not know about yet. The drainer reconciles it; a
		// refresh must not clobber it.
		pending, err := r.engine.local.HasPendingOperations(ctx, r.storeID, sale.ID)
		if err != nil {
			log.Printf("[snapshot] pending check failed for sale %s: %v", sale.ID, err)
			continue
		}
		if pending {
			continue
		}

		cached := domain.CachedSale{
			Sale:     sale,
			ServerID: sale.ID,
			CachedAt: time.Now().UTC(),
		}
		if err := r.engine.local.PutCachedSale(ctx, cached); err != nil {
			log.Printf("[snapshot] cache write failed for sale %s: %v", sale.ID, err)
			continue
		}
		stored++
	}
	if stored > 0 {
		log.Printf("[snapshot] refreshed %d sales", stored)
	}
}

func (r *Refresher) refreshCatalog(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, r.engine.lookupTimeout)
	products, err := r.engine.remote.Catalog(callCtx, r.storeID)
	cancel()
	if err != nil {
		log.Printf("[snapshot] catalog refresh failed: %v", err)
		return
	}
	if err := r.engine.local.UpsertProducts(ctx, r.storeID, products); err != nil {
		log.Printf("[snapshot] mirror write failed: %v", err)
		return
	}
	r.engine.products.Invalidate(ctx, r.storeID)
	log.Printf("[snapshot] refreshed %d products", len(products))
}
