// Package drainer replays queued offline operations against the central API
// once connectivity returns. Delivery is at-least-once; the server dedups on
// the client operation id.
package drainer

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
	"github.com/chainsyncstore/chainsync-edge/internal/remote"
	"github.com/chainsyncstore/chainsync-edge/internal/store"
)

type Drainer struct {
	local   store.LocalStore
	remote  remote.Client
	monitor *remote.Monitor
	storeID string
	timeout time.Duration
}

func New(local store.LocalStore, rc remote.Client, monitor *remote.Monitor, storeID string, timeout time.Duration) *Drainer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Drainer{local: local, remote: rc, monitor: monitor, storeID: storeID, timeout: timeout}
}

// DrainOnce replays pending operations oldest-first. The first transient
// failure stops the batch; later operations wait for the next pass so
// ordering is preserved. A pass runs even while the monitor reports the
// server unreachable: the first replay doubles as the connectivity probe,
// so an outage costs one request per pass and a recovered server flips the
// monitor back online. Only the operator's forced-offline toggle skips.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	if d.monitor.ForcedOffline() {
		return 0, nil
	}

	pending, err := d.local.ListPendingOperations(ctx, d.storeID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	synced := 0
	for _, op := range pending {
		serverID, err := d.replay(ctx, op)
		switch {
		case err == nil:
			d.monitor.ReportSuccess()
		case errors.Is(err, remote.ErrFullyReturned):
			// The server already processed this receipt through another
			// path. The duplicate-loss risk the cashier acknowledged has
			// materialized; record it as synced so it never replays.
			d.monitor.ReportSuccess()
			log.Printf("[drainer] WARNING op=%s sale=%s rejected as already returned, potential loss %s realized",
				op.ID, op.SaleID, op.PotentialLoss.String())
			serverID = ""
		case errors.Is(err, remote.ErrNotFound):
			d.monitor.ReportSuccess()
			if recErr := d.local.RecordOperationAttempt(ctx, op.ID, err.Error()); recErr != nil {
				log.Printf("[drainer] record attempt failed for op %s: %v", op.ID, recErr)
			}
			log.Printf("[drainer] op=%s sale=%s unknown to server, left queued for review", op.ID, op.SaleID)
			continue
		default:
			d.monitor.ReportFailure()
			if recErr := d.local.RecordOperationAttempt(ctx, op.ID, err.Error()); recErr != nil {
				log.Printf("[drainer] record attempt failed for op %s: %v", op.ID, recErr)
			}
			log.Printf("[drainer] replay failed for op %s, stopping batch: %v", op.ID, err)
			return synced, err
		}

		now := time.Now().UTC()
		if err := d.local.MarkOperationSynced(ctx, op.ID, serverID, now); err != nil {
			log.Printf("[drainer] mark synced failed for op %s: %v", op.ID, err)
			return synced, err
		}
		if serverID != "" {
			if err := d.local.PromoteCachedSale(ctx, d.storeID, op.SaleID, serverID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
				log.Printf("[drainer] promote cached sale %s failed: %v", op.SaleID, err)
			}
		}
		synced++
		log.Printf("[drainer] op=%s sale=%s synced", op.ID, op.SaleID)
	}
	return synced, nil
}

// replay sends one operation with its id as the idempotency key and returns
// the server-assigned sale id.
func (d *Drainer) replay(ctx context.Context, op domain.OfflineOperationRecord) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch op.Type {
	case domain.OperationTypeSwap:
		receipt, err := d.remote.SubmitSwap(callCtx, domain.SwapSubmission{
			ClientOperationID:  op.ID,
			SaleID:             op.SaleID,
			StoreID:            op.StoreID,
			OriginalSaleItemID: op.OriginalSaleItemID,
			OriginalProductID:  op.OriginalProductID,
			OriginalQuantity:   op.OriginalQuantity,
			OriginalUnitPrice:  op.OriginalUnitPrice,
			NewProducts:        op.Replacements,
			RestockAction:      op.RestockAction,
			PaymentMethod:      op.PaymentMethod,
			Notes:              op.Reason,
		})
		if err != nil {
			return "", err
		}
		return receipt.SaleID, nil
	default:
		receipt, err := d.remote.SubmitReturn(callCtx, domain.ReturnSubmission{
			ClientOperationID: op.ID,
			SaleID:            op.SaleID,
			StoreID:           op.StoreID,
			Reason:            op.Reason,
			Items:             op.Items,
		})
		if err != nil {
			return "", err
		}
		return receipt.SaleID, nil
	}
}

// Scheduler runs the drainer on a fixed interval.
type Scheduler struct {
	drainer  *Drainer
	interval time.Duration
}

func NewScheduler(d *Drainer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{drainer: d, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[drainer] scheduler started interval=%s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[drainer] scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.drainer.DrainOnce(ctx); err != nil {
				log.Printf("[drainer] pass ended with error: %v", err)
			}
		}
	}
}
