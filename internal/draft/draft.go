// Package draft holds the ephemeral per-line editing state for one return
// session. Entries live from sale lookup until submit or reset and are never
// persisted.
package draft

import (
	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
	"github.com/chainsyncstore/chainsync-edge/internal/pricing"
)

// Builder owns the draft entries for one lookup session, keyed by sale item
// id. It is not safe for concurrent use; the engine serializes access per
// session.
type Builder struct {
	items   map[string]domain.SaleItem
	entries map[string]domain.ReturnDraftEntry
	order   []string
}

// New seeds one entry per sale item: quantity defaults to the remaining
// quantity, not the original sold quantity, so a partially returned sale
// only offers what is left. Restock defaults to RESTOCK, refund to FULL when anything
// is left to refund.
func New(items []domain.SaleItem) *Builder {
	b := &Builder{
		items:   make(map[string]domain.SaleItem, len(items)),
		entries: make(map[string]domain.ReturnDraftEntry, len(items)),
		order:   make([]string, 0, len(items)),
	}
	for _, item := range items {
		remaining := item.QuantityRemaining()

		refundType := domain.RefundTypeNone
		if remaining > 0 {
			refundType = domain.RefundTypeFull
		}

		b.items[item.ID] = item
		b.entries[item.ID] = domain.ReturnDraftEntry{
			SaleItemID:    item.ID,
			ProductID:     item.ProductID,
			Quantity:      remaining,
			RestockAction: domain.RestockActionRestock,
			RefundType:    refundType,
			RefundAmount:  fullValueString(item, remaining),
		}
		b.order = append(b.order, item.ID)
	}
	return b
}

// Update applies fn to one entry. Absent entries are a no-op and report false;
// an update never creates an entry.
func (b *Builder) Update(saleItemID string, fn func(domain.ReturnDraftEntry) domain.ReturnDraftEntry) bool {
	entry, ok := b.entries[saleItemID]
	if !ok {
		return false
	}
	b.entries[saleItemID] = fn(entry)
	return true
}

// SetQuantity clamps the requested quantity to [0, remaining] and, for a FULL
// refund, recomputes the refund amount from the new quantity.
func (b *Builder) SetQuantity(saleItemID string, quantity int) bool {
	item, ok := b.items[saleItemID]
	if !ok {
		return false
	}
	return b.Update(saleItemID, func(entry domain.ReturnDraftEntry) domain.ReturnDraftEntry {
		remaining := item.QuantityRemaining()
		if quantity < 0 {
			quantity = 0
		}
		if quantity > remaining {
			quantity = remaining
		}
		entry.Quantity = quantity
		if entry.RefundType == domain.RefundTypeFull {
			entry.RefundAmount = fullValueString(item, quantity)
		}
		return entry
	})
}

func (b *Builder) SetRestockAction(saleItemID string, action domain.RestockAction) bool {
	return b.Update(saleItemID, func(entry domain.ReturnDraftEntry) domain.ReturnDraftEntry {
		entry.RestockAction = action
		return entry
	})
}

// SetRefundType switches refund mode: FULL recomputes the amount from the
// current draft quantity, NONE zeroes it, PARTIAL preserves whatever string is
// present so the cashier can edit it.
func (b *Builder) SetRefundType(saleItemID string, refundType domain.RefundType) bool {
	item, ok := b.items[saleItemID]
	if !ok {
		return false
	}
	return b.Update(saleItemID, func(entry domain.ReturnDraftEntry) domain.ReturnDraftEntry {
		entry.RefundType = refundType
		switch refundType {
		case domain.RefundTypeFull:
			entry.RefundAmount = fullValueString(item, entry.Quantity)
		case domain.RefundTypeNone:
			entry.RefundAmount = "0"
		}
		return entry
	})
}

func (b *Builder) SetRefundAmount(saleItemID string, amount string) bool {
	return b.Update(saleItemID, func(entry domain.ReturnDraftEntry) domain.ReturnDraftEntry {
		entry.RefundAmount = amount
		return entry
	})
}

func (b *Builder) Entry(saleItemID string) (domain.ReturnDraftEntry, bool) {
	entry, ok := b.entries[saleItemID]
	return entry, ok
}

func (b *Builder) Item(saleItemID string) (domain.SaleItem, bool) {
	item, ok := b.items[saleItemID]
	return item, ok
}

// Entries returns the draft in the sale's line order.
func (b *Builder) Entries() []domain.ReturnDraftEntry {
	out := make([]domain.ReturnDraftEntry, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.entries[id])
	}
	return out
}

// Reset discards all edits and reseeds from the items the builder was created
// with.
func (b *Builder) Reset() {
	items := make([]domain.SaleItem, 0, len(b.order))
	for _, id := range b.order {
		items = append(items, b.items[id])
	}
	fresh := New(items)
	b.entries = fresh.entries
}

func fullValueString(item domain.SaleItem, quantity int) string {
	if quantity <= 0 {
		return "0"
	}
	unitValue := pricing.UnitRefund(item)
	return unitValue.Mul(decimal.NewFromInt(int64(quantity))).String()
}
