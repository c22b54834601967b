package draft

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func saleItems() []domain.SaleItem {
	return []domain.SaleItem{
		{ID: "item-1", ProductID: "p-1", Quantity: 10, QuantityReturned: 3, UnitPrice: dec("10"), LineTotal: dec("100")},
		{ID: "item-2", ProductID: "p-2", Quantity: 2, QuantityReturned: 2, UnitPrice: dec("25"), LineTotal: dec("50")},
		{ID: "item-3", ProductID: "p-3", Quantity: 1, QuantityReturned: 0, UnitPrice: dec("30"), LineTotal: dec("30")},
	}
}

func TestNewSeedsRemainingQuantityNotOriginal(t *testing.T) {
	b := New(saleItems())

	entry, ok := b.Entry("item-1")
	if !ok {
		t.Fatalf("expected entry for item-1")
	}
	if entry.Quantity != 7 {
		t.Fatalf("expected seeded quantity 7 (10 sold - 3 returned), got %d", entry.Quantity)
	}
	if entry.RestockAction != domain.RestockActionRestock {
		t.Fatalf("expected default RESTOCK, got %s", entry.RestockAction)
	}
	if entry.RefundType != domain.RefundTypeFull {
		t.Fatalf("expected FULL for returnable line, got %s", entry.RefundType)
	}
	if !dec(entry.RefundAmount).Equal(dec("70")) {
		t.Fatalf("expected seeded refund amount 70, got %s", entry.RefundAmount)
	}
}

func TestNewSeedsNoneForExhaustedLine(t *testing.T) {
	b := New(saleItems())

	entry, _ := b.Entry("item-2")
	if entry.Quantity != 0 {
		t.Fatalf("expected quantity 0 for fully returned line, got %d", entry.Quantity)
	}
	if entry.RefundType != domain.RefundTypeNone {
		t.Fatalf("expected NONE for fully returned line, got %s", entry.RefundType)
	}
	if !dec(entry.RefundAmount).IsZero() {
		t.Fatalf("expected zero refund amount, got %s", entry.RefundAmount)
	}
}

func TestUpdateAbsentEntryIsNoOp(t *testing.T) {
	b := New(saleItems())

	called := false
	ok := b.Update("ghost", func(e domain.ReturnDraftEntry) domain.ReturnDraftEntry {
		called = true
		return e
	})
	if ok || called {
		t.Fatalf("update of absent entry must be a no-op, not create one")
	}
	if len(b.Entries()) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(b.Entries()))
	}
}

func TestSetQuantityClampsToRemaining(t *testing.T) {
	b := New(saleItems())

	b.SetQuantity("item-1", 99)
	entry, _ := b.Entry("item-1")
	if entry.Quantity != 7 {
		t.Fatalf("expected clamp to remaining 7, got %d", entry.Quantity)
	}
	if !dec(entry.RefundAmount).Equal(dec("70")) {
		t.Fatalf("expected FULL amount recomputed to 70, got %s", entry.RefundAmount)
	}

	b.SetQuantity("item-1", -4)
	entry, _ = b.Entry("item-1")
	if entry.Quantity != 0 {
		t.Fatalf("expected clamp to 0, got %d", entry.Quantity)
	}
	if !dec(entry.RefundAmount).IsZero() {
		t.Fatalf("expected recomputed amount 0, got %s", entry.RefundAmount)
	}
}

func TestSetRefundTypeTransitions(t *testing.T) {
	b := New(saleItems())
	b.SetQuantity("item-1", 4)

	// PARTIAL preserves the current string for manual editing.
	b.SetRefundType("item-1", domain.RefundTypePartial)
	entry, _ := b.Entry("item-1")
	if !dec(entry.RefundAmount).Equal(dec("40")) {
		t.Fatalf("PARTIAL must preserve the current amount, got %s", entry.RefundAmount)
	}

	b.SetRefundAmount("item-1", "12.34")
	entry, _ = b.Entry("item-1")
	if entry.RefundAmount != "12.34" {
		t.Fatalf("expected manual amount 12.34, got %s", entry.RefundAmount)
	}

	// NONE zeroes the amount.
	b.SetRefundType("item-1", domain.RefundTypeNone)
	entry, _ = b.Entry("item-1")
	if !dec(entry.RefundAmount).IsZero() {
		t.Fatalf("NONE must zero the amount, got %s", entry.RefundAmount)
	}

	// Back to FULL recomputes from the current draft quantity, not the
	// seeded one.
	b.SetRefundType("item-1", domain.RefundTypeFull)
	entry, _ = b.Entry("item-1")
	if !dec(entry.RefundAmount).Equal(dec("40")) {
		t.Fatalf("FULL must recompute from draft quantity 4, got %s", entry.RefundAmount)
	}
}

func TestResetRestoresSeededState(t *testing.T) {
	b := New(saleItems())
	b.SetQuantity("item-1", 1)
	b.SetRefundType("item-3", domain.RefundTypeNone)

	b.Reset()

	entry, _ := b.Entry("item-1")
	if entry.Quantity != 7 || entry.RefundType != domain.RefundTypeFull {
		t.Fatalf("expected reseeded entry for item-1, got %+v", entry)
	}
	entry, _ = b.Entry("item-3")
	if entry.RefundType != domain.RefundTypeFull {
		t.Fatalf("expected reseeded FULL for item-3, got %s", entry.RefundType)
	}
}

func TestEntriesPreserveSaleLineOrder(t *testing.T) {
	b := New(saleItems())
	entries := b.Entries()
	want := []string{"item-1", "item-2", "item-3"}
	for i, id := range want {
		if entries[i].SaleItemID != id {
			t.Fatalf("expected %s at position %d, got %s", id, i, entries[i].SaleItemID)
		}
	}
}
