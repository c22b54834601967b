package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
)

func TestQuoteSwapCustomerPays(t *testing.T) {
	sale := domain.Sale{Subtotal: dec("1000"), Tax: dec("80")} // 8%
	original := domain.SaleItem{ID: "item-1", ProductID: "p-1", Quantity: 1, UnitPrice: dec("1000"), LineTotal: dec("1000")}
	replacements := []domain.SwapReplacement{
		{ProductID: "p-2", Quantity: 1, UnitPrice: dec("1200")},
	}

	quote := QuoteSwap(sale, original, 1, replacements, decimal.Zero)

	if !quote.OriginalTotal.Equal(dec("1000")) {
		t.Fatalf("expected original total 1000, got %s", quote.OriginalTotal)
	}
	if !quote.NewTotal.Equal(dec("1200")) {
		t.Fatalf("expected new total 1200, got %s", quote.NewTotal)
	}
	if !quote.PriceDifference.Equal(dec("200")) {
		t.Fatalf("expected price difference 200, got %s", quote.PriceDifference)
	}
	if !quote.TaxDifference.Equal(dec("16")) {
		t.Fatalf("expected tax difference 16, got %s", quote.TaxDifference)
	}
	if !quote.TotalDifference.Equal(dec("216")) {
		t.Fatalf("expected total difference 216, got %s", quote.TotalDifference)
	}
	if !SwapPotentialLoss(quote).IsZero() {
		t.Fatalf("overcharge direction must carry no loss exposure")
	}
}

func TestQuoteSwapRefundDirection(t *testing.T) {
	sale := domain.Sale{Subtotal: dec("500"), Tax: dec("50")} // 10%
	original := domain.SaleItem{ID: "item-1", Quantity: 1, UnitPrice: dec("500"), LineTotal: dec("500")}
	replacements := []domain.SwapReplacement{
		{ProductID: "p-2", Quantity: 2, UnitPrice: dec("100")},
	}

	quote := QuoteSwap(sale, original, 1, replacements, decimal.Zero)

	if !quote.TotalDifference.Equal(dec("-330")) {
		t.Fatalf("expected total difference -330, got %s", quote.TotalDifference)
	}
	if !SwapPotentialLoss(quote).Equal(dec("330")) {
		t.Fatalf("expected potential loss 330, got %s", SwapPotentialLoss(quote))
	}
}

func TestQuoteSwapClampsToRemainingQuantity(t *testing.T) {
	sale := domain.Sale{Subtotal: dec("300"), Tax: decimal.Zero}
	original := domain.SaleItem{ID: "item-1", Quantity: 3, QuantityReturned: 2, UnitPrice: dec("100"), LineTotal: dec("300")}

	quote := QuoteSwap(sale, original, 3, nil, decimal.Zero)
	if !quote.OriginalTotal.Equal(dec("100")) {
		t.Fatalf("expected original total clamped to 1 remaining unit (100), got %s", quote.OriginalTotal)
	}
}

func TestQuoteSwapStoreRateFallback(t *testing.T) {
	// No sale-level rate available: the store's configured rate applies.
	sale := domain.Sale{Subtotal: decimal.Zero, Tax: decimal.Zero}
	original := domain.SaleItem{ID: "item-1", Quantity: 1, UnitPrice: dec("100"), LineTotal: dec("100")}
	replacements := []domain.SwapReplacement{
		{ProductID: "p-2", Quantity: 1, UnitPrice: dec("150")},
	}

	quote := QuoteSwap(sale, original, 1, replacements, dec("0.1"))
	if !quote.TaxDifference.Equal(dec("5")) {
		t.Fatalf("expected tax difference 5 from store rate, got %s", quote.TaxDifference)
	}

	// Sale-level rate beats the store default when present.
	taxedSale := domain.Sale{Subtotal: dec("100"), Tax: dec("5")} // 5%
	quote = QuoteSwap(taxedSale, original, 1, replacements, dec("0.1"))
	if !quote.TaxDifference.Equal(dec("2.5")) {
		t.Fatalf("expected sale rate to win (2.5), got %s", quote.TaxDifference)
	}
}

func TestQuoteSwapEvenSwap(t *testing.T) {
	sale := domain.Sale{Subtotal: dec("100"), Tax: dec("8")}
	original := domain.SaleItem{ID: "item-1", Quantity: 1, UnitPrice: dec("100"), LineTotal: dec("100")}
	replacements := []domain.SwapReplacement{
		{ProductID: "p-2", Quantity: 1, UnitPrice: dec("100")},
	}

	quote := QuoteSwap(sale, original, 1, replacements, decimal.Zero)
	if !quote.TotalDifference.IsZero() {
		t.Fatalf("expected even swap, got %s", quote.TotalDifference)
	}
	if !SwapPotentialLoss(quote).IsZero() {
		t.Fatalf("even swap has no loss exposure")
	}
}

func TestQuoteSwapSkipsNonPositiveReplacementQuantities(t *testing.T) {
	sale := domain.Sale{Subtotal: dec("100"), Tax: decimal.Zero}
	original := domain.SaleItem{ID: "item-1", Quantity: 1, UnitPrice: dec("100"), LineTotal: dec("100")}
	replacements := []domain.SwapReplacement{
		{ProductID: "p-2", Quantity: 0, UnitPrice: dec("999")},
		{ProductID: "p-3", Quantity: -2, UnitPrice: dec("999")},
		{ProductID: "p-4", Quantity: 1, UnitPrice: dec("40")},
	}

	quote := QuoteSwap(sale, original, 1, replacements, decimal.Zero)
	if !quote.NewTotal.Equal(dec("40")) {
		t.Fatalf("expected new total 40, got %s", quote.NewTotal)
	}
}
