package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
)

// SwapQuote is the settlement math for exchanging part of a sold line for one
// or more replacement products. Sign convention: a positive TotalDifference
// means the customer owes the difference, negative means a refund to the
// customer, zero means an even swap with no payment instrument required.
type SwapQuote struct {
	OriginalTotal   decimal.Decimal `json:"original_total"`
	NewTotal        decimal.Decimal `json:"new_total"`
	PriceDifference decimal.Decimal `json:"price_difference"`
	TaxRate         decimal.Decimal `json:"tax_rate"`
	TaxDifference   decimal.Decimal `json:"tax_difference"`
	TotalDifference decimal.Decimal `json:"total_difference"`
}

// QuoteSwap prices a swap of swapQuantity units of original against the given
// replacement lines. The sale-level aggregate tax rate wins when the sale has
// one; storeTaxRate is the store's configured fallback and is only consulted
// when the sale carries no usable subtotal.
func QuoteSwap(sale domain.Sale, original domain.SaleItem, swapQuantity int, replacements []domain.SwapReplacement, storeTaxRate decimal.Decimal) SwapQuote {
	qty := swapQuantity
	if remaining := original.QuantityRemaining(); qty > remaining {
		qty = remaining
	}
	if qty < 0 {
		qty = 0
	}

	originalTotal := original.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))

	newTotal := decimal.Zero
	for _, repl := range replacements {
		if repl.Quantity <= 0 {
			continue
		}
		newTotal = newTotal.Add(repl.UnitPrice.Mul(decimal.NewFromInt(int64(repl.Quantity))))
	}

	rate := storeTaxRate
	if sale.Subtotal.IsPositive() {
		rate = TaxRate(sale)
	}
	if rate.IsNegative() {
		rate = decimal.Zero
	}

	priceDifference := newTotal.Sub(originalTotal)
	taxDifference := priceDifference.Mul(rate)

	return SwapQuote{
		OriginalTotal:   originalTotal,
		NewTotal:        newTotal,
		PriceDifference: priceDifference,
		TaxRate:         rate,
		TaxDifference:   taxDifference,
		TotalDifference: priceDifference.Add(taxDifference),
	}
}

// SwapPotentialLoss is the at-risk amount for an offline-queued swap: only the
// refund-to-customer direction counts, an overcharge has no loss exposure.
func SwapPotentialLoss(quote SwapQuote) decimal.Decimal {
	if quote.TotalDifference.IsNegative() {
		return quote.TotalDifference.Neg()
	}
	return decimal.Zero
}
