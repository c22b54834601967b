// Package pricing holds the pure refund, tax, and swap calculators. Nothing
// here touches the network or storage, and nothing here returns an error:
// out-of-range input is clamped to a safe value instead.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
)

// UnitRefund is the per-unit value of a sale line. A zero-quantity line is
// treated as a flat amount and refunds its full line total; this mirrors the
// established POS behavior and must not be "fixed" to zero.
func UnitRefund(item domain.SaleItem) decimal.Decimal {
	if item.Quantity > 0 {
		return item.LineTotal.Div(decimal.NewFromInt(int64(item.Quantity)))
	}
	return item.LineTotal
}

// RefundForItem computes the product refund for one draft line.
//
// The draft quantity is clamped to [0, item.Quantity] as a secondary safety
// net; the primary cap against the remaining quantity is enforced by the draft
// builder and the engine before anything reaches this function. A PARTIAL
// amount is a hard ceiling: it can never exceed the full value of the
// returned quantity, and an unparseable or negative amount counts as zero.
func RefundForItem(item domain.SaleItem, entry domain.ReturnDraftEntry) decimal.Decimal {
	qty := clampInt(entry.Quantity, 0, item.Quantity)
	unitValue := UnitRefund(item)
	fullValue := unitValue.Mul(decimal.NewFromInt(int64(qty)))

	switch entry.RefundType {
	case domain.RefundTypeNone:
		return decimal.Zero
	case domain.RefundTypeFull:
		return fullValue
	case domain.RefundTypePartial:
		requested, err := decimal.NewFromString(entry.RefundAmount)
		if err != nil || requested.IsNegative() {
			return decimal.Zero
		}
		return decimal.Min(requested, fullValue)
	default:
		return decimal.Zero
	}
}

// TaxRate is the sale-level aggregate tax rate. The system does not track
// item-level tax; one proportional rate is apportioned across every line's
// refund.
func TaxRate(sale domain.Sale) decimal.Decimal {
	if sale.Subtotal.IsPositive() {
		return sale.Tax.Div(sale.Subtotal)
	}
	return decimal.Zero
}

// TaxRefundForItem is the proportional tax component of one line's refund.
func TaxRefundForItem(sale domain.Sale, item domain.SaleItem, entry domain.ReturnDraftEntry) decimal.Decimal {
	return RefundForItem(item, entry).Mul(TaxRate(sale))
}

// ReturnTotals aggregates a draft into product refund, tax refund, and the
// combined total. Tax is apportioned line by line; see DESIGN.md for why this
// variant was chosen over applying the rate to the aggregate.
func ReturnTotals(sale domain.Sale, entries []domain.ReturnDraftEntry) (product, tax, total decimal.Decimal) {
	itemsByID := make(map[string]domain.SaleItem, len(sale.Items))
	for _, item := range sale.Items {
		itemsByID[item.ID] = item
	}

	product = decimal.Zero
	tax = decimal.Zero
	rate := TaxRate(sale)
	for _, entry := range entries {
		item, ok := itemsByID[entry.SaleItemID]
		if !ok {
			continue
		}
		refund := RefundForItem(item, entry)
		product = product.Add(refund)
		tax = tax.Add(refund.Mul(rate))
	}
	return product, tax, product.Add(tax)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
