package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SaleStatus string

const (
	SaleStatusCompleted   SaleStatus = "COMPLETED"
	SaleStatusPendingSync SaleStatus = "PENDING_SYNC"
	SaleStatusCached      SaleStatus = "CACHED"
)

type RestockAction string

const (
	RestockActionRestock RestockAction = "RESTOCK"
	RestockActionDiscard RestockAction = "DISCARD"
)

type RefundType string

const (
	RefundTypeNone    RefundType = "NONE"
	RefundTypeFull    RefundType = "FULL"
	RefundTypePartial RefundType = "PARTIAL"
)

type OperationType string

const (
	OperationTypeReturn OperationType = "RETURN"
	OperationTypeSwap   OperationType = "SWAP"
)

// SaleSource says which side of the reconciliation boundary a sale view came
// from. The calculators never care; the engine and the UI do.
type SaleSource string

const (
	SaleSourceOnline SaleSource = "online"
	SaleSourceCached SaleSource = "cached"
)

type SaleItem struct {
	ID               string          `json:"id"`
	ProductID        string          `json:"product_id"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	LineDiscount     decimal.Decimal `json:"line_discount"`
	LineTotal        decimal.Decimal `json:"line_total"`
	QuantityReturned int             `json:"quantity_returned"`
}

// QuantityRemaining is always derived, never stored. The pair
// (Quantity, QuantityReturned) is the source of truth.
func (it SaleItem) QuantityRemaining() int {
	remaining := it.Quantity - it.QuantityReturned
	if remaining < 0 {
		return 0
	}
	return remaining
}

type Sale struct {
	ID         string          `json:"id"`
	StoreID    string          `json:"store_id"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Discount   decimal.Decimal `json:"discount"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	Currency   string          `json:"currency"`
	Status     SaleStatus      `json:"status"`
	OccurredAt time.Time       `json:"occurred_at"`
	Items      []SaleItem      `json:"items"`
}

// FullyReturned reports whether every line has been returned in full. A sale
// in this state is terminal for the return flow.
func (s Sale) FullyReturned() bool {
	if len(s.Items) == 0 {
		return false
	}
	for _, item := range s.Items {
		if item.QuantityReturned < item.Quantity {
			return false
		}
	}
	return true
}

// CachedSale is the snapshot-cache mirror of a Sale. IsOffline marks sales
// that were themselves created while offline; ServerID is the authoritative id
// once the sale (or its queued operations) have synced.
type CachedSale struct {
	Sale
	IsOffline      bool       `json:"is_offline"`
	ServerID       string     `json:"server_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	SyncedAt       *time.Time `json:"synced_at,omitempty"`
	CachedAt       time.Time  `json:"cached_at"`
}

// Matches reports whether reference identifies this cached sale: by local id,
// by idempotency key, or by a previously assigned server id.
func (c CachedSale) Matches(reference string) bool {
	if reference == "" {
		return false
	}
	return c.ID == reference ||
		(c.ServerID != "" && c.ServerID == reference) ||
		(c.IdempotencyKey != "" && c.IdempotencyKey == reference)
}

// ReturnDraftEntry is the ephemeral per-line editing state for an in-progress
// return. RefundAmount is a decimal string and only meaningful for PARTIAL.
type ReturnDraftEntry struct {
	SaleItemID    string        `json:"sale_item_id"`
	ProductID     string        `json:"product_id"`
	Quantity      int           `json:"quantity"`
	RestockAction RestockAction `json:"restock_action"`
	RefundType    RefundType    `json:"refund_type"`
	RefundAmount  string        `json:"refund_amount"`
}

// ReturnItemAction is one resolved line of a submitted return: the draft entry
// with its refund amount fixed to the computed decimal value.
type ReturnItemAction struct {
	SaleItemID    string          `json:"sale_item_id"`
	ProductID     string          `json:"product_id"`
	Quantity      int             `json:"quantity"`
	RestockAction RestockAction   `json:"restock_action"`
	RefundType    RefundType      `json:"refund_type"`
	RefundAmount  decimal.Decimal `json:"refund_amount"`
}

type SwapReplacement struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OfflineOperationRecord is the unit of deferred work the drainer replays once
// connectivity returns. Never mutated by the UI after creation.
type OfflineOperationRecord struct {
	ID      string             `json:"id"`
	SaleID  string             `json:"sale_id"`
	StoreID string             `json:"store_id"`
	Type    OperationType      `json:"type"`
	Items   []ReturnItemAction `json:"items"`
	Reason  string             `json:"reason,omitempty"`

	// Swap-only fields. RestockAction is the cashier's decision for the
	// returned original units and must survive replay verbatim.
	OriginalSaleItemID string            `json:"original_sale_item_id,omitempty"`
	OriginalProductID  string            `json:"original_product_id,omitempty"`
	OriginalQuantity   int               `json:"original_quantity,omitempty"`
	OriginalUnitPrice  decimal.Decimal   `json:"original_unit_price"`
	RestockAction      RestockAction     `json:"restock_action,omitempty"`
	Replacements       []SwapReplacement `json:"replacements,omitempty"`
	TotalDifference    decimal.Decimal   `json:"total_difference"`
	PaymentMethod      string            `json:"payment_method,omitempty"`

	// PotentialLoss is the refund value at risk of being paid twice if the
	// same receipt is also processed by the authoritative server.
	PotentialLoss decimal.Decimal `json:"potential_loss"`

	CreatedAt time.Time  `json:"created_at"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
	ServerID  string     `json:"server_id,omitempty"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
}

type Product struct {
	ID      string          `json:"id"`
	StoreID string          `json:"store_id"`
	SKU     string          `json:"sku"`
	Barcode string          `json:"barcode,omitempty"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
	Stock   int             `json:"stock"`
	Active  bool            `json:"active"`
}

// SaleLookup is the result of opening a return session.
type SaleLookup struct {
	SessionID string             `json:"session_id"`
	Source    SaleSource         `json:"source"`
	Sale      Sale               `json:"sale"`
	Draft     []ReturnDraftEntry `json:"draft"`
}

type SubmitOutcome string

const (
	OutcomeSubmittedOnline     SubmitOutcome = "submitted_online"
	OutcomeQueuedOffline       SubmitOutcome = "queued_offline"
	OutcomeNeedsAcknowledgment SubmitOutcome = "needs_acknowledgment"
)

// SubmitResult is the discriminated outcome of a return or swap submit.
type SubmitResult struct {
	Outcome       SubmitOutcome   `json:"outcome"`
	OperationID   string          `json:"operation_id,omitempty"`
	ReceiptNumber string          `json:"receipt_number,omitempty"`
	ProductRefund decimal.Decimal `json:"product_refund"`
	TaxRefund     decimal.Decimal `json:"tax_refund"`
	TotalRefund   decimal.Decimal `json:"total_refund"`
	// Swap settlement, signed: positive means the customer pays.
	TotalDifference decimal.Decimal `json:"total_difference"`
	PotentialLoss   decimal.Decimal `json:"potential_loss"`
}

// ReturnSubmission is the payload sent to the central /returns endpoint.
type ReturnSubmission struct {
	ClientOperationID string             `json:"client_operation_id,omitempty"`
	SaleID            string             `json:"sale_id"`
	StoreID           string             `json:"store_id"`
	Reason            string             `json:"reason,omitempty"`
	Items             []ReturnItemAction `json:"items"`
}

// SwapSubmission is the payload sent to the central /swaps endpoint.
type SwapSubmission struct {
	ClientOperationID  string            `json:"client_operation_id,omitempty"`
	SaleID             string            `json:"sale_id"`
	StoreID            string            `json:"store_id"`
	OriginalSaleItemID string            `json:"original_sale_item_id"`
	OriginalProductID  string            `json:"original_product_id"`
	OriginalQuantity   int               `json:"original_quantity"`
	OriginalUnitPrice  decimal.Decimal   `json:"original_unit_price"`
	NewProducts        []SwapReplacement `json:"new_products"`
	RestockAction      RestockAction     `json:"restock_action"`
	PaymentMethod      string            `json:"payment_method,omitempty"`
	Notes              string            `json:"notes,omitempty"`
}

// ReturnReceipt is the central server's response to a processed return.
type ReturnReceipt struct {
	ID            string          `json:"id"`
	SaleID        string          `json:"sale_id"`
	ReceiptNumber string          `json:"receipt_number"`
	TotalRefund   decimal.Decimal `json:"total_refund"`
	ProcessedAt   time.Time       `json:"processed_at"`
}

// SwapReceipt carries the server-assigned receipt number and the
// authoritative settlement amount.
type SwapReceipt struct {
	ID              string          `json:"id"`
	SaleID          string          `json:"sale_id"`
	ReceiptNumber   string          `json:"receipt_number"`
	TotalDifference decimal.Decimal `json:"total_difference"`
	ProcessedAt     time.Time       `json:"processed_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
