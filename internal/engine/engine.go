// Package engine decides, per lookup and submit, whether to work over the
// network or against the local snapshot cache, and owns the offline operation
// queue writes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/chainsync-edge/internal/cache"
	"github.com/chainsyncstore/chainsync-edge/internal/domain"
	"github.com/chainsyncstore/chainsync-edge/internal/draft"
	"github.com/chainsyncstore/chainsync-edge/internal/pricing"
	"github.com/chainsyncstore/chainsync-edge/internal/remote"
	"github.com/chainsyncstore/chainsync-edge/internal/store"
	"github.com/chainsyncstore/chainsync-edge/internal/xid"
)

var (
	ErrNotFound        = errors.New("engine: sale not found")
	ErrFullyReturned   = errors.New("engine: sale already fully returned")
	ErrNoItemsSelected = errors.New("engine: no items selected")
	ErrSessionExpired  = errors.New("engine: session not found")
)

const barcodeCacheTTL = 15 * time.Minute

// Session is one open return/swap flow: the resolved sale view, where it came
// from, and its draft. Destroyed on submit or reset.
type Session struct {
	ID        string
	StoreID   string
	Source    domain.SaleSource
	Sale      domain.Sale
	Draft     *draft.Builder
	CreatedAt time.Time

	cached *domain.CachedSale

	// operationID is fixed on the first submit attempt and reused on every
	// retry, so an ambiguous network failure and the acknowledged resubmit
	// carry the same server-side dedup key.
	operationID string
}

func (s *Session) submitOperationID() string {
	if s.operationID == "" {
		s.operationID = uuid.NewString()
	}
	return s.operationID
}

type Engine struct {
	local    store.LocalStore
	remote   remote.Client
	monitor  *remote.Monitor
	products cache.ProductCache

	lookupTimeout time.Duration
	storeTaxRate  decimal.Decimal

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(local store.LocalStore, rc remote.Client, monitor *remote.Monitor, products cache.ProductCache, lookupTimeout time.Duration, storeTaxRate decimal.Decimal) *Engine {
	if lookupTimeout <= 0 {
		lookupTimeout = 10 * time.Second
	}
	return &Engine{
		local:         local,
		remote:        rc,
		monitor:       monitor,
		products:      products,
		lookupTimeout: lookupTimeout,
		storeTaxRate:  storeTaxRate,
		sessions:      make(map[string]*Session),
	}
}

// Lookup resolves a sale reference into a new return session. Online results
// are authoritative; the cache is the fallback when the network is out.
func (e *Engine) Lookup(ctx context.Context, storeID, reference string) (*domain.SaleLookup, error) {
	if !e.monitor.Online() {
		return e.lookupCached(ctx, storeID, reference)
	}

	sale, err := e.remoteLookup(ctx, storeID, reference)
	switch {
	case err == nil:
		e.monitor.ReportSuccess()
		if sale.FullyReturned() {
			return nil, ErrFullyReturned
		}
		return e.openSession(storeID, domain.SaleSourceOnline, *sale, nil), nil
	case errors.Is(err, remote.ErrFullyReturned):
		e.monitor.ReportSuccess()
		return nil, ErrFullyReturned
	case errors.Is(err, remote.ErrNotFound):
		// The server answered. An offline-created sale still lives only in
		// the cache, so keep looking there.
		e.monitor.ReportSuccess()
		return e.lookupCached(ctx, storeID, reference)
	}

	e.monitor.ReportFailure()
	log.Printf("[engine] network lookup failed, falling back to cache: %v", err)

	cached, cacheErr := e.local.FindCachedSale(ctx, storeID, reference)
	if cacheErr != nil {
		if errors.Is(cacheErr, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, cacheErr
	}

	// The typed reference may be a local id that the server has since
	// replaced. One retry keyed by the known server id before settling for
	// the cache.
	if !cached.IsOffline && cached.ServerID != "" && cached.ServerID != reference {
		if sale, err := e.remoteLookup(ctx, storeID, cached.ServerID); err == nil {
			e.monitor.ReportSuccess()
			if sale.FullyReturned() {
				return nil, ErrFullyReturned
			}
			return e.openSession(storeID, domain.SaleSourceOnline, *sale, nil), nil
		} else if errors.Is(err, remote.ErrFullyReturned) {
			e.monitor.ReportSuccess()
			return nil, ErrFullyReturned
		}
	}

	return e.sessionFromCached(cached)
}

func (e *Engine) remoteLookup(ctx context.Context, storeID, reference string) (*domain.Sale, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()
	return e.remote.LookupSale(callCtx, storeID, reference)
}

func (e *Engine) lookupCached(ctx context.Context, storeID, reference string) (*domain.SaleLookup, error) {
	cached, err := e.local.FindCachedSale(ctx, storeID, reference)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return e.sessionFromCached(cached)
}

func (e *Engine) sessionFromCached(cached *domain.CachedSale) (*domain.SaleLookup, error) {
	if cached.FullyReturned() {
		return nil, ErrFullyReturned
	}
	lookup := e.openSession(cached.StoreID, domain.SaleSourceCached, cached.Sale, cached)
	return lookup, nil
}

func (e *Engine) openSession(storeID string, source domain.SaleSource, sale domain.Sale, cached *domain.CachedSale) *domain.SaleLookup {
	session := &Session{
		ID:        xid.New("rs"),
		StoreID:   storeID,
		Source:    source,
		Sale:      sale,
		Draft:     draft.New(sale.Items),
		CreatedAt: time.Now().UTC(),
		cached:    cached,
	}

	e.mu.Lock()
	e.sessions[session.ID] = session
	e.mu.Unlock()

	return &domain.SaleLookup{
		SessionID: session.ID,
		Source:    source,
		Sale:      sale,
		Draft:     session.Draft.Entries(),
	}
}

func (e *Engine) Session(sessionID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	session, ok := e.sessions[sessionID]
	if !ok {
		return nil, ErrSessionExpired
	}
	return session, nil
}

func (e *Engine) closeSession(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

// DraftPatch carries the optional per-line edits the UI can make.
type DraftPatch struct {
	Quantity      *int                  `json:"quantity,omitempty"`
	RestockAction *domain.RestockAction `json:"restock_action,omitempty"`
	RefundType    *domain.RefundType    `json:"refund_type,omitempty"`
	RefundAmount  *string               `json:"refund_amount,omitempty"`
}

// UpdateDraft applies a patch to one draft line. Unknown item ids are no-ops
// and report false.
func (e *Engine) UpdateDraft(sessionID, saleItemID string, patch DraftPatch) (domain.ReturnDraftEntry, bool, error) {
	session, err := e.Session(sessionID)
	if err != nil {
		return domain.ReturnDraftEntry{}, false, err
	}

	touched := false
	if patch.Quantity != nil {
		touched = session.Draft.SetQuantity(saleItemID, *patch.Quantity) || touched
	}
	if patch.RestockAction != nil {
		touched = session.Draft.SetRestockAction(saleItemID, *patch.RestockAction) || touched
	}
	if patch.RefundType != nil {
		touched = session.Draft.SetRefundType(saleItemID, *patch.RefundType) || touched
	}
	if patch.RefundAmount != nil {
		touched = session.Draft.SetRefundAmount(saleItemID, *patch.RefundAmount) || touched
	}

	entry, ok := session.Draft.Entry(saleItemID)
	if !ok {
		return domain.ReturnDraftEntry{}, false, nil
	}
	return entry, touched, nil
}

// Totals recomputes the running refund for an open session.
func (e *Engine) Totals(sessionID string) (product, tax, total decimal.Decimal, err error) {
	session, sErr := e.Session(sessionID)
	if sErr != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, sErr
	}
	product, tax, total = pricing.ReturnTotals(session.Sale, session.Draft.Entries())
	return product, tax, total, nil
}

// SubmitReturn finalizes the session's draft. Outcomes: submitted online,
// queued offline (after acknowledgment), or a request for acknowledgment
// carrying the potential duplicate loss.
func (e *Engine) SubmitReturn(ctx context.Context, sessionID, reason string, acknowledge bool) (*domain.SubmitResult, error) {
	session, err := e.Session(sessionID)
	if err != nil {
		return nil, err
	}

	actions := e.collectActions(session)
	if len(actions) == 0 {
		return nil, ErrNoItemsSelected
	}
	product, tax, total := pricing.ReturnTotals(session.Sale, session.Draft.Entries())

	operationID := session.submitOperationID()

	if session.Source == domain.SaleSourceOnline && e.monitor.Online() {
		submission := domain.ReturnSubmission{
			ClientOperationID: operationID,
			SaleID:            session.Sale.ID,
			StoreID:           session.StoreID,
			Reason:            reason,
			Items:             actions,
		}
		callCtx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
		receipt, err := e.remote.SubmitReturn(callCtx, submission)
		cancel()
		switch {
		case err == nil:
			e.monitor.ReportSuccess()
			e.applyRestock(ctx, session.StoreID, actions)
			e.closeSession(sessionID)
			return &domain.SubmitResult{
				Outcome:       domain.OutcomeSubmittedOnline,
				ReceiptNumber: receipt.ReceiptNumber,
				ProductRefund: product,
				TaxRefund:     tax,
				TotalRefund:   total,
			}, nil
		case errors.Is(err, remote.ErrFullyReturned):
			e.monitor.ReportSuccess()
			return nil, ErrFullyReturned
		case errors.Is(err, remote.ErrNotFound):
			e.monitor.ReportSuccess()
			return nil, ErrNotFound
		}
		e.monitor.ReportFailure()
		log.Printf("[engine] return submit failed, degrading to offline queue: %v", err)
	}

	// Queue-bound from here. The cashier must acknowledge the duplicate-loss
	// exposure before anything is written.
	if !acknowledge {
		return &domain.SubmitResult{
			Outcome:       domain.OutcomeNeedsAcknowledgment,
			ProductRefund: product,
			TaxRefund:     tax,
			TotalRefund:   total,
			PotentialLoss: total,
		}, nil
	}

	saleKey, err := e.ensureCached(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("cache sale for offline queue: %w", err)
	}

	op := domain.OfflineOperationRecord{
		ID:            operationID,
		SaleID:        session.Sale.ID,
		StoreID:       session.StoreID,
		Type:          domain.OperationTypeReturn,
		Items:         actions,
		Reason:        reason,
		PotentialLoss: total,
		CreatedAt:     time.Now().UTC(),
	}

	mutation := store.OperationMutation{
		SaleKey:            saleKey,
		ReturnedQuantities: make(map[string]int, len(actions)),
		StockAdjustments:   make(map[string]int),
	}
	for _, action := range actions {
		mutation.ReturnedQuantities[action.SaleItemID] += action.Quantity
		if action.RestockAction == domain.RestockActionRestock {
			mutation.StockAdjustments[action.ProductID] += action.Quantity
		}
	}

	if err := e.local.ApplyOfflineOperation(ctx, op, mutation); err != nil {
		return nil, fmt.Errorf("queue offline return: %w", err)
	}

	e.closeSession(sessionID)
	log.Printf("[engine] return queued offline op=%s sale=%s potential_loss=%s", op.ID, op.SaleID, total.String())
	return &domain.SubmitResult{
		Outcome:       domain.OutcomeQueuedOffline,
		OperationID:   op.ID,
		ProductRefund: product,
		TaxRefund:     tax,
		TotalRefund:   total,
		PotentialLoss: total,
	}, nil
}

// collectActions filters the draft down to submittable lines: positive
// quantity, within the item's remaining quantity, resolved refund amount.
func (e *Engine) collectActions(session *Session) []domain.ReturnItemAction {
	entries := session.Draft.Entries()
	actions := make([]domain.ReturnItemAction, 0, len(entries))
	for _, entry := range entries {
		item, ok := session.Draft.Item(entry.SaleItemID)
		if !ok {
			continue
		}
		if entry.Quantity <= 0 || entry.Quantity > item.QuantityRemaining() {
			continue
		}
		actions = append(actions, domain.ReturnItemAction{
			SaleItemID:    entry.SaleItemID,
			ProductID:     entry.ProductID,
			Quantity:      entry.Quantity,
			RestockAction: entry.RestockAction,
			RefundType:    entry.RefundType,
			RefundAmount:  pricing.RefundForItem(item, entry),
		})
	}
	return actions
}

// SwapRequest is the UI's swap submission for an open session.
type SwapRequest struct {
	OriginalSaleItemID string                   `json:"original_sale_item_id"`
	Quantity           int                      `json:"quantity"`
	Replacements       []domain.SwapReplacement `json:"replacements"`
	RestockAction      domain.RestockAction     `json:"restock_action"`
	PaymentMethod      string                   `json:"payment_method,omitempty"`
	Notes              string                   `json:"notes,omitempty"`
	Acknowledge        bool                     `json:"acknowledge"`
}

// SubmitSwap finalizes a swap: the original units come back, the replacement
// units go out, the signed tax-inclusive difference settles the till.
func (e *Engine) SubmitSwap(ctx context.Context, sessionID string, req SwapRequest) (*domain.SubmitResult, error) {
	session, err := e.Session(sessionID)
	if err != nil {
		return nil, err
	}

	var original *domain.SaleItem
	for i := range session.Sale.Items {
		if session.Sale.Items[i].ID == req.OriginalSaleItemID {
			original = &session.Sale.Items[i]
			break
		}
	}
	if original == nil {
		return nil, ErrNotFound
	}
	if req.Quantity <= 0 || req.Quantity > original.QuantityRemaining() {
		return nil, ErrNoItemsSelected
	}

	replacements, err := e.resolveReplacements(ctx, session.StoreID, req.Replacements)
	if err != nil {
		return nil, err
	}
	if len(replacements) == 0 {
		return nil, ErrNoItemsSelected
	}

	quote := pricing.QuoteSwap(session.Sale, *original, req.Quantity, replacements, e.storeTaxRate)
	potentialLoss := pricing.SwapPotentialLoss(quote)
	operationID := session.submitOperationID()

	if session.Source == domain.SaleSourceOnline && e.monitor.Online() {
		submission := domain.SwapSubmission{
			ClientOperationID:  operationID,
			SaleID:             session.Sale.ID,
			StoreID:            session.StoreID,
			OriginalSaleItemID: original.ID,
			OriginalProductID:  original.ProductID,
			OriginalQuantity:   req.Quantity,
			OriginalUnitPrice:  original.UnitPrice,
			NewProducts:        replacements,
			RestockAction:      req.RestockAction,
			PaymentMethod:      req.PaymentMethod,
			Notes:              req.Notes,
		}
		callCtx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
		receipt, err := e.remote.SubmitSwap(callCtx, submission)
		cancel()
		switch {
		case err == nil:
			e.monitor.ReportSuccess()
			e.applySwapStock(ctx, session.StoreID, original.ProductID, req.Quantity, req.RestockAction, replacements)
			e.closeSession(sessionID)
			return &domain.SubmitResult{
				Outcome:         domain.OutcomeSubmittedOnline,
				ReceiptNumber:   receipt.ReceiptNumber,
				TotalDifference: receipt.TotalDifference,
			}, nil
		case errors.Is(err, remote.ErrFullyReturned):
			e.monitor.ReportSuccess()
			return nil, ErrFullyReturned
		case errors.Is(err, remote.ErrNotFound):
			e.monitor.ReportSuccess()
			return nil, ErrNotFound
		}
		e.monitor.ReportFailure()
		log.Printf("[engine] swap submit failed, degrading to offline queue: %v", err)
	}

	if !req.Acknowledge {
		return &domain.SubmitResult{
			Outcome:         domain.OutcomeNeedsAcknowledgment,
			TotalDifference: quote.TotalDifference,
			PotentialLoss:   potentialLoss,
		}, nil
	}

	saleKey, err := e.ensureCached(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("cache sale for offline queue: %w", err)
	}

	op := domain.OfflineOperationRecord{
		ID:                 operationID,
		SaleID:             session.Sale.ID,
		StoreID:            session.StoreID,
		Type:               domain.OperationTypeSwap,
		OriginalSaleItemID: original.ID,
		OriginalProductID:  original.ProductID,
		OriginalQuantity:   req.Quantity,
		OriginalUnitPrice:  original.UnitPrice,
		RestockAction:      req.RestockAction,
		Replacements:       replacements,
		TotalDifference:    quote.TotalDifference,
		PaymentMethod:      req.PaymentMethod,
		Reason:             req.Notes,
		PotentialLoss:      potentialLoss,
		CreatedAt:          time.Now().UTC(),
	}

	mutation := store.OperationMutation{
		SaleKey:            saleKey,
		ReturnedQuantities: map[string]int{original.ID: req.Quantity},
		StockAdjustments:   make(map[string]int, len(replacements)+1),
	}
	if req.RestockAction == domain.RestockActionRestock {
		mutation.StockAdjustments[original.ProductID] += req.Quantity
	}
	for _, repl := range replacements {
		mutation.StockAdjustments[repl.ProductID] -= repl.Quantity
	}

	if err := e.local.ApplyOfflineOperation(ctx, op, mutation); err != nil {
		return nil, fmt.Errorf("queue offline swap: %w", err)
	}

	e.closeSession(sessionID)
	log.Printf("[engine] swap queued offline op=%s sale=%s potential_loss=%s", op.ID, op.SaleID, potentialLoss.String())
	return &domain.SubmitResult{
		Outcome:         domain.OutcomeQueuedOffline,
		OperationID:     op.ID,
		TotalDifference: quote.TotalDifference,
		PotentialLoss:   potentialLoss,
	}, nil
}

// resolveReplacements fills in unit prices from the inventory mirror for any
// replacement line the UI sent without one.
func (e *Engine) resolveReplacements(ctx context.Context, storeID string, replacements []domain.SwapReplacement) ([]domain.SwapReplacement, error) {
	resolved := make([]domain.SwapReplacement, 0, len(replacements))
	missing := make([]string, 0)
	for _, repl := range replacements {
		if repl.Quantity <= 0 {
			continue
		}
		if repl.UnitPrice.IsZero() {
			missing = append(missing, repl.ProductID)
		}
		resolved = append(resolved, repl)
	}
	if len(missing) == 0 {
		return resolved, nil
	}

	products, err := e.local.GetProducts(ctx, storeID, missing)
	if err != nil {
		return nil, err
	}
	for i := range resolved {
		if !resolved[i].UnitPrice.IsZero() {
			continue
		}
		product, ok := products[resolved[i].ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: replacement product %s", ErrNotFound, resolved[i].ProductID)
		}
		resolved[i].UnitPrice = product.Price
	}
	return resolved, nil
}

// ensureCached guarantees a snapshot-cache record exists for the session's
// sale so the queued operation's bookkeeping has somewhere to land. Returns
// the cache key for the mutation.
func (e *Engine) ensureCached(ctx context.Context, session *Session) (string, error) {
	if session.cached != nil {
		return session.cached.ID, nil
	}

	if existing, err := e.local.FindCachedSale(ctx, session.StoreID, session.Sale.ID); err == nil {
		return existing.ID, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	synthetic := domain.CachedSale{
		Sale:     session.Sale,
		ServerID: session.Sale.ID,
		CachedAt: time.Now().UTC(),
	}
	if err := e.local.PutCachedSale(ctx, synthetic); err != nil {
		return "", err
	}
	return synthetic.ID, nil
}

// applyRestock mirrors an online-confirmed return into local stock so the
// next lookup at this terminal sees consistent numbers without waiting for
// the catalog refresh.
func (e *Engine) applyRestock(ctx context.Context, storeID string, actions []domain.ReturnItemAction) {
	adjustments := make(map[string]int)
	for _, action := range actions {
		if action.RestockAction == domain.RestockActionRestock {
			adjustments[action.ProductID] += action.Quantity
		}
	}
	e.adjustStock(ctx, storeID, adjustments)
}

func (e *Engine) applySwapStock(ctx context.Context, storeID, originalProductID string, quantity int, restock domain.RestockAction, replacements []domain.SwapReplacement) {
	adjustments := make(map[string]int, len(replacements)+1)
	if restock == domain.RestockActionRestock {
		adjustments[originalProductID] += quantity
	}
	for _, repl := range replacements {
		adjustments[repl.ProductID] -= repl.Quantity
	}
	e.adjustStock(ctx, storeID, adjustments)
}

func (e *Engine) adjustStock(ctx context.Context, storeID string, adjustments map[string]int) {
	if len(adjustments) == 0 {
		return
	}
	ids := make([]string, 0, len(adjustments))
	for id := range adjustments {
		ids = append(ids, id)
	}
	products, err := e.local.GetProducts(ctx, storeID, ids)
	if err != nil {
		log.Printf("[engine] stock adjustment read failed: %v", err)
		return
	}
	updated := make([]domain.Product, 0, len(products))
	for id, delta := range adjustments {
		product, ok := products[id]
		if !ok {
			continue
		}
		product.Stock += delta
		updated = append(updated, product)
	}
	if err := e.local.UpsertProducts(ctx, storeID, updated); err != nil {
		log.Printf("[engine] stock adjustment write failed: %v", err)
	}
}

// PendingOperations lists the queued work awaiting the drainer.
func (e *Engine) PendingOperations(ctx context.Context, storeID string) ([]domain.OfflineOperationRecord, error) {
	return e.local.ListPendingOperations(ctx, storeID)
}

// SearchProducts serves swap replacement selection: central API while online
// with the mirror refreshed read-through, mirror only while offline.
func (e *Engine) SearchProducts(ctx context.Context, storeID, query string, limit int) ([]domain.Product, error) {
	if e.monitor.Online() {
		callCtx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
		products, err := e.remote.SearchProducts(callCtx, storeID, query, limit)
		cancel()
		if err == nil {
			e.monitor.ReportSuccess()
			if err := e.local.UpsertProducts(ctx, storeID, products); err != nil {
				log.Printf("[engine] mirror update after search failed: %v", err)
			}
			return products, nil
		}
		if !errors.Is(err, remote.ErrNotFound) {
			e.monitor.ReportFailure()
		}
		log.Printf("[engine] product search falling back to mirror: %v", err)
	}
	return e.local.SearchProducts(ctx, storeID, query, limit)
}

// ProductByBarcode resolves a scanned code: hot cache, then central API,
// then the mirror.
func (e *Engine) ProductByBarcode(ctx context.Context, storeID, code string) (*domain.Product, error) {
	if product, ok := e.products.Get(ctx, storeID, code); ok {
		return product, nil
	}

	if e.monitor.Online() {
		callCtx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
		product, err := e.remote.ProductByBarcode(callCtx, storeID, code)
		cancel()
		switch {
		case err == nil:
			e.monitor.ReportSuccess()
			if err := e.local.UpsertProducts(ctx, storeID, []domain.Product{*product}); err != nil {
				log.Printf("[engine] mirror update after barcode lookup failed: %v", err)
			}
			e.products.Set(ctx, storeID, code, *product, barcodeCacheTTL)
			return product, nil
		case errors.Is(err, remote.ErrNotFound):
			e.monitor.ReportSuccess()
			return nil, ErrNotFound
		}
		e.monitor.ReportFailure()
		log.Printf("[engine] barcode lookup falling back to mirror: %v", err)
	}

	product, err := e.local.FindProductByBarcode(ctx, storeID, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return product, nil
}
