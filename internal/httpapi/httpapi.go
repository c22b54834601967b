// Package httpapi is the edge agent's surface for the POS UI: return
// sessions, draft edits, submits, product lookup, the sync queue, and the
// connectivity toggle.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
	"github.com/chainsyncstore/chainsync-edge/internal/drainer"
	"github.com/chainsyncstore/chainsync-edge/internal/engine"
	"github.com/chainsyncstore/chainsync-edge/internal/remote"
)

type API struct {
	engine        *engine.Engine
	drainer       *drainer.Drainer
	monitor       *remote.Monitor
	auth          *AuthManager
	storeID       string
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

func New(eng *engine.Engine, dr *drainer.Drainer, monitor *remote.Monitor, auth *AuthManager, storeID, allowedOrigin string) *API {
	return &API{
		engine:        eng,
		drainer:       dr,
		monitor:       monitor,
		auth:          auth,
		storeID:       storeID,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/returns/lookup", a.requireAuth(a.handleLookup, "cashier", "admin"))
	mux.HandleFunc("/api/v1/returns/sessions/", a.requireAuth(a.handleSessionActions, "cashier", "admin"))
	mux.HandleFunc("/api/v1/products/search", a.requireAuth(a.handleProductSearch, "cashier", "admin"))
	mux.HandleFunc("/api/v1/products/barcode/", a.requireAuth(a.handleBarcode, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sync/pending", a.requireAuth(a.handleSyncPending, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sync/drain", a.requireAuth(a.handleSyncDrain, "admin"))
	mux.HandleFunc("/api/v1/connectivity", a.requireAuth(a.handleConnectivity, "cashier", "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r)
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"online": a.monitor.Online(),
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type lookupRequest struct {
	Reference string `json:"reference"`
	StoreID   string `json:"store_id"`
}

func (a *API) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req lookupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		writeError(w, http.StatusBadRequest, errors.New("sale reference required"))
		return
	}
	storeID := strings.TrimSpace(req.StoreID)
	if storeID == "" {
		storeID = a.storeID
	}

	lookup, err := a.engine.Lookup(r.Context(), storeID, strings.TrimSpace(req.Reference))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lookup)
}

// handleSessionActions routes everything under /api/v1/returns/sessions/:
// GET {id}, PATCH {id}/items/{itemID}, POST {id}/submit, POST {id}/swap.
func (a *API) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	prefix := "/api/v1/returns/sessions/"
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("session id required"))
		return
	}

	parts := strings.Split(tail, "/")
	sessionID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		a.handleSessionGet(w, r, sessionID)
	case len(parts) == 3 && parts[1] == "items":
		if r.Method != http.MethodPatch {
			writeMethodNotAllowed(w)
			return
		}
		a.handleDraftPatch(w, r, sessionID, parts[2])
	case len(parts) == 2 && parts[1] == "submit":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		a.handleReturnSubmit(w, r, sessionID)
	case len(parts) == 2 && parts[1] == "swap":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		a.handleSwapSubmit(w, r, sessionID)
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown session action"))
	}
}

func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request, sessionID string) {
	session, err := a.engine.Session(sessionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	product, tax, total, err := a.engine.Totals(sessionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"source":     session.Source,
		"sale":       session.Sale,
		"draft":      session.Draft.Entries(),
		"totals": map[string]any{
			"product_refund": product,
			"tax_refund":     tax,
			"total_refund":   total,
		},
	})
}

func (a *API) handleDraftPatch(w http.ResponseWriter, r *http.Request, sessionID, itemID string) {
	var patch engine.DraftPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, _, err := a.engine.UpdateDraft(sessionID, itemID, patch)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if entry.SaleItemID == "" {
		writeError(w, http.StatusNotFound, errors.New("unknown sale item"))
		return
	}

	product, tax, total, err := a.engine.Totals(sessionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry": entry,
		"totals": map[string]any{
			"product_refund": product,
			"tax_refund":     tax,
			"total_refund":   total,
		},
	})
}

type returnSubmitRequest struct {
	Reason      string `json:"reason,omitempty"`
	Acknowledge bool   `json:"acknowledge"`
	ManagerPIN  string `json:"manager_pin,omitempty"`
}

func (a *API) handleReturnSubmit(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req returnSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Acknowledge && !a.checkManagerPIN(w, r, req.ManagerPIN) {
		return
	}

	result, err := a.engine.SubmitReturn(r.Context(), sessionID, req.Reason, req.Acknowledge)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type swapSubmitRequest struct {
	engine.SwapRequest
	ManagerPIN string `json:"manager_pin,omitempty"`
}

func (a *API) handleSwapSubmit(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req swapSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Acknowledge && !a.checkManagerPIN(w, r, req.ManagerPIN) {
		return
	}

	result, err := a.engine.SubmitSwap(r.Context(), sessionID, req.SwapRequest)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// checkManagerPIN enforces the acknowledgment gate: rate-limited PIN
// verification before a queue-bound submit is accepted.
func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request, pin string) bool {
	if !a.pinLimiter.Allow("pin:ack:" + clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager pin attempts"))
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		writeError(w, http.StatusForbidden, errors.New("invalid manager pin"))
		return false
	}
	return true
}

func (a *API) handleProductSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	query := strings.TrimSpace(r.URL.Query().Get("query"))
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 20, 100)

	products, err := a.engine.SearchProducts(r.Context(), a.storeID, query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleBarcode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/v1/products/barcode/"
	code := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if code == "" {
		writeError(w, http.StatusBadRequest, errors.New("barcode required"))
		return
	}

	product, err := a.engine.ProductByBarcode(r.Context(), a.storeID, code)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": product})
}

func (a *API) handleSyncPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	storeID := strings.TrimSpace(r.URL.Query().Get("store_id"))
	if storeID == "" {
		storeID = a.storeID
	}

	ops, err := a.engine.PendingOperations(r.Context(), storeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (a *API) handleSyncDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	synced, err := a.drainer.DrainOnce(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"synced": synced,
			"error":  "drain stopped early, remaining operations stay queued",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": synced})
}

type connectivityRequest struct {
	ForceOffline bool `json:"force_offline"`
}

func (a *API) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"online":         a.monitor.Online(),
			"forced_offline": a.monitor.ForcedOffline(),
			"last_change":    a.monitor.LastChange().Format(time.RFC3339),
		})
	case http.MethodPost:
		var req connectivityRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a.monitor.SetForcedOffline(req.ForceOffline)
		writeJSON(w, http.StatusOK, map[string]any{
			"online":         a.monitor.Online(),
			"forced_offline": a.monitor.ForcedOffline(),
		})
	default:
		writeMethodNotAllowed(w)
	}
}

// writeEngineError maps the engine's sentinels onto the status codes the UI
// distinguishes: not found, terminal fully-returned, validation, storage.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, errors.New("sale not found"))
	case errors.Is(err, engine.ErrSessionExpired):
		writeError(w, http.StatusNotFound, errors.New("session not found"))
	case errors.Is(err, engine.ErrFullyReturned):
		writeError(w, http.StatusConflict, errors.New("sale already fully returned"))
	case errors.Is(err, engine.ErrNoItemsSelected):
		writeError(w, http.StatusBadRequest, errors.New("no items selected"))
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx messages stay generic so storage and driver errors never leak to
	// the till.
	msg := err.Error()
	if status >= 500 {
		log.Printf("[httpapi] internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
