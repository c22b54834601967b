package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/chainsync-edge/internal/cache"
	"github.com/chainsyncstore/chainsync-edge/internal/domain"
	"github.com/chainsyncstore/chainsync-edge/internal/drainer"
	"github.com/chainsyncstore/chainsync-edge/internal/engine"
	"github.com/chainsyncstore/chainsync-edge/internal/remote"
	"github.com/chainsyncstore/chainsync-edge/internal/store/memory"
)

const testStoreID = "store-1"

type fakeRemote struct {
	sales map[string]domain.Sale
}

func (f *fakeRemote) LookupSale(_ context.Context, _, reference string) (*domain.Sale, error) {
	sale, ok := f.sales[reference]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return &sale, nil
}

func (f *fakeRemote) RecentSales(context.Context, string, time.Time) ([]domain.Sale, error) {
	return nil, nil
}

func (f *fakeRemote) SubmitReturn(_ context.Context, sub domain.ReturnSubmission) (*domain.ReturnReceipt, error) {
	return &domain.ReturnReceipt{ID: "srv-1", SaleID: sub.SaleID, ReceiptNumber: "R-1"}, nil
}

func (f *fakeRemote) SubmitSwap(_ context.Context, sub domain.SwapSubmission) (*domain.SwapReceipt, error) {
	return &domain.SwapReceipt{ID: "srv-2", SaleID: sub.SaleID, ReceiptNumber: "S-1"}, nil
}

func (f *fakeRemote) Catalog(context.Context, string) ([]domain.Product, error) { return nil, nil }

func (f *fakeRemote) SearchProducts(context.Context, string, string, int) ([]domain.Product, error) {
	return nil, nil
}

func (f *fakeRemote) ProductByBarcode(context.Context, string, string) (*domain.Product, error) {
	return nil, remote.ErrNotFound
}

type testEnv struct {
	api     *API
	local   *memory.Store
	monitor *remote.Monitor
	server  *httptest.Server
	token   string
}

func newTestEnv(t *testing.T, fr remote.Client) *testEnv {
	t.Helper()

	local := memory.New()
	_ = local.CreateUser(context.Background(), domain.UserAccount{
		Username:  "admin",
		Password:  "admin-pass",
		Role:      "admin",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})

	monitor := remote.NewMonitor()
	eng := engine.New(local, fr, monitor, cache.NewNoopProductCache(), time.Second, decimal.Zero)
	dr := drainer.New(local, fr, monitor, testStoreID, time.Second)
	auth := NewAuthManager("test-secret-value-0123456789abcdef", time.Hour, "4321", local)
	api := New(eng, dr, monitor, auth, testStoreID, "*")

	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)

	env := &testEnv{api: api, local: local, monitor: monitor, server: server}
	env.token = env.login(t, "admin", "admin-pass")
	return env
}

func (e *testEnv) login(t *testing.T, username, password string) string {
	t.Helper()
	body, status := e.request(t, http.MethodPost, "/api/v1/auth/login", "",
		domain.LoginRequest{Username: username, Password: password})
	if status != http.StatusOK {
		t.Fatalf("login status = %d body=%s", status, body)
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func (e *testEnv) request(t *testing.T, method, path, token string, payload any) ([]byte, int) {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return buf.Bytes(), resp.StatusCode
}

func cachedTestSale() domain.CachedSale {
	return domain.CachedSale{
		Sale: domain.Sale{
			ID:       "sale-1",
			StoreID:  testStoreID,
			Subtotal: decimal.NewFromInt(100),
			Tax:      decimal.NewFromInt(8),
			Total:    decimal.NewFromInt(108),
			Status:   domain.SaleStatusCompleted,
			Items: []domain.SaleItem{
				{
					ID:        "item-1",
					ProductID: "prod-1",
					Quantity:  2,
					UnitPrice: decimal.NewFromInt(50),
					LineTotal: decimal.NewFromInt(100),
				},
			},
		},
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{})

	_, status := env.request(t, http.MethodPost, "/api/v1/returns/lookup", "",
		lookupRequest{Reference: "sale-1"})
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", status)
	}
}

func TestLookupNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{})

	body, status := env.request(t, http.MethodPost, "/api/v1/returns/lookup", env.token,
		lookupRequest{Reference: "missing"})
	if status != http.StatusNotFound {
		t.Fatalf("status = %d body=%s, want 404", status, body)
	}
}

func TestReturnFlowOnline(t *testing.T) {
	fr := &fakeRemote{sales: map[string]domain.Sale{"sale-1": cachedTestSale().Sale}}
	env := newTestEnv(t, fr)

	body, status := env.request(t, http.MethodPost, "/api/v1/returns/lookup", env.token,
		lookupRequest{Reference: "sale-1"})
	if status != http.StatusOK {
		t.Fatalf("lookup status = %d body=%s", status, body)
	}
	var lookup domain.SaleLookup
	if err := json.Unmarshal(body, &lookup); err != nil {
		t.Fatalf("decode lookup: %v", err)
	}
	if lookup.Source != domain.SaleSourceOnline {
		t.Fatalf("source = %s, want online", lookup.Source)
	}

	// Drop the draft to one unit.
	qty := 1
	body, status = env.request(t, http.MethodPatch,
		fmt.Sprintf("/api/v1/returns/sessions/%s/items/item-1", lookup.SessionID), env.token,
		engine.DraftPatch{Quantity: &qty})
	if status != http.StatusOK {
		t.Fatalf("patch status = %d body=%s", status, body)
	}

	body, status = env.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/returns/sessions/%s/submit", lookup.SessionID), env.token,
		returnSubmitRequest{Reason: "damaged"})
	if status != http.StatusOK {
		t.Fatalf("submit status = %d body=%s", status, body)
	}
	var result domain.SubmitResult
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Outcome != domain.OutcomeSubmittedOnline {
		t.Fatalf("outcome = %s, want submitted_online", result.Outcome)
	}
	if !result.TotalRefund.Equal(decimal.NewFromInt(54)) {
		t.Fatalf("total refund = %s, want 54", result.TotalRefund)
	}
}

func TestOfflineSubmitRequiresAcknowledgmentAndPIN(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{})
	env.monitor.SetForcedOffline(true)
	_ = env.local.PutCachedSale(context.Background(), cachedTestSale())

	body, status := env.request(t, http.MethodPost, "/api/v1/returns/lookup", env.token,
		lookupRequest{Reference: "sale-1"})
	if status != http.StatusOK {
		t.Fatalf("lookup status = %d body=%s", status, body)
	}
	var lookup domain.SaleLookup
	_ = json.Unmarshal(body, &lookup)

	// No acknowledgment: quoted potential loss, nothing queued.
	body, status = env.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/returns/sessions/%s/submit", lookup.SessionID), env.token,
		returnSubmitRequest{})
	if status != http.StatusOK {
		t.Fatalf("quote status = %d body=%s", status, body)
	}
	var result domain.SubmitResult
	_ = json.Unmarshal(body, &result)
	if result.Outcome != domain.OutcomeNeedsAcknowledgment {
		t.Fatalf("outcome = %s, want needs_acknowledgment", result.Outcome)
	}

	// Acknowledged with a wrong PIN: rejected before the engine runs.
	_, status = env.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/returns/sessions/%s/submit", lookup.SessionID), env.token,
		returnSubmitRequest{Acknowledge: true, ManagerPIN: "0000"})
	if status != http.StatusForbidden {
		t.Fatalf("wrong pin status = %d, want 403", status)
	}
	ops, _ := env.local.ListPendingOperations(context.Background(), testStoreID)
	if len(ops) != 0 {
		t.Fatal("wrong pin must not queue anything")
	}

	// Acknowledged with the right PIN: queued.
	body, status = env.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/returns/sessions/%s/submit", lookup.SessionID), env.token,
		returnSubmitRequest{Acknowledge: true, ManagerPIN: "4321"})
	if status != http.StatusOK {
		t.Fatalf("ack submit status = %d body=%s", status, body)
	}
	_ = json.Unmarshal(body, &result)
	if result.Outcome != domain.OutcomeQueuedOffline {
		t.Fatalf("outcome = %s, want queued_offline", result.Outcome)
	}
	if result.OperationID == "" {
		t.Fatal("queued result must carry the operation id")
	}

	ops, _ = env.local.ListPendingOperations(context.Background(), testStoreID)
	if len(ops) != 1 {
		t.Fatalf("pending = %d, want 1", len(ops))
	}
}

func TestFullyReturnedIsConflict(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{})
	env.monitor.SetForcedOffline(true)

	sale := cachedTestSale()
	sale.Items[0].QuantityReturned = 2
	_ = env.local.PutCachedSale(context.Background(), sale)

	_, status := env.request(t, http.MethodPost, "/api/v1/returns/lookup", env.token,
		lookupRequest{Reference: "sale-1"})
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
}

func TestConnectivityToggle(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{})

	body, status := env.request(t, http.MethodPost, "/api/v1/connectivity", env.token,
		connectivityRequest{ForceOffline: true})
	if status != http.StatusOK {
		t.Fatalf("toggle status = %d body=%s", status, body)
	}

	body, status = env.request(t, http.MethodGet, "/api/v1/connectivity", env.token, nil)
	if status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	var state struct {
		Online        bool `json:"online"`
		ForcedOffline bool `json:"forced_offline"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Online || !state.ForcedOffline {
		t.Fatalf("state = %+v, want offline and forced", state)
	}
}

func TestManualDrain(t *testing.T) {
	env := newTestEnv(t, &fakeRemote{})

	body, status := env.request(t, http.MethodPost, "/api/v1/sync/drain", env.token, nil)
	if status != http.StatusOK {
		t.Fatalf("drain status = %d body=%s", status, body)
	}
	var resp struct {
		Synced int `json:"synced"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode drain: %v", err)
	}
	if resp.Synced != 0 {
		t.Fatalf("synced = %d, want 0 with empty queue", resp.Synced)
	}
}
