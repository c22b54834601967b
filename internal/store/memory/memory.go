package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
	"github.com/chainsyncstore/chainsync-edge/internal/store"
)

// Store is the in-memory LocalStore used for dev mode and tests. All maps are
// partitioned by store id, mirroring the durable implementation.
type Store struct {
	mu              sync.RWMutex
	cachedSales     map[string]map[string]domain.CachedSale
	products        map[string]map[string]domain.Product
	operations      map[string]domain.OfflineOperationRecord
	operationOrder  []string
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		cachedSales:     make(map[string]map[string]domain.CachedSale),
		products:        make(map[string]map[string]domain.Product),
		operations:      make(map[string]domain.OfflineOperationRecord),
		operationOrder:  make([]string, 0, 32),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with a demo catalog and dev user
// accounts, for running the agent without a database.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	seed := []domain.Product{
		{ID: "prod-espresso", StoreID: "main-store", SKU: "SKU-ESP-01", Barcode: "7901001", Name: "Espresso Beans 1kg", Price: decimal.NewFromInt(24), Stock: 40, Active: true},
		{ID: "prod-grinder", StoreID: "main-store", SKU: "SKU-GRD-01", Barcode: "7901002", Name: "Hand Grinder", Price: decimal.NewFromInt(65), Stock: 12, Active: true},
		{ID: "prod-kettle", StoreID: "main-store", SKU: "SKU-KTL-01", Barcode: "7901003", Name: "Gooseneck Kettle", Price: decimal.NewFromInt(48), Stock: 8, Active: true},
		{ID: "prod-filter", StoreID: "main-store", SKU: "SKU-FLT-01", Barcode: "7901004", Name: "Paper Filters 100pc", Price: decimal.NewFromInt(6), Stock: 90, Active: true},
		{ID: "prod-mug", StoreID: "main-store", SKU: "SKU-MUG-01", Barcode: "7901005", Name: "Ceramic Mug", Price: decimal.NewFromInt(11), Stock: 30, Active: true},
	}
	s.products["main-store"] = make(map[string]domain.Product, len(seed))
	for _, p := range seed {
		s.products["main-store"][p.ID] = p
	}

	for username, user := range seedUsers(now) {
		s.usersByUsername[username] = user
	}
	return s
}

// seedUsers builds the dev/demo accounts. Credentials come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; hardcoded defaults are used
// with a warning when unset. Durable deployments manage accounts in Postgres.
func seedUsers(now time.Time) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) PutCachedSale(_ context.Context, sale domain.CachedSale) error {
	if sale.ID == "" || sale.StoreID == "" {
		return store.ErrInvalidOperation
	}
	if sale.CachedAt.IsZero() {
		sale.CachedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.cachedSales[sale.StoreID]
	if !ok {
		byID = make(map[string]domain.CachedSale)
		s.cachedSales[sale.StoreID] = byID
	}
	sale.Items = slices.Clone(sale.Items)
	byID[sale.ID] = sale
	return nil
}

func (s *Store) FindCachedSale(_ context.Context, storeID, reference string) (*domain.CachedSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sale := range s.cachedSales[storeID] {
		if sale.Matches(reference) {
			found := sale
			found.Items = slices.Clone(sale.Items)
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) PromoteCachedSale(_ context.Context, storeID, localID, serverID string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.cachedSales[storeID][localID]
	if !ok {
		return store.ErrNotFound
	}
	sale.ServerID = serverID
	sale.IsOffline = false
	at := syncedAt
	sale.SyncedAt = &at
	s.cachedSales[storeID][localID] = sale
	return nil
}

func (s *Store) UpsertProducts(_ context.Context, storeID string, products []domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.products[storeID]
	if !ok {
		byID = make(map[string]domain.Product, len(products))
		s.products[storeID] = byID
	}
	for _, p := range products {
		if p.ID == "" {
			continue
		}
		p.StoreID = storeID
		byID[p.ID] = p
	}
	return nil
}

func (s *Store) GetProducts(_ context.Context, storeID string, productIDs []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := s.products[storeID][id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) SearchProducts(_ context.Context, storeID, query string, limit int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 20
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]domain.Product, 0, limit)
	for _, p := range s.products[storeID] {
		if !p.Active {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(p.Name), needle) &&
			!strings.Contains(strings.ToLower(p.SKU), needle) {
			continue
		}
		matches = append(matches, p)
	}

	slices.SortFunc(matches, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) FindProductByBarcode(_ context.Context, storeID, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.products[storeID] {
		if p.Active && p.Barcode == code {
			found := p
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

// ApplyOfflineOperation performs queue insert, cached-sale bookkeeping, and
// mirror stock deltas under one lock so a failure leaves no partial state.
func (s *Store) ApplyOfflineOperation(_ context.Context, op domain.OfflineOperationRecord, mutation store.OperationMutation) error {
	if op.ID == "" || op.StoreID == "" {
		return store.ErrInvalidOperation
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.operations[op.ID]; exists {
		return store.ErrInvalidOperation
	}

	var updatedSale *domain.CachedSale
	if mutation.SaleKey != "" && len(mutation.ReturnedQuantities) > 0 {
		sale, ok := s.cachedSales[op.StoreID][mutation.SaleKey]
		if !ok {
			return store.ErrNotFound
		}
		next := sale
		next.Items = slices.Clone(sale.Items)
		for i := range next.Items {
			add, ok := mutation.ReturnedQuantities[next.Items[i].ID]
			if !ok {
				continue
			}
			if add < 0 || next.Items[i].QuantityReturned+add > next.Items[i].Quantity {
				return store.ErrInvalidOperation
			}
			next.Items[i].QuantityReturned += add
		}
		updatedSale = &next
	}

	// Validation passed; commit everything.
	op.Items = slices.Clone(op.Items)
	op.Replacements = slices.Clone(op.Replacements)
	s.operations[op.ID] = op
	s.operationOrder = append(s.operationOrder, op.ID)

	if updatedSale != nil {
		s.cachedSales[op.StoreID][mutation.SaleKey] = *updatedSale
	}
	for productID, delta := range mutation.StockAdjustments {
		p, ok := s.products[op.StoreID][productID]
		if !ok {
			continue
		}
		p.Stock += delta
		s.products[op.StoreID][productID] = p
	}
	return nil
}

func (s *Store) ListPendingOperations(_ context.Context, storeID string) ([]domain.OfflineOperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.OfflineOperationRecord, 0, len(s.operationOrder))
	for _, id := range s.operationOrder {
		op := s.operations[id]
		if op.StoreID != storeID || op.SyncedAt != nil {
			continue
		}
		op.Items = slices.Clone(op.Items)
		op.Replacements = slices.Clone(op.Replacements)
		out = append(out, op)
	}
	return out, nil
}

func (s *Store) HasPendingOperations(_ context.Context, storeID, saleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, op := range s.operations {
		if op.StoreID == storeID && op.SaleID == saleID && op.SyncedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) MarkOperationSynced(_ context.Context, operationID, serverID string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[operationID]
	if !ok || op.SyncedAt != nil {
		return store.ErrNotFound
	}
	at := syncedAt
	op.SyncedAt = &at
	op.ServerID = serverID
	s.operations[operationID] = op
	return nil
}

func (s *Store) RecordOperationAttempt(_ context.Context, operationID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.operations[operationID]
	if !ok {
		return store.ErrNotFound
	}
	op.Attempts++
	op.LastError = lastError
	s.operations[operationID] = op
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidOperation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidOperation
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
