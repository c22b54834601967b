package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/chainsyncstore/chainsync-edge/internal/domain"
	"github.com/chainsyncstore/chainsync-edge/internal/store"
)

// Store is the durable LocalStore backed by the terminal's local Postgres.
// Cached sales and queued operations are stored as JSONB documents with the
// lookup keys broken out into columns.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ensureSchema bootstraps the edge tables. The agent owns its local database,
// so idempotent DDL at startup replaces a migration pipeline.
func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS edge_cached_sales (
			store_id        TEXT NOT NULL,
			local_id        TEXT NOT NULL,
			server_id       TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			payload         JSONB NOT NULL,
			cached_at       TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (store_id, local_id)
		)`,
		`CREATE INDEX IF NOT EXISTS edge_cached_sales_server_id
			ON edge_cached_sales (store_id, server_id)`,
		`CREATE TABLE IF NOT EXISTS edge_products (
			store_id   TEXT NOT NULL,
			product_id TEXT NOT NULL,
			sku        TEXT NOT NULL DEFAULT '',
			barcode    TEXT NOT NULL DEFAULT '',
			name       TEXT NOT NULL,
			price      NUMERIC(14,4) NOT NULL DEFAULT 0,
			stock      INTEGER NOT NULL DEFAULT 0,
			active     BOOLEAN NOT NULL DEFAULT true,
			PRIMARY KEY (store_id, product_id)
		)`,
		`CREATE INDEX IF NOT EXISTS edge_products_barcode
			ON edge_products (store_id, barcode)`,
		`CREATE TABLE IF NOT EXISTS edge_operations (
			id             TEXT PRIMARY KEY,
			store_id       TEXT NOT NULL,
			sale_id        TEXT NOT NULL,
			op_type        TEXT NOT NULL,
			payload        JSONB NOT NULL,
			potential_loss NUMERIC(14,4) NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL,
			synced_at      TIMESTAMPTZ,
			server_id      TEXT NOT NULL DEFAULT '',
			attempts       INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS edge_operations_pending
			ON edge_operations (store_id, created_at) WHERE synced_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS edge_users (
			username   TEXT PRIMARY KEY,
			password   TEXT NOT NULL,
			role       TEXT NOT NULL,
			active     BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PutCachedSale(ctx context.Context, sale domain.CachedSale) error {
	if sale.ID == "" || sale.StoreID == "" {
		return store.ErrInvalidOperation
	}
	if sale.CachedAt.IsZero() {
		sale.CachedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(sale)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edge_cached_sales (store_id, local_id, server_id, idempotency_key, payload, cached_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (store_id, local_id) DO UPDATE
		SET server_id = EXCLUDED.server_id,
		    idempotency_key = EXCLUDED.idempotency_key,
		    payload = EXCLUDED.payload,
		    cached_at = EXCLUDED.cached_at
	`, sale.StoreID, sale.ID, sale.ServerID, sale.IdempotencyKey, payload, sale.CachedAt)
	return err
}

func (s *Store) FindCachedSale(ctx context.Context, storeID, reference string) (*domain.CachedSale, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, store.ErrNotFound
	}

	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload
		FROM edge_cached_sales
		WHERE store_id = $1
		  AND (local_id = $2
		       OR (server_id <> '' AND server_id = $2)
		       OR (idempotency_key <> '' AND idempotency_key = $2))
		LIMIT 1
	`, storeID, reference).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var sale domain.CachedSale
	if err := json.Unmarshal(payload, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) PromoteCachedSale(ctx context.Context, storeID, localID, serverID string, syncedAt time.Time) error {
	payloadPatch, err := json.Marshal(map[string]any{
		"server_id":  serverID,
		"is_offline": false,
		"synced_at":  syncedAt,
	})
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE edge_cached_sales
		SET server_id = $3, payload = payload || $4::jsonb
		WHERE store_id = $1 AND local_id = $2
	`, storeID, localID, serverID, payloadPatch)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertProducts(ctx context.Context, storeID string, products []domain.Product) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range products {
		if p.ID == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO edge_products (store_id, product_id, sku, barcode, name, price, stock, active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (store_id, product_id) DO UPDATE
			SET sku = EXCLUDED.sku,
			    barcode = EXCLUDED.barcode,
			    name = EXCLUDED.name,
			    price = EXCLUDED.price,
			    stock = EXCLUDED.stock,
			    active = EXCLUDED.active
		`, storeID, p.ID, p.SKU, p.Barcode, p.Name, p.Price.String(), p.Stock, p.Active)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetProducts(ctx context.Context, storeID string, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, sku, barcode, name, price, stock, active
		FROM edge_products
		WHERE store_id = $1 AND product_id = ANY($2)
	`, storeID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows, storeID)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *Store) SearchProducts(ctx context.Context, storeID, query string, limit int) ([]domain.Product, error) {
	if limit < 1 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, sku, barcode, name, price, stock, active
		FROM edge_products
		WHERE store_id = $1 AND active = true
		  AND (lower(name) LIKE $2 OR lower(sku) LIKE $2)
		ORDER BY name
		LIMIT $3
	`, storeID, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, limit)
	for rows.Next() {
		p, err := scanProduct(rows, storeID)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) FindProductByBarcode(ctx context.Context, storeID, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT product_id, sku, barcode, name, price, stock, active
		FROM edge_products
		WHERE store_id = $1 AND active = true AND barcode = $2
		LIMIT 1
	`, storeID, code)

	p, err := scanProduct(row, storeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ApplyOfflineOperation runs the queue insert and the optimistic mutations in
// one transaction; any failure rolls everything back.
func (s *Store) ApplyOfflineOperation(ctx context.Context, op domain.OfflineOperationRecord, mutation store.OperationMutation) error {
	if op.ID == "" || op.StoreID == "" {
		return store.ErrInvalidOperation
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(op)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO edge_operations (id, store_id, sale_id, op_type, payload, potential_loss, created_at, attempts, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,'')
	`, op.ID, op.StoreID, op.SaleID, string(op.Type), payload, op.PotentialLoss.String(), op.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidOperation
		}
		return err
	}

	if mutation.SaleKey != "" && len(mutation.ReturnedQuantities) > 0 {
		var salePayload []byte
		err := tx.QueryRowContext(ctx, `
			SELECT payload FROM edge_cached_sales
			WHERE store_id = $1 AND local_id = $2
			FOR UPDATE
		`, op.StoreID, mutation.SaleKey).Scan(&salePayload)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}

		var sale domain.CachedSale
		if err := json.Unmarshal(salePayload, &sale); err != nil {
			return err
		}
		for i := range sale.Items {
			add, ok := mutation.ReturnedQuantities[sale.Items[i].ID]
			if !ok {
				continue
			}
			if add < 0 || sale.Items[i].QuantityReturned+add > sale.Items[i].Quantity {
				return store.ErrInvalidOperation
			}
			sale.Items[i].QuantityReturned += add
		}

		updated, err := json.Marshal(sale)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE edge_cached_sales SET payload = $3
			WHERE store_id = $1 AND local_id = $2
		`, op.StoreID, mutation.SaleKey, updated); err != nil {
			return err
		}
	}

	for productID, delta := range mutation.StockAdjustments {
		if _, err := tx.ExecContext(ctx, `
			UPDATE edge_products SET stock = stock + $3
			WHERE store_id = $1 AND product_id = $2
		`, op.StoreID, productID, delta); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListPendingOperations(ctx context.Context, storeID string) ([]domain.OfflineOperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload, attempts, last_error
		FROM edge_operations
		WHERE store_id = $1 AND synced_at IS NULL
		ORDER BY created_at
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := make([]domain.OfflineOperationRecord, 0, 16)
	for rows.Next() {
		var payload []byte
		var attempts int
		var lastError string
		if err := rows.Scan(&payload, &attempts, &lastError); err != nil {
			return nil, err
		}
		var op domain.OfflineOperationRecord
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, err
		}
		op.Attempts = attempts
		op.LastError = lastError
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *Store) HasPendingOperations(ctx context.Context, storeID, saleID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM edge_operations
			WHERE store_id = $1 AND sale_id = $2 AND synced_at IS NULL
		)
	`, storeID, saleID).Scan(&exists)
	return exists, err
}

func (s *Store) MarkOperationSynced(ctx context.Context, operationID, serverID string, syncedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE edge_operations
		SET synced_at = $2, server_id = $3
		WHERE id = $1 AND synced_at IS NULL
	`, operationID, syncedAt, serverID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RecordOperationAttempt(ctx context.Context, operationID, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE edge_operations
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1
	`, operationID, lastError)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidOperation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edge_users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidOperation
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at FROM edge_users
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE edge_users SET password = $2 WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username)), password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner, storeID string) (domain.Product, error) {
	var p domain.Product
	var price string
	if err := row.Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &price, &p.Stock, &p.Active); err != nil {
		return domain.Product{}, err
	}
	parsed, err := decimal.NewFromString(price)
	if err != nil {
		return domain.Product{}, fmt.Errorf("bad price for product %s: %w", p.ID, err)
	}
	p.Price = parsed
	p.StoreID = storeID
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
