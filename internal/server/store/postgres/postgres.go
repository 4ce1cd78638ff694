// Package postgres is the production backend repository, backed by
// PostgreSQL through pgx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/server/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetProduct(ctx context.Context, sku string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, unit_price_cents, stock, version
		FROM products
		WHERE sku = $1
	`, sku).Scan(&p.SKU, &p.Name, &p.UnitPriceCents, &p.Stock, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, unit_price_cents, stock, version
		FROM products
		ORDER BY sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.UnitPriceCents, &p.Stock, &p.Version); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *Store) UpdateStock(ctx context.Context, sku string, delta int) (*domain.Product, error) {
	// The guard in the WHERE clause makes the decrement atomic: a concurrent
	// consumer cannot drive stock below zero.
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $2, version = version + 1, updated_at = now()
		WHERE sku = $1 AND stock + $2 >= 0
		RETURNING sku, name, unit_price_cents, stock, version
	`, sku, delta).Scan(&p.SKU, &p.Name, &p.UnitPriceCents, &p.Stock, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetProduct(ctx, sku); errors.Is(getErr, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrInsufficientStock
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ApplySale(ctx context.Context, sale domain.Sale) (int64, error) {
	items, err := json.Marshal(sale.Items)
	if err != nil {
		return 0, fmt.Errorf("marshal sale items: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sales (id, customer_name, items, total_cents, payment_method, sold_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT (id) DO NOTHING
	`, sale.ID, sale.CustomerName, items, sale.TotalCents, sale.PaymentMethod, sale.SoldAt.UTC())
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, store.ErrAlreadyExists
	}

	var newVersion int64
	for _, line := range sale.Items {
		if line.Qty == 0 {
			continue
		}
		var version int64
		err := tx.QueryRowContext(ctx, `
			UPDATE products
			SET stock = stock - $2, version = version + 1, updated_at = now()
			WHERE sku = $1 AND stock >= $2
			RETURNING version
		`, line.SKU, line.Qty).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			// Rolling back discards the sibling decrements and the sale row.
			var exists bool
			if probeErr := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM products WHERE sku = $1)`, line.SKU,
			).Scan(&exists); probeErr != nil {
				return 0, probeErr
			}
			if !exists {
				return 0, store.ErrNotFound
			}
			return 0, store.ErrInsufficientStock
		}
		if err != nil {
			return 0, err
		}
		if version > newVersion {
			newVersion = version
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var (
		sale  domain.Sale
		items []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_name, items, total_cents, payment_method, sold_at
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.CustomerName, &items, &sale.TotalCents, &sale.PaymentMethod, &sale.SoldAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &sale.Items); err != nil {
		return nil, fmt.Errorf("unmarshal sale items: %w", err)
	}
	sale.SoldAt = sale.SoldAt.UTC()
	return &sale, nil
}

func (s *Store) CreatePayment(ctx context.Context, payment domain.PendingPayment) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_payments (id, sale_id, customer_name, amount_cents, created_at, expires_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING
	`, payment.ID, payment.SaleID, payment.CustomerName, payment.AmountCents,
		payment.CreatedAt.UTC(), payment.ExpiresAt.UTC(), payment.Status)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*domain.PendingPayment, error) {
	var p domain.PendingPayment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sale_id, customer_name, amount_cents, created_at, expires_at, status
		FROM pending_payments
		WHERE id = $1
	`, id).Scan(&p.ID, &p.SaleID, &p.CustomerName, &p.AmountCents, &p.CreatedAt, &p.ExpiresAt, &p.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	return &p, nil
}

func (s *Store) SetPaymentStatus(ctx context.Context, id string, status domain.PaymentStatus) (*domain.PendingPayment, error) {
	// Terminal statuses are frozen by the WHERE clause.
	var p domain.PendingPayment
	err := s.db.QueryRowContext(ctx, `
		UPDATE pending_payments
		SET status = $2
		WHERE id = $1 AND status = 'pendiente'
		RETURNING id, sale_id, customer_name, amount_cents, created_at, expires_at, status
	`, id, status).Scan(&p.ID, &p.SaleID, &p.CustomerName, &p.AmountCents, &p.CreatedAt, &p.ExpiresAt, &p.Status)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetPayment(ctx, id); errors.Is(getErr, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrTerminalStatus
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	return &p, nil
}

func (s *Store) FindActionResult(ctx context.Context, actionID string) (*domain.SubmitResponse, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT response FROM action_results WHERE action_id = $1
	`, actionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var resp domain.SubmitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal action result: %w", err)
	}
	return &resp, nil
}

func (s *Store) SaveActionResult(ctx context.Context, actionID string, resp domain.SubmitResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal action result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_results (action_id, response, created_at)
		VALUES ($1,$2,now())
		ON CONFLICT (action_id) DO NOTHING
	`, actionID, raw)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (username) DO NOTHING
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrAlreadyExists
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
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
