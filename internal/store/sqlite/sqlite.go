// Package sqlite is the durable implementation of the local store, backed by
// an embedded SQLite database (modernc.org/sqlite, pure Go, no CGO). WAL mode
// and a single writer keep per-record writes atomic across independent agent
// instances sharing the same data directory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/store"
)

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	kind        TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	dead_letter INTEGER NOT NULL DEFAULT 0,
	dead_reason TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS pending_payments (
	id            TEXT PRIMARY KEY,
	sale_id       TEXT NOT NULL,
	customer_name TEXT NOT NULL,
	amount_cents  INTEGER NOT NULL,
	created_at    TEXT NOT NULL,
	expires_at    TEXT NOT NULL,
	status        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_meta (
	k         TEXT PRIMARY KEY,
	last_sync TEXT
);
`

// Open opens (creating if needed) the agent database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "rutapos.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite does not support multiple writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Timestamps are stored as RFC 3339 UTC text and always compared after
// parsing, never as raw strings.
func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func (s *Store) ListActions(ctx context.Context) ([]domain.QueuedAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, entity_id, payload, created_at, attempts, status, dead_letter, dead_reason
		FROM actions
		ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := make([]domain.QueuedAction, 0, 16)
	for rows.Next() {
		var (
			a          domain.QueuedAction
			payload    string
			createdAt  string
			deadLetter int
		)
		if err := rows.Scan(&a.ID, &a.Kind, &a.EntityID, &payload, &createdAt, &a.Attempts, &a.Status, &deadLetter, &a.DeadReason); err != nil {
			return nil, err
		}
		a.Payload = []byte(payload)
		a.DeadLetter = deadLetter != 0
		if a.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (s *Store) PutAction(ctx context.Context, action domain.QueuedAction) error {
	deadLetter := 0
	if action.DeadLetter {
		deadLetter = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (id, kind, entity_id, payload, created_at, attempts, status, dead_letter, dead_reason)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			attempts = excluded.attempts,
			status = excluded.status,
			payload = excluded.payload,
			dead_letter = excluded.dead_letter,
			dead_reason = excluded.dead_reason
	`, action.ID, action.Kind, action.EntityID, string(action.Payload),
		encodeTime(action.CreatedAt), action.Attempts, action.Status, deadLetter, action.DeadReason)
	return err
}

func (s *Store) DeleteAction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListPayments(ctx context.Context) ([]domain.PendingPayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, customer_name, amount_cents, created_at, expires_at, status
		FROM pending_payments
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.PendingPayment, 0, 16)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.PendingPayment, error) {
	var (
		p         domain.PendingPayment
		createdAt string
		expiresAt string
	)
	if err := row.Scan(&p.ID, &p.SaleID, &p.CustomerName, &p.AmountCents, &createdAt, &expiresAt, &p.Status); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if p.ExpiresAt, err = decodeTime(expiresAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*domain.PendingPayment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sale_id, customer_name, amount_cents, created_at, expires_at, status
		FROM pending_payments
		WHERE id = ?
	`, id)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) PutPayment(ctx context.Context, payment domain.PendingPayment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_payments (id, sale_id, customer_name, amount_cents, created_at, expires_at, status)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
	`, payment.ID, payment.SaleID, payment.CustomerName, payment.AmountCents,
		encodeTime(payment.CreatedAt), encodeTime(payment.ExpiresAt), payment.Status)
	return err
}

func (s *Store) GetSyncMeta(ctx context.Context) (domain.SyncMeta, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_sync FROM sync_meta WHERE k = 'sync'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncMeta{}, nil
	}
	if err != nil {
		return domain.SyncMeta{}, err
	}
	if !raw.Valid || raw.String == "" {
		return domain.SyncMeta{}, nil
	}
	t, err := decodeTime(raw.String)
	if err != nil {
		return domain.SyncMeta{}, err
	}
	return domain.SyncMeta{LastSync: &t}, nil
}

func (s *Store) PutSyncMeta(ctx context.Context, meta domain.SyncMeta) error {
	var raw any
	if meta.LastSync != nil {
		raw = encodeTime(*meta.LastSync)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (k, last_sync) VALUES ('sync', ?)
		ON CONFLICT(k) DO UPDATE SET last_sync = excluded.last_sync
	`, raw)
	return err
}
