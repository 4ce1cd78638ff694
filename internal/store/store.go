// Package store defines the local durable store the engine persists through.
// Three logical collections are kept: the action queue (dead-letter entries
// included, tagged), pending payments, and sync metadata. Writes are atomic
// per record; there are no multi-record transactions.
package store

import (
	"context"
	"errors"

	"rutapos/core/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	// ListActions returns every stored action, dead-letter entries included,
	// in insertion order.
	ListActions(ctx context.Context) ([]domain.QueuedAction, error)
	// PutAction inserts or replaces a single action record. Insertion order
	// is fixed by the first Put for a given ID.
	PutAction(ctx context.Context, action domain.QueuedAction) error
	DeleteAction(ctx context.Context, id string) error

	ListPayments(ctx context.Context) ([]domain.PendingPayment, error)
	GetPayment(ctx context.Context, id string) (*domain.PendingPayment, error)
	PutPayment(ctx context.Context, payment domain.PendingPayment) error

	GetSyncMeta(ctx context.Context) (domain.SyncMeta, error)
	PutSyncMeta(ctx context.Context, meta domain.SyncMeta) error

	Close() error
}
