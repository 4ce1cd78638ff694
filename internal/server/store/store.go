// Package store defines the backend repository: the authoritative catalog,
// stock, sales and payment records the field agents reconcile against.
package store

import (
	"context"
	"errors"

	"rutapos/core/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrAlreadyExists     = errors.New("already exists")
	ErrTerminalStatus    = errors.New("payment already in terminal status")
)

type Repository interface {
	GetProduct(ctx context.Context, sku string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	// UpdateStock applies a delta atomically. A decrement below zero fails
	// with ErrInsufficientStock and leaves the record unchanged.
	UpdateStock(ctx context.Context, sku string, delta int) (*domain.Product, error)

	// ApplySale decrements stock for every line and records the sale as one
	// atomic unit: either all lines land or none do. An oversold line fails
	// with ErrInsufficientStock, an unknown SKU with ErrNotFound, and both
	// leave stock untouched. A replay of an existing sale ID fails with
	// ErrAlreadyExists without decrementing anything. Returns the highest
	// product version after the apply.
	ApplySale(ctx context.Context, sale domain.Sale) (int64, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)

	CreatePayment(ctx context.Context, payment domain.PendingPayment) error
	GetPayment(ctx context.Context, id string) (*domain.PendingPayment, error)
	// SetPaymentStatus enforces the monotonic lifecycle: transitions out of
	// pagado or vencido fail with ErrTerminalStatus.
	SetPaymentStatus(ctx context.Context, id string, status domain.PaymentStatus) (*domain.PendingPayment, error)

	// Action results back the idempotency guarantee: a re-submitted action ID
	// replays the recorded outcome instead of applying twice.
	FindActionResult(ctx context.Context, actionID string) (*domain.SubmitResponse, error)
	SaveActionResult(ctx context.Context, actionID string, resp domain.SubmitResponse) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)

	Close() error
}
