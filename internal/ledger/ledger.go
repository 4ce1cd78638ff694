// Package ledger maintains the authoritative local record of cash collected
// in the field pending deposit or confirmation. Payments live on a clock: a
// pendiente entry ages into vencido once its validity window passes. Entries
// are never deleted; the history backs deposit reconciliation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/notify"
	"rutapos/core/internal/store"
	"rutapos/core/internal/xid"
)

var (
	// ErrTerminalStatus rejects transitions out of pagado or vencido.
	ErrTerminalStatus = errors.New("payment already in terminal status")
	ErrNotFound       = errors.New("payment not found")
)

// Display-only triage bands by age since creation.
const (
	bandWatchAfter    = 5 * time.Hour
	bandCriticalAfter = 15 * time.Hour
)

type Ledger struct {
	mu       sync.RWMutex
	payments map[string]domain.PendingPayment
	store    store.Store
	notifier notify.Dispatcher
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Load builds the ledger from the persisted payment collection.
func Load(ctx context.Context, st store.Store, notifier notify.Dispatcher, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	persisted, err := st.ListPayments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending payments: %w", err)
	}
	l := &Ledger{
		payments: make(map[string]domain.PendingPayment, len(persisted)),
		store:    st,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
	for _, p := range persisted {
		l.payments[p.ID] = p
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Create registers cash collected for a sale. The validity window is fixed at
// creation: expiresAt = now + window.
func (l *Ledger) Create(ctx context.Context, saleID, customerName string, amountCents int64, window time.Duration) (domain.PendingPayment, error) {
	if amountCents < 0 {
		return domain.PendingPayment{}, fmt.Errorf("negative amount %d", amountCents)
	}
	if window <= 0 {
		return domain.PendingPayment{}, fmt.Errorf("non-positive window %s", window)
	}

	now := l.now().UTC()
	payment := domain.PendingPayment{
		ID:           xid.New("pay"),
		SaleID:       saleID,
		CustomerName: customerName,
		AmountCents:  amountCents,
		CreatedAt:    now,
		ExpiresAt:    now.Add(window),
		Status:       domain.PaymentPendiente,
	}

	l.mu.Lock()
	l.payments[payment.ID] = payment
	l.mu.Unlock()

	l.persist(ctx, payment)
	return payment, nil
}

// MarkPaid transitions pendiente -> pagado on user confirmation. The
// transition is rejected if the payment is already terminal, including the
// case where it is logically expired but the sweep has not run yet.
func (l *Ledger) MarkPaid(ctx context.Context, id string) (domain.PendingPayment, error) {
	now := l.now().UTC()

	l.mu.Lock()
	payment, ok := l.payments[id]
	if !ok {
		l.mu.Unlock()
		return domain.PendingPayment{}, ErrNotFound
	}
	if EffectiveStatus(payment, now) != domain.PaymentPendiente {
		l.mu.Unlock()
		return domain.PendingPayment{}, fmt.Errorf("mark paid %s: %w", id, ErrTerminalStatus)
	}
	payment.Status = domain.PaymentPagado
	l.payments[id] = payment
	l.mu.Unlock()

	l.persist(ctx, payment)
	return payment, nil
}

// Sweep transitions every pendiente entry whose expiry has passed to
// vencido. It is idempotent for a fixed now: entries already swept are left
// untouched. A PaymentExpired event is raised once per transition.
func (l *Ledger) Sweep(ctx context.Context, now time.Time) int {
	now = now.UTC()

	l.mu.Lock()
	var expired []domain.PendingPayment
	for id, p := range l.payments {
		if p.Status == domain.PaymentPendiente && !p.ExpiresAt.After(now) {
			p.Status = domain.PaymentVencido
			l.payments[id] = p
			expired = append(expired, p)
		}
	}
	l.mu.Unlock()

	for _, p := range expired {
		l.persist(ctx, p)
		l.notifier.Publish(notify.Event{
			Type:      notify.EventPaymentExpired,
			At:        now,
			PaymentID: p.ID,
			Reason:    fmt.Sprintf("expired at %s", p.ExpiresAt.Format(time.RFC3339)),
		})
	}
	return len(expired)
}

// Get returns one payment with its effective status resolved against the
// current clock.
func (l *Ledger) Get(id string) (domain.PendingPayment, error) {
	now := l.now().UTC()

	l.mu.RLock()
	payment, ok := l.payments[id]
	l.mu.RUnlock()
	if !ok {
		return domain.PendingPayment{}, ErrNotFound
	}
	payment.Status = EffectiveStatus(payment, now)
	return payment, nil
}

// List returns every payment sorted by creation time ascending, each with its
// effective status resolved against the current clock.
func (l *Ledger) List() []domain.PendingPayment {
	now := l.now().UTC()

	l.mu.RLock()
	out := make([]domain.PendingPayment, 0, len(l.payments))
	for _, p := range l.payments {
		p.Status = EffectiveStatus(p, now)
		out = append(out, p)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// EffectiveStatus is the status a reader must observe at time now. A payment
// whose expiry has passed is vencido even before the sweep has run; the sweep
// only makes that durable.
func EffectiveStatus(p domain.PendingPayment, now time.Time) domain.PaymentStatus {
	if p.Status == domain.PaymentPendiente && !p.ExpiresAt.After(now) {
		return domain.PaymentVencido
	}
	return p.Status
}

// Band buckets a payment by age since creation for field follow-up
// prioritization. Display-only; independent of the expiration clock.
func Band(p domain.PendingPayment, now time.Time) domain.AgeBand {
	age := now.Sub(p.CreatedAt)
	switch {
	case age > bandCriticalAfter:
		return domain.AgeBandCritical
	case age >= bandWatchAfter:
		return domain.AgeBandWatch
	default:
		return domain.AgeBandFresh
	}
}

func (l *Ledger) persist(ctx context.Context, payment domain.PendingPayment) {
	if err := l.store.PutPayment(ctx, payment); err != nil {
		l.logger.Warn("payment not persisted; data may not survive a reload",
			zap.String("payment_id", payment.ID), zap.Error(err))
	}
}
