// Package engine is the user-facing surface of the offline-first core. Every
// operation commits optimistically to the local store and appends the intent
// to the action queue; nothing here ever waits on the network. Network and
// consistency failures are resolved asynchronously by the sync scheduler and
// surfaced through notifications, not returned to the caller.
package engine

import (
	"context"
	"fmt"
	"time"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/ledger"
	"rutapos/core/internal/queue"
	"rutapos/core/internal/syncer"
	"rutapos/core/internal/xid"
)

type Engine struct {
	queue         *queue.Queue
	ledger        *ledger.Ledger
	scheduler     *syncer.Scheduler
	paymentWindow time.Duration
	now           func() time.Time
}

func New(q *queue.Queue, l *ledger.Ledger, s *syncer.Scheduler, paymentWindow time.Duration) *Engine {
	if paymentWindow <= 0 {
		paymentWindow = 24 * time.Hour
	}
	return &Engine{
		queue:         q,
		ledger:        l,
		scheduler:     s,
		paymentWindow: paymentWindow,
		now:           time.Now,
	}
}

// SaleRequest is a sale as captured in the field. CollectCash marks the sale
// as paid in cash on the spot, which opens a pending payment awaiting
// deposit confirmation.
type SaleRequest struct {
	CustomerName  string            `json:"customer_name"`
	Items         []domain.SaleLine `json:"items"`
	PaymentMethod string            `json:"payment_method"`
	CollectCash   bool              `json:"collect_cash"`
}

// RecordSale finalizes a sale locally and queues it for the backend. When
// cash was collected, a pending payment is opened with the configured
// validity window and queued as well.
func (e *Engine) RecordSale(ctx context.Context, req SaleRequest) (domain.Sale, *domain.PendingPayment, error) {
	if len(req.Items) == 0 {
		return domain.Sale{}, nil, fmt.Errorf("sale without items")
	}
	for _, line := range req.Items {
		if line.Qty <= 0 || line.UnitPriceCents < 0 {
			return domain.Sale{}, nil, fmt.Errorf("invalid sale line for %s", line.SKU)
		}
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		CustomerName:  req.CustomerName,
		Items:         req.Items,
		PaymentMethod: req.PaymentMethod,
		SoldAt:        e.now().UTC(),
	}
	sale.TotalCents = sale.Total()

	if _, err := e.queue.Enqueue(ctx, domain.ActionCreateSale, sale.ID, domain.CreateSalePayload{Sale: sale}); err != nil {
		return domain.Sale{}, nil, fmt.Errorf("queue sale: %w", err)
	}

	if !req.CollectCash {
		return sale, nil, nil
	}

	payment, err := e.ledger.Create(ctx, sale.ID, req.CustomerName, sale.TotalCents, e.paymentWindow)
	if err != nil {
		return domain.Sale{}, nil, fmt.Errorf("open pending payment: %w", err)
	}
	_, err = e.queue.Enqueue(ctx, domain.ActionRegisterPayment, payment.ID, domain.RegisterPaymentPayload{
		PaymentID:    payment.ID,
		SaleID:       sale.ID,
		CustomerName: payment.CustomerName,
		AmountCents:  payment.AmountCents,
		ExpiresAt:    payment.ExpiresAt,
	})
	if err != nil {
		return domain.Sale{}, nil, fmt.Errorf("queue payment: %w", err)
	}
	return sale, &payment, nil
}

// AdjustStock queues a stock delta (restock positive, correction negative).
func (e *Engine) AdjustStock(ctx context.Context, sku string, delta int) (domain.QueuedAction, error) {
	if sku == "" || delta == 0 {
		return domain.QueuedAction{}, fmt.Errorf("invalid stock adjustment")
	}
	return e.queue.Enqueue(ctx, domain.ActionAdjustStock, sku, domain.AdjustStockPayload{SKU: sku, Delta: delta})
}

// ConfirmPayment applies the user's confirmation locally and queues the
// transition for the backend. Terminal payments reject the confirmation.
func (e *Engine) ConfirmPayment(ctx context.Context, paymentID string) (domain.PendingPayment, error) {
	payment, err := e.ledger.MarkPaid(ctx, paymentID)
	if err != nil {
		return domain.PendingPayment{}, err
	}
	if _, err := e.queue.Enqueue(ctx, domain.ActionMarkPaymentPaid, paymentID, domain.MarkPaymentPaidPayload{PaymentID: paymentID}); err != nil {
		return domain.PendingPayment{}, fmt.Errorf("queue payment confirmation: %w", err)
	}
	return payment, nil
}

// Payments lists the ledger for display, createdAt ascending, with effective
// statuses resolved against the current clock.
func (e *Engine) Payments() []domain.PendingPayment {
	return e.ledger.List()
}

// SyncStatus exposes the scheduler state for display.
func (e *Engine) SyncStatus() domain.SyncState {
	return e.scheduler.Status()
}

// DeadLetters lists abandoned actions held for manual review.
func (e *Engine) DeadLetters() []domain.QueuedAction {
	return e.queue.DeadLetters()
}

// SyncNow requests an immediate drain cycle.
func (e *Engine) SyncNow() {
	e.scheduler.TriggerNow("manual")
}
