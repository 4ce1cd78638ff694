package syncer

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/metrics"
	"rutapos/core/internal/notify"
)

// Reconciler decides how a locally queued mutation merges with remote state
// when the remote reports the target entity changed since the action was
// created. The policy is context-aware, not last-write-wins:
//
//   - stock adjustments never drive remote stock negative; an oversized
//     decrement is clamped to what the remote has,
//   - sales are additive and never dropped; only priced and stock-derived
//     fields are recomputed from remote truth,
//   - payment-status transitions are monotonic; a duplicate or weaker local
//     transition against a terminal remote state is discarded without error.
//
// Every resolution produces a ConflictRecord surfaced through the
// notification dispatcher, even when resolved automatically.
type Reconciler struct {
	notifier notify.Dispatcher
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(notifier notify.Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{notifier: notifier, metrics: m, logger: logger, now: time.Now}
}

// Resolution is the reconciler's verdict for one conflicted action.
type Resolution struct {
	// Resubmit holds the amended action to retry against current remote
	// state, nil when the local action should be discarded as already
	// satisfied remotely.
	Resubmit *domain.QueuedAction
	Record   domain.ConflictRecord
}

// Resolve merges action against the remote snapshot carried by the conflict
// response. It never mutates the original action; amendments are applied to a
// copy.
func (r *Reconciler) Resolve(action domain.QueuedAction, conflict domain.ConflictInfo) (Resolution, error) {
	var (
		res Resolution
		err error
	)
	switch action.Kind {
	case domain.ActionAdjustStock:
		res, err = r.resolveStock(action, conflict)
	case domain.ActionCreateSale:
		res, err = r.resolveSale(action, conflict)
	case domain.ActionRegisterPayment, domain.ActionMarkPaymentPaid:
		res, err = r.resolvePayment(action, conflict)
	default:
		return Resolution{}, fmt.Errorf("reconcile: unknown action kind %q", action.Kind)
	}
	if err != nil {
		return Resolution{}, err
	}

	r.metrics.ConflictsResolved.Inc()
	r.notifier.Publish(notify.Event{
		Type:     notify.EventConflictResolved,
		At:       r.now().UTC(),
		ActionID: action.ID,
		Conflict: &res.Record,
	})
	return res, nil
}

func (r *Reconciler) resolveStock(action domain.QueuedAction, conflict domain.ConflictInfo) (Resolution, error) {
	var payload domain.AdjustStockPayload
	if err := domain.DecodePayload(action.Payload, &payload); err != nil {
		return Resolution{}, err
	}

	available := conflict.Stock[payload.SKU]
	record := domain.ConflictRecord{
		EntityKind:    "stock",
		EntityID:      payload.SKU,
		RemoteVersion: conflict.RemoteVersion,
		RequestedQty:  -payload.Delta,
	}

	if payload.Delta >= 0 || -payload.Delta <= available {
		// Remote moved but can absorb the adjustment; retry unchanged.
		record.Resolution = domain.ResolutionKeepLocal
		record.AppliedQty = -payload.Delta
		amended := action
		return Resolution{Resubmit: &amended, Record: record}, nil
	}

	// Clamp the decrement to what the remote actually has. The field user is
	// informed of the reduced quantity through the conflict notification.
	clamped := payload
	clamped.Delta = -available
	raw, err := domain.EncodePayload(clamped)
	if err != nil {
		return Resolution{}, err
	}

	record.Resolution = domain.ResolutionMerge
	record.AppliedQty = available
	record.Details = fmt.Sprintf("stock decrement clamped from %d to %d", -payload.Delta, available)

	amended := action
	amended.Payload = raw
	r.logger.Info("stock decrement clamped",
		zap.String("sku", payload.SKU),
		zap.Int("requested", -payload.Delta),
		zap.Int("applied", available))
	return Resolution{Resubmit: &amended, Record: record}, nil
}

func (r *Reconciler) resolveSale(action domain.QueuedAction, conflict domain.ConflictInfo) (Resolution, error) {
	var payload domain.CreateSalePayload
	if err := domain.DecodePayload(action.Payload, &payload); err != nil {
		return Resolution{}, err
	}

	// The customer and product selection are preserved as recorded in the
	// field; only prices and stock-constrained quantities follow remote truth.
	sale := payload.Sale
	items := make([]domain.SaleLine, len(sale.Items))
	copy(items, sale.Items)
	adjusted := false
	for i := range items {
		if price, ok := conflict.UnitPrices[items[i].SKU]; ok && price != items[i].UnitPriceCents {
			items[i].UnitPriceCents = price
			adjusted = true
		}
		if available, ok := conflict.Stock[items[i].SKU]; ok && items[i].Qty > available {
			items[i].Qty = available
			adjusted = true
		}
	}
	sale.Items = items
	sale.TotalCents = sale.Total()

	record := domain.ConflictRecord{
		EntityKind:    "sale",
		EntityID:      sale.ID,
		RemoteVersion: conflict.RemoteVersion,
		Resolution:    domain.ResolutionMerge,
	}
	if adjusted {
		record.Details = "priced and stock-derived fields recomputed from remote state"
	} else {
		record.Resolution = domain.ResolutionKeepLocal
	}

	raw, err := domain.EncodePayload(domain.CreateSalePayload{Sale: sale})
	if err != nil {
		return Resolution{}, err
	}
	amended := action
	amended.Payload = raw
	return Resolution{Resubmit: &amended, Record: record}, nil
}

func (r *Reconciler) resolvePayment(action domain.QueuedAction, conflict domain.ConflictInfo) (Resolution, error) {
	record := domain.ConflictRecord{
		EntityKind:    "payment",
		EntityID:      action.EntityID,
		RemoteVersion: conflict.RemoteVersion,
	}

	if conflict.PaymentStatus.Terminal() {
		// Remote already reached a terminal state; the weaker or duplicate
		// local transition is discarded (idempotent merge).
		record.Resolution = domain.ResolutionKeepRemote
		record.Details = fmt.Sprintf("remote payment already %s", conflict.PaymentStatus)
		return Resolution{Record: record}, nil
	}

	record.Resolution = domain.ResolutionKeepLocal
	amended := action
	return Resolution{Resubmit: &amended, Record: record}, nil
}
