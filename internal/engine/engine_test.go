package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/ledger"
	"rutapos/core/internal/metrics"
	"rutapos/core/internal/notify"
	"rutapos/core/internal/queue"
	"rutapos/core/internal/store/memory"
	"rutapos/core/internal/syncer"
)

type ackingRemote struct{}

func (ackingRemote) Submit(_ context.Context, action domain.QueuedAction) (domain.SubmitResponse, error) {
	return domain.SubmitResponse{ActionID: action.ID, Status: domain.SubmitAck, NewVersion: 1}, nil
}

func (ackingRemote) Health(context.Context) error { return nil }

func newTestEngine(t *testing.T) (*Engine, *queue.Queue, *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	rec := notify.NewRecorder()
	logger := zap.NewNop()
	m := metrics.Nop()

	q, err := queue.Load(ctx, st, rec, logger)
	require.NoError(t, err)
	l, err := ledger.Load(ctx, st, rec, logger)
	require.NoError(t, err)
	sched, err := syncer.NewScheduler(ctx, q, ackingRemote{}, st, syncer.NewReconciler(rec, m, logger), rec, m, logger, syncer.Config{Interval: time.Hour})
	require.NoError(t, err)

	return New(q, l, sched, 24*time.Hour), q, l
}

func TestRecordSaleQueuesWithoutNetwork(t *testing.T) {
	e, q, _ := newTestEngine(t)

	sale, payment, err := e.RecordSale(context.Background(), SaleRequest{
		CustomerName:  "Doña Carmen",
		Items:         []domain.SaleLine{{SKU: "SKU-ARROZ-01", Qty: 2, UnitPriceCents: 4500}},
		PaymentMethod: "credit",
	})
	require.NoError(t, err)
	assert.Nil(t, payment, "no cash collected, no pending payment")
	assert.Equal(t, int64(9000), sale.TotalCents)

	actions := q.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionCreateSale, actions[0].Kind)
	assert.Equal(t, sale.ID, actions[0].EntityID)
}

func TestRecordSaleWithCashOpensPendingPayment(t *testing.T) {
	e, q, l := newTestEngine(t)

	sale, payment, err := e.RecordSale(context.Background(), SaleRequest{
		CustomerName:  "Doña Carmen",
		Items:         []domain.SaleLine{{SKU: "SKU-CAFE-01", Qty: 1, UnitPriceCents: 12500}},
		PaymentMethod: "cash",
		CollectCash:   true,
	})
	require.NoError(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, sale.TotalCents, payment.AmountCents)
	assert.Equal(t, domain.PaymentPendiente, payment.Status)
	assert.Equal(t, payment.CreatedAt.Add(24*time.Hour), payment.ExpiresAt)

	actions := q.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, domain.ActionCreateSale, actions[0].Kind)
	assert.Equal(t, domain.ActionRegisterPayment, actions[1].Kind)

	stored, err := l.Get(payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPendiente, stored.Status)
}

func TestRecordSaleValidation(t *testing.T) {
	e, q, _ := newTestEngine(t)
	ctx := context.Background()

	_, _, err := e.RecordSale(ctx, SaleRequest{CustomerName: "X"})
	assert.Error(t, err)

	_, _, err = e.RecordSale(ctx, SaleRequest{
		Items: []domain.SaleLine{{SKU: "SKU-A", Qty: 0, UnitPriceCents: 100}},
	})
	assert.Error(t, err)

	assert.Empty(t, q.Actions(), "failed validations must not enqueue")
}

func TestConfirmPaymentQueuesTransition(t *testing.T) {
	e, q, _ := newTestEngine(t)
	ctx := context.Background()

	_, payment, err := e.RecordSale(ctx, SaleRequest{
		Items:       []domain.SaleLine{{SKU: "SKU-A", Qty: 1, UnitPriceCents: 100}},
		CollectCash: true,
	})
	require.NoError(t, err)

	confirmed, err := e.ConfirmPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPagado, confirmed.Status)

	actions := q.Actions()
	require.Len(t, actions, 3)
	assert.Equal(t, domain.ActionMarkPaymentPaid, actions[2].Kind)

	_, err = e.ConfirmPayment(ctx, payment.ID)
	assert.ErrorIs(t, err, ledger.ErrTerminalStatus)
}

func TestAdjustStockValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AdjustStock(ctx, "", 5)
	assert.Error(t, err)
	_, err = e.AdjustStock(ctx, "SKU-A", 0)
	assert.Error(t, err)

	action, err := e.AdjustStock(ctx, "SKU-A", 12)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionAdjustStock, action.Kind)
}

func TestSyncStatusReflectsQueue(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AdjustStock(ctx, "SKU-A", 5)
	require.NoError(t, err)

	status := e.SyncStatus()
	assert.False(t, status.IsSyncing)
	assert.Equal(t, 1, status.PendingActions)
}
