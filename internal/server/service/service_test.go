package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/server/idemcache"
	"rutapos/core/internal/server/store"
	"rutapos/core/internal/server/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	return New(repo, idemcache.NoopResultCache{}, zap.NewNop()), repo
}

func mustAction(t *testing.T, id string, kind domain.ActionKind, entityID string, payload any) domain.QueuedAction {
	t.Helper()
	raw, err := domain.EncodePayload(payload)
	require.NoError(t, err)
	return domain.QueuedAction{
		ID: id, Kind: kind, EntityID: entityID, Payload: raw,
		CreatedAt: time.Now().UTC(), Status: domain.ActionInFlight,
	}
}

func TestAdjustStockAck(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Apply(ctx, mustAction(t, "act-1", domain.ActionAdjustStock, "SKU-CAFE-01",
		domain.AdjustStockPayload{SKU: "SKU-CAFE-01", Delta: -5}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitAck, resp.Status)
	assert.Equal(t, int64(2), resp.NewVersion)

	product, err := repo.GetProduct(ctx, "SKU-CAFE-01")
	require.NoError(t, err)
	assert.Equal(t, 40, product.Stock)
}

func TestAdjustStockInsufficientIsConflict(t *testing.T) {
	svc, _ := newTestService(t)

	// Seeded SKU-CAFE-01 has 45 in stock.
	resp, err := svc.Apply(context.Background(), mustAction(t, "act-1", domain.ActionAdjustStock, "SKU-CAFE-01",
		domain.AdjustStockPayload{SKU: "SKU-CAFE-01", Delta: -100}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitConflict, resp.Status)
	require.NotNil(t, resp.Conflict)
	assert.Equal(t, 45, resp.Conflict.Stock["SKU-CAFE-01"])
	assert.Equal(t, int64(1), resp.Conflict.RemoteVersion)
}

func TestAdjustStockUnknownProductIsRejected(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Apply(context.Background(), mustAction(t, "act-1", domain.ActionAdjustStock, "SKU-NADA",
		domain.AdjustStockPayload{SKU: "SKU-NADA", Delta: -1}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitRejected, resp.Status)
	assert.Contains(t, resp.Reason, "SKU-NADA")
}

func saleAction(t *testing.T, id string, lines []domain.SaleLine) domain.QueuedAction {
	t.Helper()
	sale := domain.Sale{ID: "sale-" + id, CustomerName: "Doña Carmen", Items: lines, SoldAt: time.Now().UTC()}
	sale.TotalCents = sale.Total()
	return mustAction(t, id, domain.ActionCreateSale, sale.ID, domain.CreateSalePayload{Sale: sale})
}

func TestCreateSaleAckDecrementsStock(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Apply(ctx, saleAction(t, "act-1", []domain.SaleLine{
		{SKU: "SKU-ARROZ-01", Qty: 2, UnitPriceCents: 4500},
		{SKU: "SKU-JABON-01", Qty: 1, UnitPriceCents: 2800},
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitAck, resp.Status)

	arroz, err := repo.GetProduct(ctx, "SKU-ARROZ-01")
	require.NoError(t, err)
	assert.Equal(t, 118, arroz.Stock)

	sale, err := repo.GetSale(ctx, "sale-act-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2*4500+2800), sale.TotalCents)
}

func TestCreateSalePriceDriftIsConflict(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Apply(context.Background(), saleAction(t, "act-1", []domain.SaleLine{
		{SKU: "SKU-ARROZ-01", Qty: 2, UnitPriceCents: 4000}, // seeded price is 4500
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitConflict, resp.Status)
	require.NotNil(t, resp.Conflict)
	assert.Equal(t, int64(4500), resp.Conflict.UnitPrices["SKU-ARROZ-01"])
	assert.Equal(t, 120, resp.Conflict.Stock["SKU-ARROZ-01"])
}

func TestCreateSaleOversoldIsConflict(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Apply(context.Background(), saleAction(t, "act-1", []domain.SaleLine{
		{SKU: "SKU-LECHE-01", Qty: 500, UnitPriceCents: 15800}, // seeded stock is 30
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitConflict, resp.Status)
	require.NotNil(t, resp.Conflict)
	assert.Equal(t, 30, resp.Conflict.Stock["SKU-LECHE-01"])
}

func TestRegisterPaymentAck(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	resp, err := svc.Apply(ctx, mustAction(t, "act-1", domain.ActionRegisterPayment, "pay-1",
		domain.RegisterPaymentPayload{
			PaymentID: "pay-1", SaleID: "sale-1", CustomerName: "Doña Carmen",
			AmountCents: 12500, ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
		}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitAck, resp.Status)

	payment, err := repo.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPendiente, payment.Status)
}

func TestMarkPaymentPaidLifecycle(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	require.NoError(t, repo.CreatePayment(ctx, domain.PendingPayment{
		ID: "pay-1", SaleID: "sale-1", AmountCents: 100,
		CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
		Status: domain.PaymentPendiente,
	}))

	resp, err := svc.Apply(ctx, mustAction(t, "act-1", domain.ActionMarkPaymentPaid, "pay-1",
		domain.MarkPaymentPaidPayload{PaymentID: "pay-1"}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitAck, resp.Status)

	// Confirming again under a new action ID hits the terminal state.
	resp, err = svc.Apply(ctx, mustAction(t, "act-2", domain.ActionMarkPaymentPaid, "pay-1",
		domain.MarkPaymentPaidPayload{PaymentID: "pay-1"}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitConflict, resp.Status)
	require.NotNil(t, resp.Conflict)
	assert.Equal(t, domain.PaymentPagado, resp.Conflict.PaymentStatus)
}

func TestMarkPaymentPaidAfterExpiryIsConflict(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	created := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, repo.CreatePayment(ctx, domain.PendingPayment{
		ID: "pay-1", SaleID: "sale-1", AmountCents: 100,
		CreatedAt: created, ExpiresAt: created.Add(24 * time.Hour),
		Status: domain.PaymentPendiente,
	}))

	// Stored status is still pendiente, but the clock says otherwise.
	resp, err := svc.Apply(ctx, mustAction(t, "act-1", domain.ActionMarkPaymentPaid, "pay-1",
		domain.MarkPaymentPaidPayload{PaymentID: "pay-1"}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitConflict, resp.Status)
	require.NotNil(t, resp.Conflict)
	assert.Equal(t, domain.PaymentVencido, resp.Conflict.PaymentStatus)
}

func TestMarkPaymentPaidUnknownIsRejected(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Apply(context.Background(), mustAction(t, "act-1", domain.ActionMarkPaymentPaid, "pay-missing",
		domain.MarkPaymentPaidPayload{PaymentID: "pay-missing"}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitRejected, resp.Status)
}

func TestReplayedActionIsNotAppliedTwice(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	action := mustAction(t, "act-1", domain.ActionAdjustStock, "SKU-CAFE-01",
		domain.AdjustStockPayload{SKU: "SKU-CAFE-01", Delta: -5})

	first, err := svc.Apply(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitAck, first.Status)
	assert.False(t, first.Duplicate)

	second, err := svc.Apply(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitAck, second.Status)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.NewVersion, second.NewVersion)

	product, err := repo.GetProduct(ctx, "SKU-CAFE-01")
	require.NoError(t, err)
	assert.Equal(t, 40, product.Stock, "the decrement must land exactly once")
}

func TestConflictLeavesActionIDReusable(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	over := mustAction(t, "act-1", domain.ActionAdjustStock, "SKU-LECHE-01",
		domain.AdjustStockPayload{SKU: "SKU-LECHE-01", Delta: -100})
	resp, err := svc.Apply(ctx, over)
	require.NoError(t, err)
	require.Equal(t, domain.SubmitConflict, resp.Status)

	// The agent resubmits an amended payload under the same idempotency key.
	amended := mustAction(t, "act-1", domain.ActionAdjustStock, "SKU-LECHE-01",
		domain.AdjustStockPayload{SKU: "SKU-LECHE-01", Delta: -30})
	resp, err = svc.Apply(ctx, amended)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitAck, resp.Status)
	assert.False(t, resp.Duplicate)

	product, err := repo.GetProduct(ctx, "SKU-LECHE-01")
	require.NoError(t, err)
	assert.Equal(t, 0, product.Stock)
}

// shrinkingRepo drops a SKU's stock right before the sale is applied,
// standing in for a concurrent consumer winning the race between the
// service's validation read and the store apply.
type shrinkingRepo struct {
	*memory.Store
	sku    string
	delta  int
	shrunk bool
}

func (r *shrinkingRepo) ApplySale(ctx context.Context, sale domain.Sale) (int64, error) {
	if !r.shrunk {
		r.shrunk = true
		if _, err := r.Store.UpdateStock(ctx, r.sku, r.delta); err != nil {
			return 0, err
		}
	}
	return r.Store.ApplySale(ctx, sale)
}

func TestRacedSaleLeavesNoPartialDecrement(t *testing.T) {
	repo := &shrinkingRepo{Store: memory.NewSeeded(), sku: "SKU-LECHE-01", delta: -6}
	svc := New(repo, idemcache.NoopResultCache{}, zap.NewNop())
	ctx := context.Background()

	// Seeded: SKU-CAFE-01 has 45, SKU-LECHE-01 has 30. The leche line
	// validates against 30 but a concurrent decrement lands before the
	// apply, leaving only 24.
	resp, err := svc.Apply(ctx, saleAction(t, "act-1", []domain.SaleLine{
		{SKU: "SKU-CAFE-01", Qty: 2, UnitPriceCents: 12500},
		{SKU: "SKU-LECHE-01", Qty: 30, UnitPriceCents: 15800},
	}))
	require.NoError(t, err)
	require.Equal(t, domain.SubmitConflict, resp.Status)
	require.NotNil(t, resp.Conflict)
	assert.Equal(t, 24, resp.Conflict.Stock["SKU-LECHE-01"])

	// The conflicted attempt must not leave the sibling decrement behind.
	cafe, err := repo.GetProduct(ctx, "SKU-CAFE-01")
	require.NoError(t, err)
	assert.Equal(t, 45, cafe.Stock)
	_, err = repo.GetSale(ctx, "sale-act-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The agent clamps the leche line and resubmits under the same ID.
	resp, err = svc.Apply(ctx, saleAction(t, "act-1", []domain.SaleLine{
		{SKU: "SKU-CAFE-01", Qty: 2, UnitPriceCents: 12500},
		{SKU: "SKU-LECHE-01", Qty: 24, UnitPriceCents: 15800},
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitAck, resp.Status)
	assert.False(t, resp.Duplicate)

	// Each line lands exactly once across both attempts.
	cafe, err = repo.GetProduct(ctx, "SKU-CAFE-01")
	require.NoError(t, err)
	assert.Equal(t, 43, cafe.Stock)
	leche, err := repo.GetProduct(ctx, "SKU-LECHE-01")
	require.NoError(t, err)
	assert.Equal(t, 0, leche.Stock)
}

func TestUnknownKindIsRejected(t *testing.T) {
	svc, _ := newTestService(t)

	resp, err := svc.Apply(context.Background(), domain.QueuedAction{
		ID: "act-1", Kind: domain.ActionKind("drop_tables"), Payload: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubmitRejected, resp.Status)
}

var _ store.Repository = (*memory.Store)(nil)
