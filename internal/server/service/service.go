// Package service applies submitted field actions to the authoritative
// records. Application is idempotent keyed by action ID: a replayed action
// returns its recorded outcome instead of applying twice. Divergence between
// the action's captured snapshot and current state yields a conflict response
// carrying the remote truth; the agent's reconciliation engine decides from
// there.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/server/idemcache"
	"rutapos/core/internal/server/store"
)

const resultTTL = 48 * time.Hour

type Service struct {
	repo   store.Repository
	cache  idemcache.ResultCache
	logger *zap.Logger
	now    func() time.Time
}

func New(repo store.Repository, cache idemcache.ResultCache, logger *zap.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger, now: time.Now}
}

// Apply processes one submitted action. Only acknowledged outcomes are
// recorded for idempotent replay: a conflict or rejection leaves the action
// ID unclaimed so an amended resubmission under the same ID is re-evaluated.
func (s *Service) Apply(ctx context.Context, action domain.QueuedAction) (domain.SubmitResponse, error) {
	if action.ID == "" {
		return reject(action, "missing action id"), nil
	}

	if prior, ok := s.findPrior(ctx, action.ID); ok {
		prior.Duplicate = true
		return *prior, nil
	}

	var (
		resp domain.SubmitResponse
		err  error
	)
	switch action.Kind {
	case domain.ActionAdjustStock:
		resp, err = s.applyStockAdjustment(ctx, action)
	case domain.ActionCreateSale:
		resp, err = s.applyCreateSale(ctx, action)
	case domain.ActionRegisterPayment:
		resp, err = s.applyRegisterPayment(ctx, action)
	case domain.ActionMarkPaymentPaid:
		resp, err = s.applyMarkPaymentPaid(ctx, action)
	default:
		resp = reject(action, fmt.Sprintf("unknown action kind %q", action.Kind))
	}
	if err != nil {
		return domain.SubmitResponse{}, err
	}

	if resp.Status == domain.SubmitAck {
		s.saveResult(ctx, action.ID, resp)
	}
	return resp, nil
}

// Products returns the current catalog snapshot.
func (s *Service) Products(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) applyStockAdjustment(ctx context.Context, action domain.QueuedAction) (domain.SubmitResponse, error) {
	var payload domain.AdjustStockPayload
	if err := domain.DecodePayload(action.Payload, &payload); err != nil {
		return reject(action, "malformed stock adjustment payload"), nil
	}
	if payload.SKU == "" || payload.Delta == 0 {
		return reject(action, "empty stock adjustment"), nil
	}

	product, err := s.repo.UpdateStock(ctx, payload.SKU, payload.Delta)
	if errors.Is(err, store.ErrNotFound) {
		return reject(action, fmt.Sprintf("unknown product %s", payload.SKU)), nil
	}
	if errors.Is(err, store.ErrInsufficientStock) {
		current, getErr := s.repo.GetProduct(ctx, payload.SKU)
		if getErr != nil {
			return domain.SubmitResponse{}, getErr
		}
		return conflict(action, domain.ConflictInfo{
			EntityKind:    "stock",
			EntityID:      payload.SKU,
			RemoteVersion: current.Version,
			Stock:         map[string]int{payload.SKU: current.Stock},
			UnitPrices:    map[string]int64{payload.SKU: current.UnitPriceCents},
		}), nil
	}
	if err != nil {
		return domain.SubmitResponse{}, err
	}
	return ack(action, product.Version), nil
}

func (s *Service) applyCreateSale(ctx context.Context, action domain.QueuedAction) (domain.SubmitResponse, error) {
	var payload domain.CreateSalePayload
	if err := domain.DecodePayload(action.Payload, &payload); err != nil {
		return reject(action, "malformed sale payload"), nil
	}
	sale := payload.Sale
	if sale.ID == "" || len(sale.Items) == 0 {
		return reject(action, "sale without id or items"), nil
	}

	// Price drift or an oversold line is a conflict carrying the remote
	// snapshot, never a rejection: sales are additive and the agent retries
	// them recomputed.
	info, conflicted, err := s.saleSnapshot(ctx, sale)
	if errors.Is(err, store.ErrNotFound) {
		return reject(action, err.Error()), nil
	}
	if err != nil {
		return domain.SubmitResponse{}, err
	}
	if conflicted {
		return conflict(action, info), nil
	}
	maxVersion := info.RemoteVersion

	newVersion, err := s.repo.ApplySale(ctx, sale)
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		// The record survived a pruned result log. It was applied exactly
		// once; re-acknowledge.
		return ack(action, maxVersion), nil
	case errors.Is(err, store.ErrNotFound):
		return reject(action, "unknown product in sale"), nil
	case errors.Is(err, store.ErrInsufficientStock):
		// Another consumer won the race between validation and apply. The
		// store rolled the whole sale back, so the fresh snapshot is the
		// only thing the agent needs to recompute and resubmit under the
		// same ID.
		info, _, snapErr := s.saleSnapshot(ctx, sale)
		if snapErr != nil {
			return domain.SubmitResponse{}, snapErr
		}
		return conflict(action, info), nil
	case err != nil:
		return domain.SubmitResponse{}, err
	}
	return ack(action, newVersion), nil
}

// saleSnapshot reads the current truth for every SKU in the sale and reports
// whether any line is oversold or priced off the catalog.
func (s *Service) saleSnapshot(ctx context.Context, sale domain.Sale) (domain.ConflictInfo, bool, error) {
	stock := make(map[string]int, len(sale.Items))
	prices := make(map[string]int64, len(sale.Items))
	var maxVersion int64
	conflicted := false
	for _, line := range sale.Items {
		product, err := s.repo.GetProduct(ctx, line.SKU)
		if errors.Is(err, store.ErrNotFound) {
			return domain.ConflictInfo{}, false, fmt.Errorf("unknown product %s: %w", line.SKU, store.ErrNotFound)
		}
		if err != nil {
			return domain.ConflictInfo{}, false, err
		}
		stock[line.SKU] = product.Stock
		prices[line.SKU] = product.UnitPriceCents
		if product.Version > maxVersion {
			maxVersion = product.Version
		}
		if line.Qty > product.Stock || line.UnitPriceCents != product.UnitPriceCents {
			conflicted = true
		}
	}
	return domain.ConflictInfo{
		EntityKind:    "sale",
		EntityID:      sale.ID,
		RemoteVersion: maxVersion,
		Stock:         stock,
		UnitPrices:    prices,
	}, conflicted, nil
}

func (s *Service) applyRegisterPayment(ctx context.Context, action domain.QueuedAction) (domain.SubmitResponse, error) {
	var payload domain.RegisterPaymentPayload
	if err := domain.DecodePayload(action.Payload, &payload); err != nil {
		return reject(action, "malformed payment payload"), nil
	}
	if payload.PaymentID == "" || payload.AmountCents < 0 {
		return reject(action, "invalid payment"), nil
	}

	payment := domain.PendingPayment{
		ID:           payload.PaymentID,
		SaleID:       payload.SaleID,
		CustomerName: payload.CustomerName,
		AmountCents:  payload.AmountCents,
		CreatedAt:    action.CreatedAt.UTC(),
		ExpiresAt:    payload.ExpiresAt.UTC(),
		Status:       domain.PaymentPendiente,
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return ack(action, 1), nil
		}
		return domain.SubmitResponse{}, err
	}
	return ack(action, 1), nil
}

func (s *Service) applyMarkPaymentPaid(ctx context.Context, action domain.QueuedAction) (domain.SubmitResponse, error) {
	var payload domain.MarkPaymentPaidPayload
	if err := domain.DecodePayload(action.Payload, &payload); err != nil {
		return reject(action, "malformed payment payload"), nil
	}

	current, err := s.repo.GetPayment(ctx, payload.PaymentID)
	if errors.Is(err, store.ErrNotFound) {
		return reject(action, fmt.Sprintf("unknown payment %s", payload.PaymentID)), nil
	}
	if err != nil {
		return domain.SubmitResponse{}, err
	}

	// The expiry clock counts even when no sweep has run server-side.
	effective := current.Status
	if effective == domain.PaymentPendiente && !current.ExpiresAt.After(s.now().UTC()) {
		effective = domain.PaymentVencido
	}
	if effective.Terminal() {
		return conflict(action, domain.ConflictInfo{
			EntityKind:    "payment",
			EntityID:      current.ID,
			RemoteVersion: 1,
			PaymentStatus: effective,
		}), nil
	}

	if _, err := s.repo.SetPaymentStatus(ctx, payload.PaymentID, domain.PaymentPagado); err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			return conflict(action, domain.ConflictInfo{
				EntityKind:    "payment",
				EntityID:      current.ID,
				RemoteVersion: 1,
				PaymentStatus: current.Status,
			}), nil
		}
		return domain.SubmitResponse{}, err
	}
	return ack(action, 2), nil
}

func (s *Service) findPrior(ctx context.Context, actionID string) (*domain.SubmitResponse, bool) {
	if cached, ok, err := s.cache.Get(ctx, actionID); err == nil && ok {
		return cached, true
	} else if err != nil {
		s.logger.Warn("idempotency cache lookup failed", zap.Error(err))
	}

	prior, err := s.repo.FindActionResult(ctx, actionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("action result lookup failed", zap.Error(err))
		return nil, false
	}
	return prior, true
}

func (s *Service) saveResult(ctx context.Context, actionID string, resp domain.SubmitResponse) {
	if err := s.repo.SaveActionResult(ctx, actionID, resp); err != nil {
		s.logger.Warn("action result not recorded", zap.String("action_id", actionID), zap.Error(err))
	}
	if err := s.cache.Set(ctx, actionID, &resp, resultTTL); err != nil {
		s.logger.Warn("idempotency cache write failed", zap.Error(err))
	}
}

func ack(action domain.QueuedAction, version int64) domain.SubmitResponse {
	return domain.SubmitResponse{ActionID: action.ID, Status: domain.SubmitAck, NewVersion: version}
}

func conflict(action domain.QueuedAction, info domain.ConflictInfo) domain.SubmitResponse {
	return domain.SubmitResponse{ActionID: action.ID, Status: domain.SubmitConflict, Conflict: &info}
}

func reject(action domain.QueuedAction, reason string) domain.SubmitResponse {
	return domain.SubmitResponse{ActionID: action.ID, Status: domain.SubmitRejected, Reason: reason}
}
