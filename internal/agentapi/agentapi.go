// Package agentapi is the loopback HTTP surface the terminal UI talks to.
// Everything here resolves against local state and returns immediately; the
// network is only ever touched by the background sync scheduler.
package agentapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/engine"
	"rutapos/core/internal/ledger"
)

// paymentView decorates a ledger entry with the display-only age band the
// terminal uses for collection triage.
type paymentView struct {
	domain.PendingPayment
	AgeBand domain.AgeBand `json:"age_band"`
}

type API struct {
	engine *engine.Engine
	logger *zap.Logger
}

func New(eng *engine.Engine, logger *zap.Logger) *API {
	return &API{engine: eng, logger: logger}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/local/v1/sales", a.handleSales)
	mux.HandleFunc("/local/v1/stock-adjustments", a.handleStockAdjustments)
	mux.HandleFunc("/local/v1/payments", a.handlePayments)
	mux.HandleFunc("/local/v1/payments/", a.handlePaymentActions)
	mux.HandleFunc("/local/v1/sync/status", a.handleSyncStatus)
	mux.HandleFunc("/local/v1/sync/trigger", a.handleSyncTrigger)
	mux.HandleFunc("/local/v1/dead-letters", a.handleDeadLetters)

	return mux
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req engine.SaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, payment, err := a.engine.RecordSale(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"sale":    sale,
		"payment": payment,
	})
}

func (a *API) handleStockAdjustments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		SKU   string `json:"sku"`
		Delta int    `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	action, err := a.engine.AdjustStock(r.Context(), req.SKU, req.Delta)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

func (a *API) handlePayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	payments := a.engine.Payments()
	views := make([]paymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, paymentView{PendingPayment: p, AgeBand: ledger.Band(p, now)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"payments": views,
		"at":       now.Format(time.RFC3339),
	})
}

// handlePaymentActions serves /local/v1/payments/{id}/confirm.
func (a *API) handlePaymentActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/local/v1/payments/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "confirm" || parts[0] == "" {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	payment, err := a.engine.ConfirmPayment(r.Context(), parts[0])
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ledger.ErrNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, ledger.ErrTerminalStatus) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, a.engine.SyncStatus())
}

func (a *API) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	a.engine.SyncNow()
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

func (a *API) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": a.engine.DeadLetters()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
