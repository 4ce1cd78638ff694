// Package domain defines the records shared by the field-agent engine and
// the reference backend: queued actions, pending payments, sales, sync state
// and the wire types exchanged on submission.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type ActionKind string

const (
	ActionCreateSale      ActionKind = "create_sale"
	ActionRegisterPayment ActionKind = "register_payment"
	ActionAdjustStock     ActionKind = "adjust_stock"
	ActionMarkPaymentPaid ActionKind = "mark_payment_paid"
)

type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionInFlight  ActionStatus = "in_flight"
	ActionFailed    ActionStatus = "failed"
	ActionCommitted ActionStatus = "committed"
)

// QueuedAction is a locally originated mutation awaiting remote
// acknowledgment. ID is assigned at enqueue time and doubles as the
// idempotency key on the remote side. Payload is a snapshot captured at the
// moment of the user action and is never mutated afterwards.
type QueuedAction struct {
	ID         string          `json:"id"`
	Kind       ActionKind      `json:"kind"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	Attempts   int             `json:"attempts"`
	Status     ActionStatus    `json:"status"`
	DeadLetter bool            `json:"dead_letter"`
	DeadReason string          `json:"dead_reason,omitempty"`
}

type PaymentStatus string

const (
	PaymentPendiente PaymentStatus = "pendiente"
	PaymentPagado    PaymentStatus = "pagado"
	PaymentVencido   PaymentStatus = "vencido"
)

// Terminal reports whether no further transition is allowed out of s.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPagado || s == PaymentVencido
}

// PendingPayment is cash collected in the field awaiting confirmation or
// deposit. Entries are never deleted; they age out to vencido on a clock.
type PendingPayment struct {
	ID           string        `json:"id"`
	SaleID       string        `json:"sale_id"`
	CustomerName string        `json:"customer_name"`
	AmountCents  int64         `json:"amount_cents"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Status       PaymentStatus `json:"status"`
}

// AgeBand is a display-only triage bucket based on age since creation. It is
// independent of the expiration clock and never feeds the status machine.
type AgeBand string

const (
	AgeBandFresh    AgeBand = "under_5h"
	AgeBandWatch    AgeBand = "5h_to_15h"
	AgeBandCritical AgeBand = "over_15h"
)

type SaleLine struct {
	SKU            string `json:"sku"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type Sale struct {
	ID            string     `json:"id"`
	CustomerName  string     `json:"customer_name"`
	Items         []SaleLine `json:"items"`
	TotalCents    int64      `json:"total_cents"`
	PaymentMethod string     `json:"payment_method"`
	SoldAt        time.Time  `json:"sold_at"`
}

// Total recomputes the sale total from its lines.
func (s Sale) Total() int64 {
	var total int64
	for _, line := range s.Items {
		total += line.UnitPriceCents * int64(line.Qty)
	}
	return total
}

// Product is the remote catalog entry the backend holds stock and pricing
// for. Version increases on every applied mutation.
type Product struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Stock          int    `json:"stock"`
	Version        int64  `json:"version"`
}

// Action payloads. One per ActionKind, serialized into QueuedAction.Payload.

type CreateSalePayload struct {
	Sale Sale `json:"sale"`
}

type RegisterPaymentPayload struct {
	PaymentID    string    `json:"payment_id"`
	SaleID       string    `json:"sale_id"`
	CustomerName string    `json:"customer_name"`
	AmountCents  int64     `json:"amount_cents"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type AdjustStockPayload struct {
	SKU   string `json:"sku"`
	Delta int    `json:"delta"`
}

type MarkPaymentPaidPayload struct {
	PaymentID string `json:"payment_id"`
}

// EncodePayload marshals a kind-specific payload for storage in a
// QueuedAction.
func EncodePayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// DecodePayload unmarshals a QueuedAction payload into the kind-specific
// struct.
func DecodePayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// SyncState is the scheduler status read by the presentation layer.
type SyncState struct {
	IsSyncing      bool       `json:"is_syncing"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
	Progress       int        `json:"progress"`
	PendingActions int        `json:"pending_actions"`
}

// SyncMeta is the persisted portion of the sync state.
type SyncMeta struct {
	LastSync *time.Time `json:"last_sync,omitempty"`
}

type ConflictResolution string

const (
	ResolutionKeepLocal  ConflictResolution = "keep_local"
	ResolutionKeepRemote ConflictResolution = "keep_remote"
	ResolutionMerge      ConflictResolution = "merge"
)

// ConflictRecord documents how a local/remote divergence was resolved. One is
// produced for every conflict, even when resolved automatically.
type ConflictRecord struct {
	EntityKind    string             `json:"entity_kind"`
	EntityID      string             `json:"entity_id"`
	LocalVersion  int64              `json:"local_version"`
	RemoteVersion int64              `json:"remote_version"`
	Resolution    ConflictResolution `json:"resolution"`
	Details       string             `json:"details,omitempty"`
	RequestedQty  int                `json:"requested_qty,omitempty"`
	AppliedQty    int                `json:"applied_qty,omitempty"`
}

// Wire types for action submission against the remote source of truth.

const (
	SubmitAck      = "ack"
	SubmitConflict = "conflict"
	SubmitRejected = "rejected"
)

// ConflictInfo is the remote snapshot returned with a conflict response. The
// populated fields depend on the action kind: stock and prices for inventory
// and sale conflicts, payment status for payment-lifecycle conflicts.
type ConflictInfo struct {
	EntityKind    string           `json:"entity_kind"`
	EntityID      string           `json:"entity_id"`
	RemoteVersion int64            `json:"remote_version"`
	Stock         map[string]int   `json:"stock,omitempty"`
	UnitPrices    map[string]int64 `json:"unit_prices,omitempty"`
	PaymentStatus PaymentStatus    `json:"payment_status,omitempty"`
}

// SubmitResponse is the remote's answer to a single action submission.
type SubmitResponse struct {
	ActionID   string        `json:"action_id"`
	Status     string        `json:"status"`
	NewVersion int64         `json:"new_version,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Conflict   *ConflictInfo `json:"conflict,omitempty"`
	Duplicate  bool          `json:"duplicate"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
