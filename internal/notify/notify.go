// Package notify delivers structured engine events to user-facing surfaces.
// Delivery is fire-and-forget: the engine never waits on a dispatcher.
package notify

import (
	"time"

	"go.uber.org/zap"

	"rutapos/core/internal/domain"
)

type EventType string

const (
	EventSyncStarted         EventType = "sync_started"
	EventSyncCompleted       EventType = "sync_completed"
	EventSyncActionAbandoned EventType = "sync_action_abandoned"
	EventPaymentExpired      EventType = "payment_expired"
	EventConflictResolved    EventType = "conflict_resolved"
)

// Event is a typed notification. Only the fields relevant to the event type
// are populated.
type Event struct {
	Type      EventType              `json:"type"`
	At        time.Time              `json:"at"`
	ActionID  string                 `json:"action_id,omitempty"`
	PaymentID string                 `json:"payment_id,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Committed int                    `json:"committed,omitempty"`
	Remaining int                    `json:"remaining,omitempty"`
	Conflict  *domain.ConflictRecord `json:"conflict,omitempty"`
}

// Dispatcher receives engine events. Implementations must not block.
type Dispatcher interface {
	Publish(ev Event)
}

// LogDispatcher surfaces events through the structured log.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Publish(ev Event) {
	fields := []zap.Field{zap.Time("at", ev.At)}
	if ev.ActionID != "" {
		fields = append(fields, zap.String("action_id", ev.ActionID))
	}
	if ev.PaymentID != "" {
		fields = append(fields, zap.String("payment_id", ev.PaymentID))
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if ev.Type == EventSyncCompleted {
		fields = append(fields,
			zap.Int("committed", ev.Committed),
			zap.Int("remaining", ev.Remaining))
	}
	if ev.Conflict != nil {
		fields = append(fields,
			zap.String("entity_kind", ev.Conflict.EntityKind),
			zap.String("entity_id", ev.Conflict.EntityID),
			zap.String("resolution", string(ev.Conflict.Resolution)))
	}
	d.logger.Info(string(ev.Type), fields...)
}

// Multi fans a single event out to several dispatchers.
type Multi []Dispatcher

func (m Multi) Publish(ev Event) {
	for _, d := range m {
		d.Publish(ev)
	}
}

// Noop drops all events.
type Noop struct{}

func (Noop) Publish(Event) {}
