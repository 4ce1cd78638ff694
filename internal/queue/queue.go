// Package queue implements the ordered log of locally originated mutations
// awaiting transmission to the remote source of truth.
//
// The in-memory view is authoritative; every mutation is persisted through
// the local store synchronously, but a storage I/O failure only degrades
// durability (surfaced as a warning), never the operation itself.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/notify"
	"rutapos/core/internal/store"
)

// DefaultMaxAttempts is the retry budget per action before dead-lettering.
const DefaultMaxAttempts = 5

var ErrUnknownAction = fmt.Errorf("unknown action")

type Queue struct {
	mu          sync.Mutex
	actions     []domain.QueuedAction
	store       store.Store
	notifier    notify.Dispatcher
	logger      *zap.Logger
	maxAttempts int
	now         func() time.Time
}

type Option func(*Queue)

// WithClock overrides the queue clock.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithMaxAttempts overrides the per-action retry budget.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// Load builds the queue from the persisted action log, in insertion order.
func Load(ctx context.Context, st store.Store, notifier notify.Dispatcher, logger *zap.Logger, opts ...Option) (*Queue, error) {
	actions, err := st.ListActions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load action queue: %w", err)
	}
	q := &Queue{
		actions:     actions,
		store:       st,
		notifier:    notifier,
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue appends a new action to the tail and persists it before returning.
// It never touches the network.
func (q *Queue) Enqueue(ctx context.Context, kind domain.ActionKind, entityID string, payload any) (domain.QueuedAction, error) {
	raw, err := domain.EncodePayload(payload)
	if err != nil {
		return domain.QueuedAction{}, err
	}

	action := domain.QueuedAction{
		ID:        uuid.NewString(),
		Kind:      kind,
		EntityID:  entityID,
		Payload:   raw,
		CreatedAt: q.now().UTC(),
		Status:    domain.ActionPending,
	}

	q.mu.Lock()
	q.actions = append(q.actions, action)
	q.mu.Unlock()

	q.persist(ctx, action)
	return action, nil
}

// PeekNext returns the head of the active queue without removing it, so a
// crash mid-submission cannot lose the action. Returns false when nothing is
// submittable.
func (q *Queue) PeekNext() (domain.QueuedAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.actions {
		a := q.actions[i]
		if a.DeadLetter || a.Status == domain.ActionCommitted || a.Status == domain.ActionInFlight {
			continue
		}
		return a, true
	}
	return domain.QueuedAction{}, false
}

// MarkInFlight flags the action as submitted but not yet acknowledged.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	return q.update(ctx, id, func(a *domain.QueuedAction) {
		a.Status = domain.ActionInFlight
	})
}

// Commit removes an acknowledged action from the active queue. Only the sync
// scheduler calls this, after the remote confirmed the action.
func (q *Queue) Commit(ctx context.Context, id string) error {
	q.mu.Lock()
	found := false
	for i := range q.actions {
		if q.actions[i].ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			found = true
			break
		}
	}
	q.mu.Unlock()

	if !found {
		return fmt.Errorf("commit %s: %w", id, ErrUnknownAction)
	}
	if err := q.store.DeleteAction(ctx, id); err != nil {
		q.logger.Warn("action commit not persisted; data may not survive a reload",
			zap.String("action_id", id), zap.Error(err))
	}
	return nil
}

// Fail records a failed submission attempt. Once the retry budget is
// exhausted, or when terminal is set (remote validation rejection), the
// action moves to the dead-letter list and a SyncActionAbandoned event is
// raised. Actions are never silently dropped.
func (q *Queue) Fail(ctx context.Context, id, reason string, terminal bool) error {
	var abandoned *domain.QueuedAction
	err := q.update(ctx, id, func(a *domain.QueuedAction) {
		a.Attempts++
		a.Status = domain.ActionFailed
		if terminal || a.Attempts >= q.maxAttempts {
			a.DeadLetter = true
			a.DeadReason = reason
			abandoned = a
		}
	})
	if err != nil {
		return err
	}
	if abandoned != nil {
		q.notifier.Publish(notify.Event{
			Type:     notify.EventSyncActionAbandoned,
			At:       q.now().UTC(),
			ActionID: abandoned.ID,
			Reason:   abandoned.DeadReason,
		})
	}
	return nil
}

// RecoverInFlight re-marks actions abandoned mid-submission (page closed,
// process killed) as pending. The remote side de-duplicates by action ID, so
// re-submitting one that actually landed is safe.
func (q *Queue) RecoverInFlight(ctx context.Context) int {
	q.mu.Lock()
	var recovered []domain.QueuedAction
	for i := range q.actions {
		if q.actions[i].Status == domain.ActionInFlight {
			q.actions[i].Status = domain.ActionPending
			recovered = append(recovered, q.actions[i])
		}
	}
	q.mu.Unlock()

	for _, a := range recovered {
		q.persist(ctx, a)
	}
	return len(recovered)
}

// Len reports how many actions are still awaiting acknowledgment.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for i := range q.actions {
		if !q.actions[i].DeadLetter {
			n++
		}
	}
	return n
}

// DeadLetters returns the actions abandoned after exhausting retries or on
// explicit remote rejection. They are kept for manual review.
func (q *Queue) DeadLetters() []domain.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []domain.QueuedAction
	for i := range q.actions {
		if q.actions[i].DeadLetter {
			out = append(out, q.actions[i])
		}
	}
	return out
}

// Actions returns a snapshot of the full action log in insertion order.
func (q *Queue) Actions() []domain.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.QueuedAction, len(q.actions))
	copy(out, q.actions)
	return out
}

func (q *Queue) update(ctx context.Context, id string, mutate func(*domain.QueuedAction)) error {
	q.mu.Lock()
	var updated *domain.QueuedAction
	for i := range q.actions {
		if q.actions[i].ID == id {
			mutate(&q.actions[i])
			a := q.actions[i]
			updated = &a
			break
		}
	}
	q.mu.Unlock()

	if updated == nil {
		return fmt.Errorf("update %s: %w", id, ErrUnknownAction)
	}
	q.persist(ctx, *updated)
	return nil
}

func (q *Queue) persist(ctx context.Context, action domain.QueuedAction) {
	if err := q.store.PutAction(ctx, action); err != nil {
		q.logger.Warn("action not persisted; data may not survive a reload",
			zap.String("action_id", action.ID), zap.Error(err))
	}
}
