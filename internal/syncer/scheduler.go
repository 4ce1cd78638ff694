// Package syncer drives the drain of the local action queue against the
// remote source of truth. One serialized state machine (Idle -> Draining ->
// Idle) serves every trigger: the periodic timer, the connectivity-restored
// edge and manual requests. Concurrent triggers coalesce into a follow-up
// cycle instead of a concurrent drain.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/metrics"
	"rutapos/core/internal/notify"
	"rutapos/core/internal/queue"
	"rutapos/core/internal/remote"
	"rutapos/core/internal/store"
)

type Config struct {
	// Interval between timer-driven drain attempts.
	Interval time.Duration
	// SubmitTimeout bounds a single remote submission. A timeout is treated
	// exactly like a network failure: the action stays queued.
	SubmitTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
}

type cycleResult string

const (
	cycleFull    cycleResult = "full"
	cyclePartial cycleResult = "partial"
	cycleEmpty   cycleResult = "empty"
)

type Scheduler struct {
	queue      *queue.Queue
	remote     remote.Source
	store      store.Store
	reconciler *Reconciler
	notifier   notify.Dispatcher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        Config

	// trigger carries coalesced drain requests into Run's loop.
	trigger chan string

	mu       sync.Mutex
	syncing  bool
	followUp bool
	progress int
	lastSync *time.Time

	// Inter-cycle retry delay after a failed drain; reset on success.
	bo  *backoff.ExponentialBackOff
	now func() time.Time
}

func NewScheduler(ctx context.Context, q *queue.Queue, src remote.Source, st store.Store, rec *Reconciler, notifier notify.Dispatcher, m *metrics.Metrics, logger *zap.Logger, cfg Config) (*Scheduler, error) {
	cfg.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // never give up, the queue carries the retry budget

	meta, err := st.GetSyncMeta(ctx)
	if err != nil {
		logger.Warn("sync metadata unavailable", zap.Error(err))
		meta = domain.SyncMeta{}
	}

	return &Scheduler{
		queue:      q,
		remote:     src,
		store:      st,
		reconciler: rec,
		notifier:   notifier,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
		trigger:    make(chan string, 1),
		lastSync:   meta.LastSync,
		bo:         bo,
		now:        time.Now,
	}, nil
}

// TriggerNow requests a drain cycle. Safe from any goroutine; a request
// arriving mid-cycle schedules one follow-up cycle instead of a concurrent
// drain.
func (s *Scheduler) TriggerNow(reason string) {
	select {
	case s.trigger <- reason:
	default:
		// A trigger is already queued; coalesce.
	}
}

// Run services timer ticks and triggers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.DrainOnce(ctx, "timer")
		case reason := <-s.trigger:
			s.DrainOnce(ctx, reason)
		}
	}
}

// Status is read by the presentation layer.
func (s *Scheduler) Status() domain.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SyncState{
		IsSyncing:      s.syncing,
		LastSync:       s.lastSync,
		Progress:       s.progress,
		PendingActions: s.queue.Len(),
	}
}

// DrainOnce runs one drain cycle, or schedules a follow-up when a cycle is
// already active. At most one cycle runs at any instant.
func (s *Scheduler) DrainOnce(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.syncing {
		s.followUp = true
		s.mu.Unlock()
		return
	}
	s.syncing = true
	s.mu.Unlock()

	for {
		s.drain(ctx, reason)

		s.mu.Lock()
		if s.followUp {
			s.followUp = false
			s.mu.Unlock()
			reason = "coalesced"
			continue
		}
		s.syncing = false
		s.mu.Unlock()
		return
	}
}

// drain repeatedly peeks the queue head and submits it. On a recoverable
// failure the cycle stops early and the remainder is deferred to the next
// trigger rather than spinning against a dead link.
func (s *Scheduler) drain(ctx context.Context, reason string) {
	initial := s.queue.Len()
	s.metrics.QueueDepth.Set(float64(initial))
	if initial == 0 {
		s.markSynced(ctx)
		s.metrics.DrainCycles.WithLabelValues(string(cycleEmpty)).Inc()
		return
	}

	s.logger.Info("drain cycle started",
		zap.String("reason", reason), zap.Int("pending", initial))
	s.notifier.Publish(notify.Event{Type: notify.EventSyncStarted, At: s.now().UTC()})
	s.setProgress(0)

	committed := 0
	for {
		action, ok := s.queue.PeekNext()
		if !ok {
			break
		}

		done, err := s.submitOne(ctx, action)
		if err != nil {
			// Recoverable failure: leave the remainder queued and retry
			// after a backoff delay.
			s.logger.Warn("drain cycle interrupted",
				zap.String("action_id", action.ID), zap.Error(err))
			delay := s.bo.NextBackOff()
			s.scheduleRetry(delay)
			s.finishCycle(ctx, committed, initial, cyclePartial)
			return
		}
		if done {
			committed++
			s.setProgress(committed * 100 / initial)
		}
	}

	s.bo.Reset()
	s.finishCycle(ctx, committed, initial, cycleFull)
}

// submitOne pushes a single action through submission, reconciliation and
// commit. done reports whether the action was committed; a non-nil error is
// a recoverable failure that should end the cycle.
func (s *Scheduler) submitOne(ctx context.Context, action domain.QueuedAction) (done bool, err error) {
	if err := s.queue.MarkInFlight(ctx, action.ID); err != nil {
		return false, err
	}

	resp, err := s.submit(ctx, action)
	if err != nil {
		if failErr := s.queue.Fail(ctx, action.ID, err.Error(), false); failErr != nil {
			s.logger.Warn("record submission failure", zap.Error(failErr))
		}
		return false, err
	}

	switch resp.Status {
	case domain.SubmitAck:
		return true, s.commit(ctx, action.ID)

	case domain.SubmitRejected:
		// Validation rejections are terminal for the action, never retried.
		s.metrics.ActionsDeadLetter.Inc()
		if err := s.queue.Fail(ctx, action.ID, resp.Reason, true); err != nil {
			s.logger.Warn("record rejection", zap.Error(err))
		}
		// The cycle continues with the next action.
		return false, nil

	case domain.SubmitConflict:
		if resp.Conflict == nil {
			return false, s.queue.Fail(ctx, action.ID, "conflict response without remote snapshot", false)
		}
		return s.resolveAndResubmit(ctx, action, *resp.Conflict)

	default:
		return false, s.queue.Fail(ctx, action.ID, "unknown submit status "+resp.Status, false)
	}
}

func (s *Scheduler) resolveAndResubmit(ctx context.Context, action domain.QueuedAction, conflict domain.ConflictInfo) (bool, error) {
	resolution, err := s.reconciler.Resolve(action, conflict)
	if err != nil {
		// Undecodable payloads cannot ever succeed; dead-letter them.
		s.metrics.ActionsDeadLetter.Inc()
		if failErr := s.queue.Fail(ctx, action.ID, err.Error(), true); failErr != nil {
			s.logger.Warn("record reconcile failure", zap.Error(failErr))
		}
		return false, nil
	}

	if resolution.Resubmit == nil {
		// The remote already satisfies the intent; discard the duplicate
		// local transition as committed.
		return true, s.commit(ctx, action.ID)
	}

	resp, err := s.submit(ctx, *resolution.Resubmit)
	if err != nil {
		if failErr := s.queue.Fail(ctx, action.ID, err.Error(), false); failErr != nil {
			s.logger.Warn("record resubmission failure", zap.Error(failErr))
		}
		return false, err
	}

	switch resp.Status {
	case domain.SubmitAck:
		return true, s.commit(ctx, action.ID)
	case domain.SubmitRejected:
		s.metrics.ActionsDeadLetter.Inc()
		if err := s.queue.Fail(ctx, action.ID, resp.Reason, true); err != nil {
			s.logger.Warn("record rejection", zap.Error(err))
		}
		return false, nil
	default:
		// The remote moved again under us. Requeue and let the next cycle
		// reconcile from fresh state.
		return false, s.queue.Fail(ctx, action.ID, "remote state changed during reconciliation", false)
	}
}

func (s *Scheduler) submit(ctx context.Context, action domain.QueuedAction) (domain.SubmitResponse, error) {
	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()
	return s.remote.Submit(submitCtx, action)
}

func (s *Scheduler) commit(ctx context.Context, actionID string) error {
	if err := s.queue.Commit(ctx, actionID); err != nil {
		return err
	}
	s.metrics.ActionsCommitted.Inc()
	return nil
}

func (s *Scheduler) finishCycle(ctx context.Context, committed, initial int, result cycleResult) {
	remaining := s.queue.Len()
	s.metrics.QueueDepth.Set(float64(remaining))
	s.metrics.DrainCycles.WithLabelValues(string(result)).Inc()

	if result == cycleFull {
		s.markSynced(ctx)
	}

	s.notifier.Publish(notify.Event{
		Type:      notify.EventSyncCompleted,
		At:        s.now().UTC(),
		Committed: committed,
		Remaining: remaining,
	})
	s.logger.Info("drain cycle finished",
		zap.String("result", string(result)),
		zap.Int("committed", committed),
		zap.Int("initial", initial),
		zap.Int("remaining", remaining))
}

// markSynced records a fully successful drain.
func (s *Scheduler) markSynced(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	s.lastSync = &now
	s.progress = 100
	s.mu.Unlock()

	if err := s.store.PutSyncMeta(ctx, domain.SyncMeta{LastSync: &now}); err != nil {
		s.logger.Warn("sync metadata not persisted", zap.Error(err))
	}
}

func (s *Scheduler) setProgress(p int) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

// scheduleRetry arms a one-shot follow-up trigger after a failed cycle.
func (s *Scheduler) scheduleRetry(delay time.Duration) {
	if delay == backoff.Stop {
		return
	}
	time.AfterFunc(delay, func() { s.TriggerNow("backoff-retry") })
}
