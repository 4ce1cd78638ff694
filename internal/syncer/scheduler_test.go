package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/metrics"
	"rutapos/core/internal/notify"
	"rutapos/core/internal/queue"
	"rutapos/core/internal/store/memory"
)

// fakeRemote scripts Submit responses and records every submission it saw.
type fakeRemote struct {
	mu        sync.Mutex
	submitted []domain.QueuedAction
	respond   func(n int, action domain.QueuedAction) (domain.SubmitResponse, error)
	inFlight  int32
	maxDepth  int32
}

func ackAll(_ int, action domain.QueuedAction) (domain.SubmitResponse, error) {
	return domain.SubmitResponse{ActionID: action.ID, Status: domain.SubmitAck, NewVersion: 1}, nil
}

func (f *fakeRemote) Submit(_ context.Context, action domain.QueuedAction) (domain.SubmitResponse, error) {
	depth := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxDepth)
		if depth <= max || atomic.CompareAndSwapInt32(&f.maxDepth, max, depth) {
			break
		}
	}

	f.mu.Lock()
	n := len(f.submitted)
	f.submitted = append(f.submitted, action)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		respond = ackAll
	}
	return respond(n, action)
}

func (f *fakeRemote) Health(context.Context) error { return nil }

func (f *fakeRemote) submissions() []domain.QueuedAction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.QueuedAction, len(f.submitted))
	copy(out, f.submitted)
	return out
}

type fixture struct {
	queue  *queue.Queue
	store  *memory.Store
	remote *fakeRemote
	sched  *Scheduler
	rec    *notify.Recorder
}

func newFixture(t *testing.T, remote *fakeRemote) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	rec := notify.NewRecorder()
	logger := zap.NewNop()
	m := metrics.Nop()

	q, err := queue.Load(ctx, st, rec, logger)
	require.NoError(t, err)

	sched, err := NewScheduler(ctx, q, remote, st, NewReconciler(rec, m, logger), rec, m, logger, Config{
		Interval:      time.Hour, // tests drive cycles explicitly
		SubmitTimeout: time.Second,
	})
	require.NoError(t, err)
	return &fixture{queue: q, store: st, remote: remote, sched: sched, rec: rec}
}

func (f *fixture) enqueueStock(t *testing.T, sku string, delta int) domain.QueuedAction {
	t.Helper()
	action, err := f.queue.Enqueue(context.Background(), domain.ActionAdjustStock, sku,
		domain.AdjustStockPayload{SKU: sku, Delta: delta})
	require.NoError(t, err)
	return action
}

func TestDrainCommitsInSubmissionOrder(t *testing.T) {
	remote := &fakeRemote{}
	f := newFixture(t, remote)

	a := f.enqueueStock(t, "SKU-A", -1)
	b := f.enqueueStock(t, "SKU-B", -2)
	c := f.enqueueStock(t, "SKU-C", -3)

	f.sched.DrainOnce(context.Background(), "test")

	assert.Equal(t, 0, f.queue.Len())
	submitted := f.remote.submissions()
	require.Len(t, submitted, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID},
		[]string{submitted[0].ID, submitted[1].ID, submitted[2].ID})

	status := f.sched.Status()
	assert.False(t, status.IsSyncing)
	assert.Equal(t, 100, status.Progress)
	require.NotNil(t, status.LastSync)

	assert.Len(t, f.rec.ByType(notify.EventSyncStarted), 1)
	completed := f.rec.ByType(notify.EventSyncCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 3, completed[0].Committed)
	assert.Equal(t, 0, completed[0].Remaining)
}

func TestNetworkFailureStopsCycleEarly(t *testing.T) {
	remote := &fakeRemote{}
	remote.respond = func(n int, action domain.QueuedAction) (domain.SubmitResponse, error) {
		if n == 1 {
			return domain.SubmitResponse{}, errors.New("connection reset")
		}
		return ackAll(n, action)
	}
	f := newFixture(t, remote)

	f.enqueueStock(t, "SKU-A", -1)
	failing := f.enqueueStock(t, "SKU-B", -2)
	f.enqueueStock(t, "SKU-C", -3)

	f.sched.DrainOnce(context.Background(), "test")

	// First committed, second failed once, third never attempted.
	assert.Equal(t, 2, f.queue.Len())
	assert.Len(t, f.remote.submissions(), 2)

	actions := f.queue.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, failing.ID, actions[0].ID)
	assert.Equal(t, 1, actions[0].Attempts)
	assert.Equal(t, domain.ActionFailed, actions[0].Status)
	assert.Equal(t, 0, actions[1].Attempts)

	// A partial drain never advances lastSync.
	assert.Nil(t, f.sched.Status().LastSync)
}

func TestRejectionDeadLettersAndContinues(t *testing.T) {
	remote := &fakeRemote{}
	remote.respond = func(n int, action domain.QueuedAction) (domain.SubmitResponse, error) {
		if n == 0 {
			return domain.SubmitResponse{ActionID: action.ID, Status: domain.SubmitRejected, Reason: "unknown product"}, nil
		}
		return ackAll(n, action)
	}
	f := newFixture(t, remote)

	rejected := f.enqueueStock(t, "SKU-GONE", -1)
	f.enqueueStock(t, "SKU-B", -2)

	f.sched.DrainOnce(context.Background(), "test")

	assert.Equal(t, 0, f.queue.Len())
	dead := f.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, rejected.ID, dead[0].ID)
	assert.Equal(t, "unknown product", dead[0].DeadReason)

	abandoned := f.rec.ByType(notify.EventSyncActionAbandoned)
	require.Len(t, abandoned, 1)
	assert.Equal(t, rejected.ID, abandoned[0].ActionID)
}

func TestDuplicateSubmissionIsIdempotent(t *testing.T) {
	// The ack for the first submission is lost in transit; the retry is
	// answered from the remote's idempotency record.
	remote := &fakeRemote{}
	remote.respond = func(n int, action domain.QueuedAction) (domain.SubmitResponse, error) {
		if n == 0 {
			return domain.SubmitResponse{}, errors.New("ack lost")
		}
		return domain.SubmitResponse{ActionID: action.ID, Status: domain.SubmitAck, NewVersion: 1, Duplicate: true}, nil
	}
	f := newFixture(t, remote)

	action := f.enqueueStock(t, "SKU-A", -1)

	f.sched.DrainOnce(context.Background(), "first")
	assert.Equal(t, 1, f.queue.Len())

	f.sched.DrainOnce(context.Background(), "retry")
	assert.Equal(t, 0, f.queue.Len())

	submitted := f.remote.submissions()
	require.Len(t, submitted, 2)
	assert.Equal(t, action.ID, submitted[0].ID)
	assert.Equal(t, action.ID, submitted[1].ID, "retries reuse the same idempotency key")
}

func TestConflictResubmitsAmendedCopy(t *testing.T) {
	remote := &fakeRemote{}
	remote.respond = func(n int, action domain.QueuedAction) (domain.SubmitResponse, error) {
		if n == 0 {
			return domain.SubmitResponse{
				ActionID: action.ID,
				Status:   domain.SubmitConflict,
				Conflict: &domain.ConflictInfo{
					EntityKind: "stock",
					EntityID:   "SKU-A",
					Stock:      map[string]int{"SKU-A": 4},
				},
			}, nil
		}
		return ackAll(n, action)
	}
	f := newFixture(t, remote)

	f.enqueueStock(t, "SKU-A", -10)
	f.sched.DrainOnce(context.Background(), "test")

	assert.Equal(t, 0, f.queue.Len())
	submitted := f.remote.submissions()
	require.Len(t, submitted, 2)

	var amended domain.AdjustStockPayload
	require.NoError(t, domain.DecodePayload(submitted[1].Payload, &amended))
	assert.Equal(t, -4, amended.Delta)

	events := f.rec.ByType(notify.EventConflictResolved)
	require.Len(t, events, 1)
	assert.Equal(t, 10, events[0].Conflict.RequestedQty)
	assert.Equal(t, 4, events[0].Conflict.AppliedQty)
}

func TestConflictAgainstTerminalPaymentCommitsAsSatisfied(t *testing.T) {
	remote := &fakeRemote{}
	remote.respond = func(n int, action domain.QueuedAction) (domain.SubmitResponse, error) {
		return domain.SubmitResponse{
			ActionID: action.ID,
			Status:   domain.SubmitConflict,
			Conflict: &domain.ConflictInfo{
				EntityKind:    "payment",
				EntityID:      "pay-1",
				PaymentStatus: domain.PaymentPagado,
			},
		}, nil
	}
	f := newFixture(t, remote)

	_, err := f.queue.Enqueue(context.Background(), domain.ActionMarkPaymentPaid, "pay-1",
		domain.MarkPaymentPaidPayload{PaymentID: "pay-1"})
	require.NoError(t, err)

	f.sched.DrainOnce(context.Background(), "test")

	assert.Equal(t, 0, f.queue.Len())
	assert.Empty(t, f.queue.DeadLetters())
	assert.Len(t, f.remote.submissions(), 1, "no resubmission when the remote already satisfies the intent")
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	remote := &fakeRemote{}
	remote.respond = func(n int, action domain.QueuedAction) (domain.SubmitResponse, error) {
		time.Sleep(5 * time.Millisecond)
		return ackAll(n, action)
	}
	f := newFixture(t, remote)

	for i := 0; i < 8; i++ {
		f.enqueueStock(t, "SKU-A", -1)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.sched.DrainOnce(context.Background(), "concurrent")
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, int32(1), atomic.LoadInt32(&remote.maxDepth),
		"at most one drain cycle may talk to the remote at any instant")
	assert.Len(t, f.remote.submissions(), 8, "coalescing must not resubmit committed actions")
}
