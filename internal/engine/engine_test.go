package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/admission"
	"courier/internal/domain"
	"courier/internal/gateway"
	"courier/internal/kv"
	"courier/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

// AfterFunc only records intent; tests drive attempt cycles directly.
func (c *fakeClock) AfterFunc(time.Duration, func()) Timer { return noopTimer{} }

type fakeGateway struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many sends before succeeding
	lastDest string
}

func (g *fakeGateway) Send(_ context.Context, dest string, _ []byte) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastDest = dest
	if g.failures > 0 {
		g.failures--
		return gateway.Result{}, errors.New("downstream unavailable")
	}
	return gateway.Result{DeliveryID: "dlv_test"}, nil
}

func (g *fakeGateway) sent() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeAdmission struct {
	decision admission.Decision
}

func (a fakeAdmission) CheckAndConsume(context.Context, string, int) admission.Decision {
	return a.decision
}

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, gw gateway.Gateway, adm admission.Controller, cfg Config) (*Engine, *store.TaskStore, *fakeClock) {
	t.Helper()
	st := store.New(kv.NewMemory())
	e := New(cfg, st, gw, adm, zerolog.Nop())
	fc := newFakeClock(baseTime)
	e.clock = fc
	return e, st, fc
}

func start(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
}

func TestScheduleRejectsPastInstant(t *testing.T) {
	e, st, _ := newTestEngine(t, &fakeGateway{}, nil, Config{})
	ctx := context.Background()

	_, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(-time.Second), ScheduleOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)

	// exactly now is not strictly in the future either
	_, err = e.Schedule(ctx, "dst", []byte("p"), baseTime, ScheduleOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)

	// nothing persisted
	tasks, err := st.ListTasks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestScheduleAndQueryPending(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeGateway{}, nil, Config{})
	start(t, e)
	ctx := context.Background()

	at := baseTime.Add(time.Hour)
	id, err := e.Schedule(ctx, "dst", []byte("p"), at, ScheduleOptions{})
	require.NoError(t, err)

	task, err := e.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Equal(t, 3, task.MaxRetries)
	require.WithinDuration(t, at, task.ScheduledAt, 0)

	e.mu.Lock()
	_, armed := e.timers[id]
	e.mu.Unlock()
	assert.True(t, armed)
}

func TestCancelIsIdempotent(t *testing.T) {
	gw := &fakeGateway{}
	e, _, _ := newTestEngine(t, gw, nil, Config{})
	start(t, e)
	ctx := context.Background()

	id, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Hour), ScheduleOptions{})
	require.NoError(t, err)

	ok, err := e.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	task, err := e.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, task.Status)

	e.mu.Lock()
	_, armed := e.timers[id]
	e.mu.Unlock()
	assert.False(t, armed)

	// a late fire is a no-op for a cancelled task
	e.runCycle(ctx, id)
	assert.Zero(t, gw.sent())
}

func TestCancelAbsentTask(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeGateway{}, nil, Config{})
	ok, err := e.Cancel(context.Background(), "tsk_missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttemptDeliversAndMarksSent(t *testing.T) {
	gw := &fakeGateway{}
	e, _, fc := newTestEngine(t, gw, nil, Config{})
	ctx := context.Background()

	id, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Minute), ScheduleOptions{})
	require.NoError(t, err)

	fc.Advance(time.Minute)
	e.runCycle(ctx, id)

	assert.Equal(t, 1, gw.sent())
	assert.Equal(t, "dst", gw.lastDest)
	task, err := e.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, task.Status)
	assert.Equal(t, 0, task.RetryCount)
}

func TestEarlyFireRearmsWithoutAttempt(t *testing.T) {
	gw := &fakeGateway{}
	e, _, _ := newTestEngine(t, gw, nil, Config{})
	start(t, e)
	ctx := context.Background()

	id, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Hour), ScheduleOptions{})
	require.NoError(t, err)

	// clock has not reached the due instant yet
	e.runCycle(ctx, id)

	assert.Zero(t, gw.sent())
	task, err := e.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	e.mu.Lock()
	_, armed := e.timers[id]
	e.mu.Unlock()
	assert.True(t, armed)
}

func TestRetryBackoffSpacing(t *testing.T) {
	gw := &fakeGateway{failures: 2}
	base := time.Minute
	maxRetries := 2
	e, _, fc := newTestEngine(t, gw, nil, Config{BaseBackoff: base})
	ctx := context.Background()

	id, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Second), ScheduleOptions{MaxRetries: &maxRetries})
	require.NoError(t, err)

	// first attempt fails: one base delay
	fc.Advance(time.Second)
	due := fc.Now()
	e.runCycle(ctx, id)

	task, err := e.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	require.WithinDuration(t, due.Add(1*base), task.ScheduledAt, 0)

	// second attempt fails: two base delays
	fc.Advance(1 * base)
	due = fc.Now()
	e.runCycle(ctx, id)

	task, err = e.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	require.WithinDuration(t, due.Add(2*base), task.ScheduledAt, 0)

	// third attempt succeeds
	fc.Advance(2 * base)
	e.runCycle(ctx, id)

	task, err = e.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, 3, gw.sent())
}

func TestRetriesExhaustedReachesFailed(t *testing.T) {
	gw := &fakeGateway{failures: 1 << 30}
	maxRetries := 2
	e, _, fc := newTestEngine(t, gw, nil, Config{BaseBackoff: time.Minute})
	ctx := context.Background()

	id, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Second), ScheduleOptions{MaxRetries: &maxRetries})
	require.NoError(t, err)

	fc.Advance(time.Second)
	for i := 0; i < 3; i++ {
		e.runCycle(ctx, id)
		fc.Advance(time.Hour)
	}

	task, err := e.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Equal(t, maxRetries, task.RetryCount)

	// terminal: no further attempts
	sent := gw.sent()
	e.runCycle(ctx, id)
	assert.Equal(t, sent, gw.sent())
}

func TestAdmissionDenialUsesHintAndKeepsRetryBudget(t *testing.T) {
	gw := &fakeGateway{}
	adm := fakeAdmission{decision: admission.Decision{Allowed: false, RetryAfter: 90 * time.Second}}
	e, _, fc := newTestEngine(t, gw, adm, Config{})
	ctx := context.Background()

	id, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Second), ScheduleOptions{})
	require.NoError(t, err)

	fc.Advance(time.Second)
	due := fc.Now()
	e.runCycle(ctx, id)

	assert.Zero(t, gw.sent())
	task, err := e.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	require.WithinDuration(t, due.Add(90*time.Second), task.ScheduledAt, 0)
}

func TestAdmissionDenialWithoutHintUsesFixedDelay(t *testing.T) {
	gw := &fakeGateway{}
	adm := fakeAdmission{decision: admission.Decision{Allowed: false}}
	e, _, fc := newTestEngine(t, gw, adm, Config{AdmissionRetryDelay: 45 * time.Second})
	ctx := context.Background()

	id, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Second), ScheduleOptions{})
	require.NoError(t, err)

	fc.Advance(time.Second)
	due := fc.Now()
	e.runCycle(ctx, id)

	task, err := e.Query(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, task.RetryCount)
	require.WithinDuration(t, due.Add(45*time.Second), task.ScheduledAt, 0)
}

func TestCancelLosesToClaimedAttempt(t *testing.T) {
	e, st, _ := newTestEngine(t, &fakeGateway{}, nil, Config{})
	ctx := context.Background()

	id, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Hour), ScheduleOptions{})
	require.NoError(t, err)

	// a cycle has passed its status re-check and claimed the task
	e.mu.Lock()
	e.delivering[id] = struct{}{}
	e.mu.Unlock()

	ok, err := e.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
}

func TestWriteBackNeverOverwritesTerminal(t *testing.T) {
	e, st, _ := newTestEngine(t, &fakeGateway{}, nil, Config{})
	ctx := context.Background()

	id, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Hour), ScheduleOptions{})
	require.NoError(t, err)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	task.Status = domain.StatusCancelled
	require.NoError(t, st.PutTask(ctx, task))

	e.writeBack(ctx, id, func(t *domain.ScheduledTask) bool {
		t.Status = domain.StatusSent
		return false
	})

	task, err = st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, task.Status)
}

func TestReconcileFiresOverdueExactlyOnce(t *testing.T) {
	gw := &fakeGateway{}
	st := store.New(kv.NewMemory())
	ctx := context.Background()

	// pending tasks persisted by a previous process
	overdue := domain.ScheduledTask{
		ID: "tsk_overdue", Destination: "dst", Payload: []byte("p"),
		ScheduledAt: baseTime.Add(-time.Hour), Status: domain.StatusPending, MaxRetries: 3,
	}
	future := domain.ScheduledTask{
		ID: "tsk_future", Destination: "dst", Payload: []byte("p"),
		ScheduledAt: baseTime.Add(time.Hour), Status: domain.StatusPending, MaxRetries: 3,
	}
	require.NoError(t, st.PutTask(ctx, overdue))
	require.NoError(t, st.PutTask(ctx, future))

	e := New(Config{}, st, gw, nil, zerolog.Nop())
	e.clock = newFakeClock(baseTime)
	require.NoError(t, e.Start(ctx))
	t.Cleanup(e.Stop)

	require.Eventually(t, func() bool {
		task, err := st.GetTask(ctx, "tsk_overdue")
		return err == nil && task.Status == domain.StatusSent
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, gw.sent())

	// the future task only got a timer
	task, err := st.GetTask(ctx, "tsk_future")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	e.mu.Lock()
	_, armed := e.timers["tsk_future"]
	e.mu.Unlock()
	assert.True(t, armed)

	// a sweep right after must not produce a second attempt
	e.sweepOnce(ctx)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, gw.sent())
}

func TestSweepRecoversTaskWithoutTimer(t *testing.T) {
	gw := &fakeGateway{}
	e, st, _ := newTestEngine(t, gw, nil, Config{})
	start(t, e)
	ctx := context.Background()

	// written behind the engine's back, no timer exists
	lost := domain.ScheduledTask{
		ID: "tsk_lost", Destination: "dst", Payload: []byte("p"),
		ScheduledAt: baseTime.Add(-time.Minute), Status: domain.StatusPending, MaxRetries: 3,
	}
	require.NoError(t, st.PutTask(ctx, lost))

	e.sweepOnce(ctx)
	require.Eventually(t, func() bool {
		task, err := st.GetTask(ctx, "tsk_lost")
		return err == nil && task.Status == domain.StatusSent
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, gw.sent())
}

func TestSweepRearmsLostFutureTimer(t *testing.T) {
	e, st, _ := newTestEngine(t, &fakeGateway{}, nil, Config{})
	start(t, e)
	ctx := context.Background()

	future := domain.ScheduledTask{
		ID: "tsk_drift", Destination: "dst", Payload: []byte("p"),
		ScheduledAt: baseTime.Add(time.Hour), Status: domain.StatusPending, MaxRetries: 3,
	}
	require.NoError(t, st.PutTask(ctx, future))

	e.sweepOnce(ctx)

	e.mu.Lock()
	_, armed := e.timers["tsk_drift"]
	e.mu.Unlock()
	assert.True(t, armed)
}

func TestRescheduleMovesDueInstant(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeGateway{}, nil, Config{})
	start(t, e)
	ctx := context.Background()

	id, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Hour), ScheduleOptions{})
	require.NoError(t, err)

	at := baseTime.Add(2 * time.Hour)
	ok, err := e.Reschedule(ctx, id, Updates{ScheduledAt: &at})
	require.NoError(t, err)
	assert.True(t, ok)

	task, err := e.Query(ctx, id)
	require.NoError(t, err)
	require.WithinDuration(t, at, task.ScheduledAt, 0)

	// not allowed to move into the past
	past := baseTime.Add(-time.Hour)
	_, err = e.Reschedule(ctx, id, Updates{ScheduledAt: &past})
	assert.ErrorIs(t, err, domain.ErrInvalidSchedule)

	// not allowed once terminal
	_, err = e.Cancel(ctx, id)
	require.NoError(t, err)
	ok, err = e.Reschedule(ctx, id, Updates{ScheduledAt: &at})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecurringLifecycle(t *testing.T) {
	gw := &fakeGateway{}
	e, st, fc := newTestEngine(t, gw, nil, Config{})
	start(t, e)
	ctx := context.Background()

	fc.mu.Lock()
	fc.now = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	fc.mu.Unlock()

	_, err := e.ScheduleRecurring(ctx, "dst", []byte("daily"), "bogus pattern")
	assert.ErrorIs(t, err, domain.ErrInvalidPattern)

	id, err := e.ScheduleRecurring(ctx, "dst", []byte("daily"), "0 9 * * *")
	require.NoError(t, err)

	sched, err := st.GetRecurring(ctx, id)
	require.NoError(t, err)
	assert.True(t, sched.IsActive)
	// first run computed from the pattern, not a placeholder offset
	require.WithinDuration(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), sched.NextRun, 0)

	// occurrence fires: a one-shot task is materialized and delivered
	fc.mu.Lock()
	fc.now = sched.NextRun
	fc.mu.Unlock()
	e.fireRecurring(ctx, id)

	sched, err = st.GetRecurring(ctx, id)
	require.NoError(t, err)
	require.WithinDuration(t, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC), sched.NextRun, 0)

	tasks, err := st.ListTasks(ctx, "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ScheduleID)
	require.Eventually(t, func() bool { return gw.sent() == 1 }, time.Second, 5*time.Millisecond)

	// deactivation is terminal and idempotent
	ok, err := e.CancelRecurring(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.CancelRecurring(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	e.fireRecurring(ctx, id)
	tasks, err = st.ListTasks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, tasks, 1) // no new occurrence after deactivation
}

func TestRecurringFireAndCancelSerialize(t *testing.T) {
	gw := &fakeGateway{}
	e, st, _ := newTestEngine(t, gw, nil, Config{})
	start(t, e)
	ctx := context.Background()

	id, err := e.ScheduleRecurring(ctx, "dst", []byte("daily"), "0 9 * * *")
	require.NoError(t, err)

	// a fire in progress holds the schedule's stripe; cancellation must wait
	l := e.stripe(recKey(id))
	l.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		ok, err := e.CancelRecurring(ctx, id)
		assert.NoError(t, err)
		assert.True(t, ok)
	}()
	select {
	case <-done:
		t.Fatal("cancel proceeded without the schedule stripe")
	case <-time.After(50 * time.Millisecond):
	}
	l.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel never acquired the schedule stripe")
	}

	// a fire after deactivation materializes nothing
	e.fireRecurring(ctx, id)
	tasks, err := st.ListTasks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Zero(t, gw.sent())
}

func TestParentContextCancelStopsEngine(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeGateway{}, nil, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	t.Cleanup(e.Stop)

	_, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Hour), ScheduleOptions{})
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return !e.running && len(e.timers) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStartStopIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t, &fakeGateway{}, nil, Config{})
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx))

	_, err := e.Schedule(ctx, "dst", []byte("p"), baseTime.Add(time.Hour), ScheduleOptions{})
	require.NoError(t, err)

	e.Stop()
	e.Stop()

	e.mu.Lock()
	timers := len(e.timers)
	e.mu.Unlock()
	assert.Zero(t, timers, "stop must disarm all timers")
}
