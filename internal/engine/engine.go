// Package engine owns the scheduled-task lifecycle: timer arming, attempt
// cycles, retry decisions, recurrence, and startup reconciliation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"courier/internal/admission"
	"courier/internal/domain"
	"courier/internal/gateway"
	"courier/internal/recur"
	"courier/internal/retry"
	"courier/internal/store"
)

type Config struct {
	MaxRetries          int           // default 3
	BaseBackoff         time.Duration // default 5m
	SweepInterval       time.Duration // default 60s
	AdmissionWeight     int           // default 1
	AdmissionRetryDelay time.Duration // fallback delay on denial without a hint, default 30s
	MaxInFlight         int           // concurrent attempt cycles, default 8
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = retry.DefaultBaseDelay
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.AdmissionWeight <= 0 {
		c.AdmissionWeight = 1
	}
	if c.AdmissionRetryDelay <= 0 {
		c.AdmissionRetryDelay = 30 * time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	return c
}

// ScheduleOptions are per-task overrides for Schedule.
type ScheduleOptions struct {
	MaxRetries *int
}

// Updates are the mutable fields of a pending task for Reschedule.
type Updates struct {
	ScheduledAt *time.Time
	Destination *string
	Payload     []byte
	MaxRetries  *int
}

const stripeCount = 16

// Engine is the single scheduling authority for the tasks it persists. It
// exclusively owns the in-memory timer registry; the store exclusively owns
// the durable representation.
type Engine struct {
	cfg    Config
	store  *store.TaskStore
	gw     gateway.Gateway
	adm    admission.Controller
	policy retry.Policy
	clock  Clock
	log    zerolog.Logger

	mu         sync.Mutex
	running    bool
	runCtx     context.Context
	runCancel  context.CancelFunc
	stop       chan struct{}
	timers     map[string]Timer // task id -> armed timer
	recTimers  map[string]Timer // schedule id -> armed timer
	inflight   map[string]struct{}
	delivering map[string]struct{}

	sem chan struct{}
	wg  sync.WaitGroup

	// stripes serialize the pre-delivery claim against cancel/reschedule
	// for the same task id.
	stripes [stripeCount]sync.Mutex
}

func New(cfg Config, st *store.TaskStore, gw gateway.Gateway, adm admission.Controller, log zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	if adm == nil {
		adm = admission.AllowAll{}
	}
	return &Engine{
		cfg:        cfg,
		store:      st,
		gw:         gw,
		adm:        adm,
		policy:     retry.NewPolicy(cfg.BaseBackoff),
		clock:      SystemClock(),
		log:        log.With().Str("component", "engine").Logger(),
		timers:     map[string]Timer{},
		recTimers:  map[string]Timer{},
		inflight:   map[string]struct{}{},
		delivering: map[string]struct{}{},
		sem:        make(chan struct{}, cfg.MaxInFlight),
	}
}

// Start reconciles timers from durable state and begins the periodic sweep.
// It fails, leaving the engine not ready, if the store cannot be read.
// Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx = runCtx
	e.runCancel = cancel
	e.stop = make(chan struct{})
	stopCh := e.stop
	e.mu.Unlock()

	if err := e.reconcile(ctx); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	e.wg.Add(1)
	go e.sweepLoop(runCtx)

	// keep lifecycle state in step with the caller's context: once it dies
	// the engine must not keep claiming to run with armed timers
	go func() {
		select {
		case <-stopCh:
		case <-runCtx.Done():
			e.Stop()
		}
	}()

	e.log.Info().Dur("sweep_interval", e.cfg.SweepInterval).Msg("engine started")
	return nil
}

// Stop disarms every timer and waits for in-flight attempt cycles to drain.
// Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	cancel := e.runCancel
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	for id, t := range e.recTimers {
		t.Stop()
		delete(e.recTimers, id)
	}
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.log.Info().Msg("engine stopped")
}

// Schedule persists a pending one-shot task and arms its timer. The due
// instant must be strictly in the future.
func (e *Engine) Schedule(ctx context.Context, destination string, payload []byte, at time.Time, opts ScheduleOptions) (string, error) {
	now := e.clock.Now()
	if !at.After(now) {
		return "", fmt.Errorf("%w: %s is not after %s", domain.ErrInvalidSchedule, at.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	maxRetries := e.cfg.MaxRetries
	if opts.MaxRetries != nil {
		if *opts.MaxRetries < 0 {
			return "", fmt.Errorf("%w: negative max retries", domain.ErrInvalidSchedule)
		}
		maxRetries = *opts.MaxRetries
	}

	task := domain.ScheduledTask{
		ID:          "tsk_" + uuid.NewString(),
		Destination: destination,
		Payload:     payload,
		ScheduledAt: at,
		Status:      domain.StatusPending,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.PutTask(ctx, task); err != nil {
		return "", err
	}
	e.armTask(task.ID, at)
	e.log.Info().Str("task_id", task.ID).Time("at", at).Msg("task scheduled")
	return task.ID, nil
}

// Cancel marks a pending task cancelled and disarms its timer. Returns false
// if the task is absent, terminal, or already past its pre-delivery claim.
func (e *Engine) Cancel(ctx context.Context, id string) (bool, error) {
	l := e.stripe(id)
	l.Lock()
	defer l.Unlock()

	if e.isDelivering(id) {
		return false, nil
	}
	task, err := e.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if task.Status != domain.StatusPending {
		return false, nil
	}
	task.Status = domain.StatusCancelled
	task.UpdatedAt = e.clock.Now()
	if err := e.store.PutTask(ctx, task); err != nil {
		return false, err
	}
	e.disarmTask(id)
	e.log.Info().Str("task_id", id).Msg("task cancelled")
	return true, nil
}

// Reschedule updates a pending task, rearming its timer when the due instant
// changes. Returns false if the task is absent, terminal, or mid-attempt.
func (e *Engine) Reschedule(ctx context.Context, id string, upd Updates) (bool, error) {
	if upd.ScheduledAt != nil && !upd.ScheduledAt.After(e.clock.Now()) {
		return false, fmt.Errorf("%w: %s", domain.ErrInvalidSchedule, upd.ScheduledAt.Format(time.RFC3339))
	}
	if upd.MaxRetries != nil && *upd.MaxRetries < 0 {
		return false, fmt.Errorf("%w: negative max retries", domain.ErrInvalidSchedule)
	}

	l := e.stripe(id)
	l.Lock()
	defer l.Unlock()

	if e.isDelivering(id) {
		return false, nil
	}
	task, err := e.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if task.Status != domain.StatusPending {
		return false, nil
	}

	rearm := false
	if upd.ScheduledAt != nil && !upd.ScheduledAt.Equal(task.ScheduledAt) {
		task.ScheduledAt = *upd.ScheduledAt
		rearm = true
	}
	if upd.Destination != nil {
		task.Destination = *upd.Destination
	}
	if upd.Payload != nil {
		task.Payload = upd.Payload
	}
	if upd.MaxRetries != nil {
		task.MaxRetries = *upd.MaxRetries
	}
	task.UpdatedAt = e.clock.Now()
	if err := e.store.PutTask(ctx, task); err != nil {
		return false, err
	}
	if rearm {
		e.armTask(id, task.ScheduledAt)
	}
	e.log.Info().Str("task_id", id).Time("at", task.ScheduledAt).Msg("task rescheduled")
	return true, nil
}

// Query returns a task by id; store.ErrNotFound when absent.
func (e *Engine) Query(ctx context.Context, id string) (domain.ScheduledTask, error) {
	return e.store.GetTask(ctx, id)
}

// List returns tasks, filtered by status when filter is non-empty.
func (e *Engine) List(ctx context.Context, filter domain.Status) ([]domain.ScheduledTask, error) {
	return e.store.ListTasks(ctx, filter)
}

// ScheduleRecurring persists an active recurring schedule with its first
// occurrence computed from the pattern, and arms its timer.
func (e *Engine) ScheduleRecurring(ctx context.Context, destination string, payload []byte, pattern string) (string, error) {
	p, err := recur.Parse(pattern)
	if err != nil {
		return "", err
	}
	now := e.clock.Now()
	sched := domain.RecurringSchedule{
		ID:          "sch_" + uuid.NewString(),
		Pattern:     pattern,
		Destination: destination,
		Payload:     payload,
		NextRun:     p.Next(now),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.PutRecurring(ctx, sched); err != nil {
		return "", err
	}
	e.armRecurring(sched.ID, sched.NextRun)
	e.log.Info().Str("schedule_id", sched.ID).Str("pattern", pattern).Time("next_run", sched.NextRun).Msg("recurring schedule created")
	return sched.ID, nil
}

// CancelRecurring deactivates a schedule and disarms its timer. Returns
// false if absent or already inactive.
func (e *Engine) CancelRecurring(ctx context.Context, id string) (bool, error) {
	l := e.stripe(recKey(id))
	l.Lock()
	defer l.Unlock()

	sched, err := e.store.GetRecurring(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sched.IsActive {
		return false, nil
	}
	sched.IsActive = false
	sched.UpdatedAt = e.clock.Now()
	if err := e.store.PutRecurring(ctx, sched); err != nil {
		return false, err
	}
	e.disarmRecurring(id)
	e.log.Info().Str("schedule_id", id).Msg("recurring schedule cancelled")
	return true, nil
}

// ListRecurring returns recurring schedules, only active ones when activeOnly
// is set.
func (e *Engine) ListRecurring(ctx context.Context, activeOnly bool) ([]domain.RecurringSchedule, error) {
	return e.store.ListRecurring(ctx, activeOnly)
}

// reconcile rebuilds the timer registry from durable state: overdue pending
// tasks get an immediate attempt cycle, future ones a timer, and active
// recurring schedules are rearmed.
func (e *Engine) reconcile(ctx context.Context) error {
	tasks, err := e.store.ListTasks(ctx, domain.StatusPending)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	due := 0
	for _, t := range tasks {
		if t.ScheduledAt.After(now) {
			e.armTask(t.ID, t.ScheduledAt)
			continue
		}
		due++
		e.dispatchTask(t.ID)
	}

	scheds, err := e.store.ListRecurring(ctx, true)
	if err != nil {
		return err
	}
	for _, s := range scheds {
		if s.NextRun.After(now) {
			e.armRecurring(s.ID, s.NextRun)
		} else {
			e.dispatchRecurring(s.ID)
		}
	}
	e.log.Info().Int("pending", len(tasks)).Int("due", due).Int("recurring", len(scheds)).Msg("reconciled from store")
	return nil
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-t.C:
			e.sweepOnce(ctx)
		}
	}
}

// sweepOnce re-scans durable state and repairs lost timers: overdue pending
// tasks with no live timer and no in-flight cycle get an attempt cycle. Safe
// to run concurrently with timer fires; the inflight set and the status
// re-check keep it idempotent.
func (e *Engine) sweepOnce(ctx context.Context) {
	tasks, err := e.store.ListTasks(ctx, domain.StatusPending)
	if err != nil {
		e.log.Error().Err(err).Msg("sweep: list tasks")
		return
	}
	now := e.clock.Now()
	for _, t := range tasks {
		e.mu.Lock()
		_, armed := e.timers[t.ID]
		_, busy := e.inflight[t.ID]
		e.mu.Unlock()
		if armed || busy {
			continue
		}
		if t.ScheduledAt.After(now) {
			// timer was lost, rearm for the future instant
			e.armTask(t.ID, t.ScheduledAt)
			continue
		}
		e.log.Warn().Str("task_id", t.ID).Time("due", t.ScheduledAt).Msg("sweep: overdue task without timer")
		e.dispatchTask(t.ID)
	}

	scheds, err := e.store.ListRecurring(ctx, true)
	if err != nil {
		e.log.Error().Err(err).Msg("sweep: list schedules")
		return
	}
	for _, s := range scheds {
		e.mu.Lock()
		_, armed := e.recTimers[s.ID]
		_, busy := e.inflight[recKey(s.ID)]
		e.mu.Unlock()
		if armed || busy {
			continue
		}
		if s.NextRun.After(now) {
			e.armRecurring(s.ID, s.NextRun)
		} else {
			e.dispatchRecurring(s.ID)
		}
	}
}

func recKey(id string) string { return "recurring/" + id }

func (e *Engine) dispatchTask(id string) {
	e.dispatch(id, func(ctx context.Context) { e.runCycle(ctx, id) })
}

func (e *Engine) dispatchRecurring(id string) {
	e.dispatch(recKey(id), func(ctx context.Context) { e.fireRecurring(ctx, id) })
}

// dispatch runs fn on its own goroutine, bounded by the semaphore, with at
// most one in-flight execution per key.
func (e *Engine) dispatch(key string, fn func(context.Context)) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	if _, busy := e.inflight[key]; busy {
		e.mu.Unlock()
		return
	}
	e.inflight[key] = struct{}{}
	ctx := e.runCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		fn(ctx)
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
	}()
}

// runCycle is one attempt cycle: re-check status, claim the task, consult
// admission control, deliver, and apply the resulting transition.
func (e *Engine) runCycle(ctx context.Context, id string) {
	l := e.stripe(id)
	l.Lock()
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		l.Unlock()
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Error().Err(err).Str("task_id", id).Msg("attempt: load task")
		}
		return
	}
	if task.Status != domain.StatusPending {
		// cancelled or completed by another path
		l.Unlock()
		return
	}
	now := e.clock.Now()
	if task.ScheduledAt.After(now) {
		// clock adjustment or reschedule race, push the timer out
		e.armTask(id, task.ScheduledAt)
		l.Unlock()
		return
	}
	e.mu.Lock()
	e.delivering[id] = struct{}{}
	e.mu.Unlock()
	l.Unlock()

	dec := e.adm.CheckAndConsume(ctx, task.Destination, e.cfg.AdmissionWeight)
	if !dec.Allowed {
		delay := dec.RetryAfter
		if delay <= 0 {
			delay = e.cfg.AdmissionRetryDelay
		}
		// not a delivery failure: retry budget untouched
		e.log.Debug().Str("task_id", id).Dur("retry_after", delay).Msg("admission denied")
		e.writeBack(ctx, id, func(t *domain.ScheduledTask) bool {
			t.ScheduledAt = now.Add(delay)
			return true
		})
		return
	}

	res, sendErr := e.gw.Send(ctx, task.Destination, task.Payload)
	if sendErr == nil {
		e.log.Info().Str("task_id", id).Str("delivery_id", res.DeliveryID).Msg("delivered")
		e.writeBack(ctx, id, func(t *domain.ScheduledTask) bool {
			t.Status = domain.StatusSent
			return false
		})
		return
	}

	delay, retryable := e.policy.Next(task.RetryCount, task.MaxRetries)
	if !retryable {
		e.log.Warn().Err(sendErr).Str("task_id", id).Int("retry_count", task.RetryCount).Msg("retries exhausted")
		e.writeBack(ctx, id, func(t *domain.ScheduledTask) bool {
			t.Status = domain.StatusFailed
			return false
		})
		return
	}
	e.log.Warn().Err(sendErr).Str("task_id", id).Int("retry", task.RetryCount+1).Dur("backoff", delay).Msg("delivery failed, retrying")
	e.writeBack(ctx, id, func(t *domain.ScheduledTask) bool {
		t.RetryCount++
		t.ScheduledAt = now.Add(delay)
		return true
	})
}

// writeBack applies the attempt outcome under the task's stripe, releases
// the claim, and rearms when the mutation asks for it. A task that left
// pending in the meantime keeps its state: terminal statuses are never
// overwritten.
func (e *Engine) writeBack(ctx context.Context, id string, mutate func(*domain.ScheduledTask) (rearm bool)) {
	l := e.stripe(id)
	l.Lock()
	defer l.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.delivering, id)
		e.mu.Unlock()
	}()

	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		e.log.Error().Err(err).Str("task_id", id).Msg("attempt: reload for write-back")
		return
	}
	if task.Status != domain.StatusPending {
		return
	}
	rearm := mutate(&task)
	task.UpdatedAt = e.clock.Now()
	if err := e.store.PutTask(ctx, task); err != nil {
		// timer state stands as source of truth until the sweep reconciles
		e.log.Error().Err(err).Str("task_id", id).Msg("attempt: write-back failed")
	}
	if rearm {
		e.armTask(id, task.ScheduledAt)
	}
}

// fireRecurring materializes one occurrence as a one-shot task, advances
// next_run from the pattern, and rearms. Serialized against CancelRecurring
// by the schedule's stripe so a deactivated schedule never gains another
// occurrence.
func (e *Engine) fireRecurring(ctx context.Context, id string) {
	l := e.stripe(recKey(id))
	l.Lock()
	defer l.Unlock()

	sched, err := e.store.GetRecurring(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Error().Err(err).Str("schedule_id", id).Msg("recurring: load")
		}
		return
	}
	if !sched.IsActive {
		return
	}
	p, err := recur.Parse(sched.Pattern)
	if err != nil {
		e.log.Error().Err(err).Str("schedule_id", id).Msg("recurring: stored pattern no longer parses")
		return
	}
	now := e.clock.Now()

	task := domain.ScheduledTask{
		ID:          "tsk_" + uuid.NewString(),
		Destination: sched.Destination,
		Payload:     sched.Payload,
		ScheduledAt: now,
		Status:      domain.StatusPending,
		MaxRetries:  e.cfg.MaxRetries,
		ScheduleID:  sched.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	materialized := true
	if err := e.store.PutTask(ctx, task); err != nil {
		// skip this occurrence, the next one still gets armed
		e.log.Error().Err(err).Str("schedule_id", id).Msg("recurring: persist occurrence")
		materialized = false
	}

	sched.NextRun = p.Next(now)
	sched.UpdatedAt = now
	if err := e.store.PutRecurring(ctx, sched); err != nil {
		e.log.Error().Err(err).Str("schedule_id", id).Msg("recurring: advance next run")
	}
	e.armRecurring(id, sched.NextRun)

	if materialized {
		e.log.Info().Str("schedule_id", id).Str("task_id", task.ID).Time("next_run", sched.NextRun).Msg("occurrence materialized")
		e.dispatchTask(task.ID)
	}
}

func (e *Engine) armTask(id string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if t, ok := e.timers[id]; ok {
		t.Stop()
	}
	d := at.Sub(e.clock.Now())
	if d < 0 {
		d = 0
	}
	e.timers[id] = e.clock.AfterFunc(d, func() { e.onTaskTimer(id) })
}

func (e *Engine) disarmTask(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) onTaskTimer(id string) {
	e.mu.Lock()
	delete(e.timers, id)
	e.mu.Unlock()
	e.dispatchTask(id)
}

func (e *Engine) armRecurring(id string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if t, ok := e.recTimers[id]; ok {
		t.Stop()
	}
	d := at.Sub(e.clock.Now())
	if d < 0 {
		d = 0
	}
	e.recTimers[id] = e.clock.AfterFunc(d, func() { e.onRecurringTimer(id) })
}

func (e *Engine) disarmRecurring(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.recTimers[id]; ok {
		t.Stop()
		delete(e.recTimers, id)
	}
}

func (e *Engine) onRecurringTimer(id string) {
	e.mu.Lock()
	delete(e.recTimers, id)
	e.mu.Unlock()
	e.dispatchRecurring(id)
}

func (e *Engine) isDelivering(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.delivering[id]
	return ok
}

func (e *Engine) stripe(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &e.stripes[h.Sum32()%stripeCount]
}
