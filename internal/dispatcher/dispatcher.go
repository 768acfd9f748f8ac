// Package dispatcher owns every delivery task. It is the only writer of task
// state: submissions, attempt outcomes, cancellation and crash recovery all
// pass through it, and every transition is written to the store before it
// becomes visible.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/austindbirch/tonerelay/internal/backoff"
	"github.com/austindbirch/tonerelay/internal/channel"
	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/logging"
	"github.com/austindbirch/tonerelay/internal/metrics"
	"github.com/austindbirch/tonerelay/internal/ratelimit"
	"github.com/austindbirch/tonerelay/internal/store"
	"github.com/austindbirch/tonerelay/internal/tracing"
)

// Policy is the retry configuration of one channel kind.
type Policy struct {
	MaxAttempts      int
	Backoff          backoff.Policy
	AttemptTimeout   time.Duration
	PermanentReasons []string
}

type Escalation struct {
	Group       string // push routing group that receives operator alerts
	MaxAttempts int
	Priority    int
}

// EscalationSink receives a copy of every escalation, e.g. the NSQ
// dead-letter publisher.
type EscalationSink interface {
	PublishEscalation(ctx context.Context, e delivery.Escalation) error
}

type Options struct {
	Store    store.Store
	Limiter  ratelimit.Limiter
	Channels channel.Registry
	Policies map[delivery.ChannelKind]Policy

	PoolSize     int
	PollInterval time.Duration
	MaxLifetime  time.Duration // 0 disables expiry
	Retention    time.Duration // 0 keeps terminal tasks forever
	PersistRetry time.Duration // max elapsed time retrying one store write

	Escalation Escalation
	Sinks      []EscalationSink

	Logger *logging.Logger
	Now    func() time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State   delivery.State
	Channel delivery.ChannelKind
	Limit   int
}

// pendingOutcome is an attempt result waiting for its store write.
type pendingOutcome struct {
	claim string
	out   delivery.Outcome
}

type Dispatcher struct {
	opts Options
	log  *logging.Logger
	now  func() time.Time
	sem  *semaphore.Weighted
	wake chan struct{}

	locks *taskLocks

	mu        sync.Mutex
	tasks     map[string]*delivery.Task
	running   map[string]string         // id -> claim token of the attempt still executing
	unsaved   map[string]pendingOutcome // outcomes whose transition is not yet durable
	waiters   map[string][]chan delivery.Task
	callbacks []func(delivery.Task)
	recovered bool

	wg sync.WaitGroup
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("dispatcher: store is required")
	}
	if len(opts.Channels) == 0 {
		return nil, errors.New("dispatcher: no channels configured")
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewMemory(nil)
	}
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.PersistRetry <= 0 {
		opts.PersistRetry = 10 * time.Second
	}
	if opts.Escalation.MaxAttempts < 1 {
		opts.Escalation.MaxAttempts = 3
	}
	if opts.Escalation.Priority == 0 {
		opts.Escalation.Priority = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("tonerelay-dispatcher")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		opts:    opts,
		log:     opts.Logger,
		now:     func() time.Time { return opts.Now().UTC() },
		sem:     semaphore.NewWeighted(int64(opts.PoolSize)),
		wake:    make(chan struct{}, 1),
		locks:   newTaskLocks(),
		tasks:   make(map[string]*delivery.Task),
		running: make(map[string]string),
		unsaved: make(map[string]pendingOutcome),
		waiters: make(map[string][]chan delivery.Task),
	}, nil
}

func (d *Dispatcher) policy(kind delivery.ChannelKind) Policy {
	p := d.opts.Policies[kind]
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = 10 * time.Second
	}
	return p
}

// Recover loads the store and reverts tasks a crashed process left in
// flight. It must run before Submit or Run.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	all, err := d.opts.Store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tasks: %w", err)
	}

	now := d.now()
	reverted := 0
	for i := range all {
		t := &all[i]
		if t.State != delivery.StateInFlight {
			continue
		}
		t.State = delivery.StatePending
		t.NextEligibleAt = now
		t.UpdatedAt = now
		if err := d.persist(ctx, "recover", *t); err != nil {
			return reverted, err
		}
		reverted++
	}

	d.mu.Lock()
	for i := range all {
		t := all[i]
		d.tasks[t.ID] = &t
	}
	d.recovered = true
	d.updateGauges()
	d.mu.Unlock()

	d.log.WithContext(ctx).
		WithField("tasks", len(all)).
		WithField("reverted", reverted).
		Info("state recovered")
	return reverted, nil
}

// Submit registers a new pending task. A submission whose ID matches a task
// that is still pending or in flight is coalesced and the existing task is
// returned with created=false.
func (d *Dispatcher) Submit(ctx context.Context, sub delivery.Submission) (delivery.Task, bool, error) {
	if err := validate(sub); err != nil {
		metrics.RecordSubmission(string(sub.Channel), "rejected")
		return delivery.Task{}, false, err
	}
	ch, ok := d.opts.Channels[sub.Channel]
	if !ok {
		metrics.RecordSubmission(string(sub.Channel), "rejected")
		return delivery.Task{}, false, fmt.Errorf("%w: channel %s is not configured", delivery.ErrInvalidTask, sub.Channel)
	}
	if v, ok := ch.(channel.Validator); ok {
		if err := v.Validate(sub); err != nil {
			metrics.RecordSubmission(string(sub.Channel), "rejected")
			return delivery.Task{}, false, err
		}
	}

	return d.submit(ctx, sub, false)
}

func (d *Dispatcher) submit(ctx context.Context, sub delivery.Submission, escalation bool) (delivery.Task, bool, error) {
	id := delivery.TaskID(sub.Channel, sub.Destination, sub.Payload)
	unlock := d.locks.lock(id)
	defer unlock()

	d.mu.Lock()
	if existing, ok := d.tasks[id]; ok && existing.State.Active() {
		snap := *existing
		d.mu.Unlock()
		metrics.RecordSubmission(string(sub.Channel), "duplicate")
		d.log.WithContext(ctx).WithTask(id).WithChannel(string(sub.Channel)).Debug("duplicate submission coalesced")
		return snap, false, nil
	}
	d.mu.Unlock()

	now := d.now()

	maxAttempts := sub.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.policy(sub.Channel).MaxAttempts
	}
	if sub.Payload.Timestamp.IsZero() {
		sub.Payload.Timestamp = now
	}
	t := delivery.Task{
		ID:             id,
		Channel:        sub.Channel,
		Destination:    sub.Destination,
		Payload:        sub.Payload,
		MaxAttempts:    maxAttempts,
		NextEligibleAt: now,
		State:          delivery.StatePending,
		Escalation:     escalation,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.persist(ctx, "submit", t); err != nil {
		metrics.RecordSubmission(string(sub.Channel), "rejected")
		return delivery.Task{}, false, err
	}
	d.mu.Lock()
	d.tasks[id] = &t
	d.updateGauges()
	d.mu.Unlock()
	metrics.RecordSubmission(string(sub.Channel), "created")

	d.log.WithContext(ctx).
		WithTask(id).
		WithChannel(string(t.Channel)).
		WithDestination(t.Destination).
		WithField("max_attempts", t.MaxAttempts).
		WithField("escalation", escalation).
		Info("task submitted")

	d.signal()
	return t, true, nil
}

func validate(sub delivery.Submission) error {
	switch sub.Channel {
	case delivery.ChannelWebhook, delivery.ChannelPush, delivery.ChannelFTP:
	default:
		return fmt.Errorf("%w: unknown channel %q", delivery.ErrInvalidTask, sub.Channel)
	}
	if strings.TrimSpace(sub.Destination) == "" {
		return fmt.Errorf("%w: destination is required", delivery.ErrInvalidTask)
	}
	if sub.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts must not be negative", delivery.ErrInvalidTask)
	}
	p := sub.Payload
	if p.Title == "" && p.Message == "" && len(p.Body) == 0 && p.SourcePath == "" {
		return fmt.Errorf("%w: payload is empty", delivery.ErrInvalidTask)
	}
	if p.Priority < -2 || p.Priority > 2 {
		return fmt.Errorf("%w: priority %d outside -2..2", delivery.ErrInvalidTask, p.Priority)
	}
	return nil
}

// Cancel stops a task that is not yet terminal. An attempt already running
// finishes, but its outcome no longer changes the task.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (delivery.Task, error) {
	unlock := d.locks.lock(id)
	defer unlock()

	d.mu.Lock()
	cur, ok := d.tasks[id]
	if !ok {
		d.mu.Unlock()
		return delivery.Task{}, delivery.ErrNotFound
	}
	if cur.State.Terminal() {
		snap := *cur
		d.mu.Unlock()
		return snap, delivery.ErrNotCancellable
	}
	t := *cur
	d.mu.Unlock()

	now := d.now()
	t.State = delivery.StateCancelled
	t.UpdatedAt = now
	t.FinishedAt = now
	if err := d.persist(ctx, "cancel", t); err != nil {
		return d.snapshot(id), err
	}

	d.mu.Lock()
	*cur = t
	if _, held := d.unsaved[id]; held {
		// the attempt already returned; its outcome is dropped with the task
		delete(d.unsaved, id)
		delete(d.running, id)
	}
	d.completeLocked(t)
	d.mu.Unlock()

	d.log.WithContext(ctx).WithTask(id).WithChannel(string(t.Channel)).Info("task cancelled")
	return t, nil
}

func (d *Dispatcher) snapshot(id string) delivery.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tasks[id]; ok {
		return *t
	}
	return delivery.Task{}
}

func (d *Dispatcher) Get(id string) (delivery.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return delivery.Task{}, delivery.ErrNotFound
	}
	return *t, nil
}

// List returns snapshots ordered by creation time, newest first.
func (d *Dispatcher) List(f Filter) []delivery.Task {
	d.mu.Lock()
	out := make([]delivery.Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		if f.State != "" && t.State != f.State {
			continue
		}
		if f.Channel != "" && t.Channel != f.Channel {
			continue
		}
		out = append(out, *t)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Wait blocks until the task reaches a terminal state or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context, id string) (delivery.Task, error) {
	d.mu.Lock()
	t, ok := d.tasks[id]
	if !ok {
		d.mu.Unlock()
		return delivery.Task{}, delivery.ErrNotFound
	}
	if t.State.Terminal() {
		snap := *t
		d.mu.Unlock()
		return snap, nil
	}
	ch := make(chan delivery.Task, 1)
	d.waiters[id] = append(d.waiters[id], ch)
	d.mu.Unlock()

	select {
	case done := <-ch:
		return done, nil
	case <-ctx.Done():
		d.mu.Lock()
		d.waiters[id] = slices.DeleteFunc(d.waiters[id], func(c chan delivery.Task) bool { return c == ch })
		if len(d.waiters[id]) == 0 {
			delete(d.waiters, id)
		}
		d.mu.Unlock()
		return delivery.Task{}, ctx.Err()
	}
}

// OnComplete registers fn to run, on its own goroutine, for every task that
// reaches a terminal state.
func (d *Dispatcher) OnComplete(fn func(delivery.Task)) {
	d.mu.Lock()
	d.callbacks = append(d.callbacks, fn)
	d.mu.Unlock()
}

// completeLocked notifies waiters and callbacks. d.mu must be held.
func (d *Dispatcher) completeLocked(t delivery.Task) {
	for _, ch := range d.waiters[t.ID] {
		ch <- t
	}
	delete(d.waiters, t.ID)
	for _, fn := range d.callbacks {
		d.wg.Add(1)
		go func(fn func(delivery.Task)) {
			defer d.wg.Done()
			fn(t)
		}(fn)
	}
	d.updateGauges()
}

// persist writes t, retrying with exponential backoff until the configured
// budget runs out. Callers hold the task lock of t.ID, never d.mu.
func (d *Dispatcher) persist(ctx context.Context, op string, t delivery.Task) error {
	b := cbackoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := cbackoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, d.opts.Store.Save(ctx, t)
	}, cbackoff.WithBackOff(b), cbackoff.WithMaxElapsedTime(d.opts.PersistRetry))
	if err != nil {
		metrics.RecordPersistenceFailure(op)
		d.log.WithContext(ctx).
			WithTask(t.ID).
			WithField("op", op).
			WithField("kind", string(delivery.KindPersistence)).
			WithError(err).
			Error("state write failed")
		return &delivery.PersistenceError{Op: op, TaskID: t.ID, Err: err}
	}
	return nil
}

// updateGauges requires d.mu.
func (d *Dispatcher) updateGauges() {
	counts := map[string]int{}
	for _, t := range d.tasks {
		counts[string(t.State)]++
	}
	metrics.SetTaskCounts(counts)
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run schedules passes until ctx ends, then waits for running attempts.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	recovered := d.recovered
	d.mu.Unlock()
	if !recovered {
		return errors.New("dispatcher: Recover must run before Run")
	}

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.WithContext(ctx).WithError(err).Warn("scheduler pass failed")
		}
		select {
		case <-ctx.Done():
			d.Drain()
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Drain waits for running attempts, escalation publishes and callbacks.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

func (d *Dispatcher) startAttempt(ctx context.Context, t delivery.Task, claim string) {
	ch, configured := d.opts.Channels[t.Channel]
	p := d.policy(t.Channel)
	timeout := p.AttemptTimeout
	if aw, ok := ch.(channel.AckWaiter); ok {
		timeout += aw.AckWindow(t)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)

		actx, span := tracing.StartSpan(ctx, "delivery.attempt",
			attribute.String("task_id", t.ID),
			attribute.String("channel", string(t.Channel)),
			attribute.Int("attempt", t.Attempt+1),
		)
		defer span.End()

		actx, cancel := context.WithTimeout(actx, timeout)
		start := time.Now()
		var out delivery.Outcome
		if configured {
			out = ch.Attempt(actx, t)
		} else {
			// recovered from a run that had this channel enabled
			out = delivery.Transient(delivery.ReasonChannelUnavailable, "channel %s is not configured", t.Channel)
		}
		cancel()
		elapsed := time.Since(start)

		metrics.RecordAttempt(string(t.Channel), string(out.Status), elapsed)
		span.SetAttributes(attribute.String("outcome", out.String()))
		if !out.OK() {
			tracing.SetSpanError(actx, errors.New(out.String()))
		}

		if ctx.Err() != nil {
			// shutting down: the task stays in flight and Recover retries it
			d.log.WithContext(actx).WithTask(t.ID).WithField("outcome", out.String()).Warn("attempt interrupted by shutdown")
			return
		}
		if _, err := d.finalize(context.WithoutCancel(actx), t.ID, claim, out); err != nil && !errors.Is(err, delivery.ErrNotFound) {
			d.log.WithContext(actx).WithTask(t.ID).WithError(err).Error("finalize failed")
		}
	}()
}
