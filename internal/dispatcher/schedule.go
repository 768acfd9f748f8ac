package dispatcher

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/metrics"
	"github.com/austindbirch/tonerelay/internal/ratelimit"
)

// RunOnce performs one scheduler pass and returns how many attempts it
// started. Attempts run in the background; Drain waits for them.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	d.flushUnsaved(ctx)
	d.expire(ctx)
	d.purge(ctx)

	var firstErr error
	dispatched := 0
	for _, t := range d.due() {
		if ctx.Err() != nil {
			break
		}
		if !d.sem.TryAcquire(1) {
			break // pool saturated
		}
		started, err := d.claim(ctx, t)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !started {
			d.sem.Release(1)
			continue
		}
		dispatched++
	}
	return dispatched, firstErr
}

// due returns pending tasks whose eligibility time has passed, oldest first.
func (d *Dispatcher) due() []delivery.Task {
	now := d.now()
	d.mu.Lock()
	var out []delivery.Task
	for _, t := range d.tasks {
		if t.State == delivery.StatePending && !t.NextEligibleAt.After(now) {
			out = append(out, *t)
		}
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.NextEligibleAt.Equal(b.NextEligibleAt) {
			return a.NextEligibleAt.Before(b.NextEligibleAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// claim asks the rate limiter for t and, when admitted, moves it in flight
// and starts the attempt. A denial leaves the task pending and untouched.
func (d *Dispatcher) claim(ctx context.Context, snap delivery.Task) (bool, error) {
	d.mu.Lock()
	_, busy := d.running[snap.ID]
	d.mu.Unlock()
	if busy {
		// a cancelled predecessor with the same id has not returned yet
		return false, nil
	}

	admitted, err := d.opts.Limiter.Admit(ctx, snap.Channel, snap.Destination)
	if err != nil {
		d.log.WithContext(ctx).
			WithTask(snap.ID).
			WithChannel(string(snap.Channel)).
			WithField("kind", string(delivery.KindRateLimited)).
			WithError(err).
			Warn("rate limiter unavailable, deferring")
		return false, nil
	}
	if !admitted {
		metrics.RecordRateLimited(string(snap.Channel))
		entry := d.log.WithContext(ctx).
			WithTask(snap.ID).
			WithChannel(string(snap.Channel)).
			WithDestination(snap.Destination).
			WithField("kind", string(delivery.KindRateLimited))
		if cd, ok := d.opts.Limiter.(ratelimit.Cooldown); ok {
			if wait, err := cd.RetryAfter(ctx, snap.Channel, snap.Destination); err == nil {
				entry.Debugf("deferred by rate limiter for %s", wait)
				return false, nil
			}
		}
		entry.Debug("deferred by rate limiter")
		return false, nil
	}

	unlock := d.locks.lock(snap.ID)
	defer unlock()

	d.mu.Lock()
	cur, ok := d.tasks[snap.ID]
	_, busy = d.running[snap.ID]
	if !ok || cur.State != delivery.StatePending || busy {
		// cancelled or finished while the limiter was consulted
		d.mu.Unlock()
		return false, nil
	}
	t := *cur
	d.mu.Unlock()

	now := d.now()
	t.State = delivery.StateInFlight
	t.LastAttemptAt = now
	t.UpdatedAt = now
	if err := d.persist(ctx, "dispatch", t); err != nil {
		return false, err
	}

	token := uuid.NewString()
	d.mu.Lock()
	*cur = t
	d.running[t.ID] = token
	d.updateGauges()
	d.mu.Unlock()

	d.log.WithContext(ctx).
		WithTask(t.ID).
		WithChannel(string(t.Channel)).
		WithDestination(t.Destination).
		WithField("attempt", t.Attempt+1).
		WithField("max_attempts", t.MaxAttempts).
		Debug("attempt dispatched")

	d.startAttempt(ctx, t, token)
	return true, nil
}

// Finalize applies the outcome of the attempt currently running for id. An
// outcome for a cancelled task, or for a task that is not in flight, is
// logged and ignored.
func (d *Dispatcher) Finalize(ctx context.Context, id string, out delivery.Outcome) (delivery.Task, error) {
	return d.finalize(ctx, id, "", out)
}

// finalize applies out only when claim still names the attempt registered
// for id. An empty claim means whichever attempt is registered.
func (d *Dispatcher) finalize(ctx context.Context, id, claim string, out delivery.Outcome) (delivery.Task, error) {
	t, escalate, err := d.applyOutcome(ctx, id, claim, out)
	if escalate {
		d.escalate(ctx, t)
	}
	return t, err
}

func (d *Dispatcher) applyOutcome(ctx context.Context, id, claim string, out delivery.Outcome) (delivery.Task, bool, error) {
	unlock := d.locks.lock(id)
	defer unlock()

	d.mu.Lock()
	cur, ok := d.tasks[id]
	if !ok {
		if claim != "" && d.running[id] == claim {
			delete(d.running, id)
		}
		d.mu.Unlock()
		d.log.WithContext(ctx).WithTask(id).WithField("outcome", out.String()).Warn("outcome for unknown task")
		return delivery.Task{}, false, delivery.ErrNotFound
	}
	registered, hasAttempt := d.running[id]
	if claim == "" {
		claim = registered
	}
	if claim != registered {
		snap := *cur
		d.mu.Unlock()
		d.log.WithContext(ctx).WithTask(id).WithField("outcome", out.String()).Warn("outcome of a superseded attempt ignored")
		return snap, false, nil
	}
	if cur.State != delivery.StateInFlight {
		if hasAttempt {
			delete(d.running, id)
		}
		delete(d.unsaved, id)
		snap := *cur
		d.mu.Unlock()
		entry := d.log.WithContext(ctx).WithTask(id).WithField("outcome", out.String())
		if snap.State == delivery.StateCancelled {
			entry.Info("outcome for cancelled task ignored")
		} else {
			entry.WithField("state", string(snap.State)).Warn("outcome for task not in flight ignored")
		}
		return snap, false, nil
	}
	t := *cur
	d.mu.Unlock()

	now := d.now()
	p := d.policy(t.Channel)
	t.Attempt++
	t.UpdatedAt = now

	var delay time.Duration
	switch {
	case out.OK():
		t.State = delivery.StateSucceeded
		t.LastError = ""
		t.FinishedAt = now
	case out.Status == delivery.OutcomePermanent || slices.Contains(p.PermanentReasons, out.Reason):
		d.fail(&t, delivery.KindPermanent, out.String(), now)
	case t.Attempt >= t.MaxAttempts:
		d.fail(&t, delivery.KindExhausted, out.String(), now)
	case d.expired(t, now):
		d.fail(&t, delivery.KindExpired, out.String(), now)
	default:
		delay = p.Backoff.Delay(t.Attempt)
		next := now.Add(delay)
		if next.Before(t.NextEligibleAt) {
			next = t.NextEligibleAt
		}
		t.State = delivery.StatePending
		t.NextEligibleAt = next
		t.LastError = out.String()
	}

	if err := d.persist(ctx, "finalize", t); err != nil {
		d.mu.Lock()
		d.unsaved[id] = pendingOutcome{claim: claim, out: out}
		snap := *cur
		d.mu.Unlock()
		return snap, false, err
	}

	d.mu.Lock()
	*cur = t
	delete(d.unsaved, id)
	delete(d.running, id)
	if t.State.Terminal() {
		d.completeLocked(t)
	} else {
		d.updateGauges()
	}
	d.mu.Unlock()

	entry := d.log.WithContext(ctx).
		WithTask(t.ID).
		WithChannel(string(t.Channel)).
		WithDestination(t.Destination).
		WithField("attempt", t.Attempt).
		WithField("max_attempts", t.MaxAttempts).
		WithField("outcome", out.String())
	switch t.State {
	case delivery.StateSucceeded:
		entry.Info("delivered")
	case delivery.StatePending:
		metrics.RecordRetry(string(t.Channel), out.Reason)
		entry.WithField("kind", string(delivery.KindTransient)).
			WithField("reason", out.Reason).
			WithField("retry_in", delay.String()).
			Warn("attempt failed, retry scheduled")
		d.signal()
	default:
		entry.WithField("reason", t.FailureReason).Error("delivery failed")
	}
	return t, t.State == delivery.StateFailed, nil
}

func (d *Dispatcher) fail(t *delivery.Task, kind delivery.FailureKind, lastErr string, now time.Time) {
	t.State = delivery.StateFailed
	t.FailureReason = string(kind)
	t.LastError = lastErr
	t.FinishedAt = now
}

func (d *Dispatcher) expired(t delivery.Task, now time.Time) bool {
	return d.opts.MaxLifetime > 0 && !now.Before(t.CreatedAt.Add(d.opts.MaxLifetime))
}

// expire fails pending tasks that outlived the lifetime ceiling.
func (d *Dispatcher) expire(ctx context.Context) {
	if d.opts.MaxLifetime <= 0 {
		return
	}
	now := d.now()
	d.mu.Lock()
	var ids []string
	for id, cur := range d.tasks {
		if cur.State == delivery.StatePending && d.expired(*cur, now) {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if t, ok := d.expireOne(ctx, id, now); ok {
			d.escalate(ctx, t)
		}
	}
}

func (d *Dispatcher) expireOne(ctx context.Context, id string, now time.Time) (delivery.Task, bool) {
	unlock := d.locks.lock(id)
	defer unlock()

	d.mu.Lock()
	cur, ok := d.tasks[id]
	if !ok || cur.State != delivery.StatePending || !d.expired(*cur, now) {
		d.mu.Unlock()
		return delivery.Task{}, false
	}
	t := *cur
	d.mu.Unlock()

	t.UpdatedAt = now
	lastErr := t.LastError
	if lastErr == "" {
		lastErr = fmt.Sprintf("not delivered within %s", d.opts.MaxLifetime)
	}
	d.fail(&t, delivery.KindExpired, lastErr, now)
	if err := d.persist(ctx, "expire", t); err != nil {
		return delivery.Task{}, false // retried on the next pass
	}

	d.mu.Lock()
	*cur = t
	d.completeLocked(t)
	d.mu.Unlock()

	d.log.WithContext(ctx).
		WithTask(t.ID).
		WithChannel(string(t.Channel)).
		WithDestination(t.Destination).
		WithField("attempt", t.Attempt).
		Error("task expired")
	return t, true
}

// purge drops terminal tasks older than the retention window.
func (d *Dispatcher) purge(ctx context.Context) {
	if d.opts.Retention <= 0 {
		return
	}
	cutoff := d.now().Add(-d.opts.Retention)
	stale := func(id string) bool {
		t, ok := d.tasks[id]
		_, busy := d.running[id]
		return ok && !busy && t.State.Terminal() && !t.FinishedAt.After(cutoff)
	}

	d.mu.Lock()
	var ids []string
	for id := range d.tasks {
		if stale(id) {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	for _, id := range ids {
		unlock := d.locks.lock(id)
		d.mu.Lock()
		still := stale(id)
		d.mu.Unlock()
		if still {
			if err := d.opts.Store.Delete(ctx, id); err != nil {
				d.log.WithContext(ctx).WithTask(id).WithError(err).Warn("purge failed")
			} else {
				d.mu.Lock()
				delete(d.tasks, id)
				d.mu.Unlock()
			}
		}
		unlock()
	}

	d.mu.Lock()
	d.updateGauges()
	d.mu.Unlock()
}

// flushUnsaved re-applies outcomes whose first write failed.
func (d *Dispatcher) flushUnsaved(ctx context.Context) {
	d.mu.Lock()
	if len(d.unsaved) == 0 {
		d.mu.Unlock()
		return
	}
	pending := make(map[string]pendingOutcome, len(d.unsaved))
	for id, po := range d.unsaved {
		pending[id] = po
	}
	d.mu.Unlock()

	for id, po := range pending {
		_, _ = d.finalize(ctx, id, po.claim, po.out)
	}
}
