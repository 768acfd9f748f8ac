package dispatcher

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/tonerelay/internal/backoff"
	"github.com/austindbirch/tonerelay/internal/channel"
	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/logging"
	"github.com/austindbirch/tonerelay/internal/ratelimit"
	"github.com/austindbirch/tonerelay/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

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

// scripted returns queued outcomes in order, then fallback.
type scripted struct {
	kind     delivery.ChannelKind
	mu       sync.Mutex
	queue    []delivery.Outcome
	fallback delivery.Outcome
	calls    []delivery.Task
	block    chan struct{} // when set, Attempt waits for close or ctx
	ackWait  time.Duration
	deadline time.Duration
}

func newScripted(kind delivery.ChannelKind, outcomes ...delivery.Outcome) *scripted {
	return &scripted{kind: kind, queue: outcomes, fallback: delivery.Success()}
}

func (s *scripted) Kind() delivery.ChannelKind { return s.kind }

func (s *scripted) Attempt(ctx context.Context, t delivery.Task) delivery.Outcome {
	s.mu.Lock()
	s.calls = append(s.calls, t)
	if dl, ok := ctx.Deadline(); ok {
		s.deadline = time.Until(dl)
	}
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return delivery.Transient(delivery.ReasonTimeout, "%v", ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		out := s.queue[0]
		s.queue = s.queue[1:]
		return out
	}
	return s.fallback
}

func (s *scripted) AckWindow(delivery.Task) time.Duration { return s.ackWait }

func (s *scripted) Calls() []delivery.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery.Task(nil), s.calls...)
}

var errDiskFull = errors.New("disk full")

type memStore struct {
	mu     sync.Mutex
	rows   map[string]delivery.Task
	fail   bool
	saves  int
	gate   chan struct{} // when set, Save waits for close
	saving chan string   // receives the id of every gated Save
}

func newMemStore() *memStore { return &memStore{rows: map[string]delivery.Task{}} }

func (m *memStore) Save(_ context.Context, t delivery.Task) error {
	m.mu.Lock()
	gate, saving := m.gate, m.saving
	m.mu.Unlock()
	if gate != nil {
		if saving != nil {
			saving <- t.ID
		}
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errDiskFull
	}
	m.saves++
	m.rows[t.ID] = t
	return nil
}

func (m *memStore) LoadAll(context.Context) ([]delivery.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]delivery.Task, 0, len(m.rows))
	for _, t := range m.rows {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) SetFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}

// Hold makes every Save block until the returned func runs.
func (m *memStore) Hold() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.saving = make(chan string, 16)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.gate = nil
		m.mu.Unlock()
		close(gate)
	}
}

func (m *memStore) Saving() <-chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saving
}

func (m *memStore) Row(id string) (delivery.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	return t, ok
}

func (m *memStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type recordingSink struct {
	mu  sync.Mutex
	got []delivery.Escalation
}

func (r *recordingSink) PublishEscalation(_ context.Context, e delivery.Escalation) error {
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) All() []delivery.Escalation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery.Escalation(nil), r.got...)
}

type harness struct {
	d       *Dispatcher
	store   store.Store
	mem     *memStore
	clock   *fakeClock
	webhook *scripted
	push    *scripted
	ftp     *scripted
	sink    *recordingSink
	limiter *ratelimit.Memory
}

func immediate() backoff.Policy {
	return backoff.Policy{Strategy: backoff.Exponential}
}

func newHarness(t *testing.T, mutate func(o *Options)) *harness {
	t.Helper()
	h := &harness{
		mem:     newMemStore(),
		clock:   newClock(),
		webhook: newScripted(delivery.ChannelWebhook),
		push:    newScripted(delivery.ChannelPush),
		ftp:     newScripted(delivery.ChannelFTP),
		sink:    &recordingSink{},
	}
	h.store = h.mem
	h.limiter = ratelimit.NewMemory(nil)
	h.limiter.Now = h.clock.Now

	logger := logging.New("dispatcher-test")
	logger.SetOutput(io.Discard)

	opts := Options{
		Store:    h.store,
		Limiter:  h.limiter,
		Channels: channel.NewRegistry(h.webhook, h.push, h.ftp),
		Policies: map[delivery.ChannelKind]Policy{
			delivery.ChannelWebhook: {MaxAttempts: 3, Backoff: immediate(), AttemptTimeout: time.Second},
			delivery.ChannelPush:    {MaxAttempts: 3, Backoff: immediate(), AttemptTimeout: time.Second},
			delivery.ChannelFTP:     {MaxAttempts: 4, Backoff: immediate(), AttemptTimeout: time.Second},
		},
		PoolSize:     4,
		PersistRetry: 20 * time.Millisecond,
		Escalation:   Escalation{Group: "operators", MaxAttempts: 2, Priority: 1},
		Sinks:        []EscalationSink{h.sink},
		Logger:       logger,
		Now:          h.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.store = opts.Store
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := d.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	h.d = d
	return h
}

// pass runs one scheduler pass and waits for the attempts it started.
func (h *harness) pass(t *testing.T) int {
	t.Helper()
	n, err := h.d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	h.d.Drain()
	return n
}

// settle runs passes until id is terminal.
func (h *harness) settle(t *testing.T, id string) delivery.Task {
	t.Helper()
	for i := 0; i < 50; i++ {
		h.pass(t)
		got, err := h.d.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		if got.State.Terminal() {
			return got
		}
	}
	t.Fatalf("task %s never reached a terminal state", id)
	return delivery.Task{}
}

func (h *harness) submit(t *testing.T, sub delivery.Submission) delivery.Task {
	t.Helper()
	task, created, err := h.d.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !created {
		t.Fatalf("Submit() created = false for %s", task.ID)
	}
	return task
}

func (h *harness) escalationTasks() []delivery.Task {
	var out []delivery.Task
	for _, t := range h.d.List(Filter{}) {
		if t.Escalation {
			out = append(out, t)
		}
	}
	return out
}

func webhookSub(msg string) delivery.Submission {
	return delivery.Submission{
		Channel:     delivery.ChannelWebhook,
		Destination: "http://node-red.local/tone",
		Payload:     delivery.Payload{Title: "Tone", Message: msg},
	}
}
