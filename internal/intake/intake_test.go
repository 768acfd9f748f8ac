package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/tonerelay/internal/config"
	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/logging"
	"github.com/austindbirch/tonerelay/internal/metrics"
)

type fakeDelegate struct {
	finished int
	requeued int
	delay    time.Duration
}

func (d *fakeDelegate) OnFinish(*nsq.Message) { d.finished++ }
func (d *fakeDelegate) OnRequeue(_ *nsq.Message, delay time.Duration, _ bool) {
	d.requeued++
	d.delay = delay
}
func (d *fakeDelegate) OnTouch(*nsq.Message) {}

type fakeSubmitter struct {
	mu   sync.Mutex
	subs []delivery.Submission
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, sub delivery.Submission) (delivery.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return delivery.Task{}, false, f.err
	}
	f.subs = append(f.subs, sub)
	return delivery.Task{ID: delivery.TaskID(sub.Channel, sub.Destination, sub.Payload), Channel: sub.Channel}, true, nil
}

func message(t *testing.T, body []byte) (*nsq.Message, *fakeDelegate) {
	t.Helper()
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, body)
	d := &fakeDelegate{}
	m.Delegate = d
	return m, d
}

func quietLogger() *logging.Logger {
	l := logging.New("test")
	l.SetOutput(&bytes.Buffer{})
	return l
}

func TestHandleMessage(t *testing.T) {
	valid, _ := json.Marshal(delivery.Submission{
		Channel:     delivery.ChannelWebhook,
		Destination: "https://example.com/hook",
		Payload:     delivery.Payload{Title: "tone", Message: "Station 4 toned out"},
	})

	tests := []struct {
		name         string
		body         []byte
		submitErr    error
		wantFinished int
		wantRequeued int
		wantSubs     int
	}{
		{name: "accepted", body: valid, wantFinished: 1, wantSubs: 1},
		{name: "bad json", body: []byte("{nope"), wantFinished: 1},
		{
			name:         "invalid task",
			body:         valid,
			submitErr:    fmt.Errorf("%w: destination is empty", delivery.ErrInvalidTask),
			wantFinished: 1,
		},
		{
			name:         "store down",
			body:         valid,
			submitErr:    &delivery.PersistenceError{Op: "submit", TaskID: "x", Err: errors.New("disk full")},
			wantRequeued: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tt.submitErr}
			h := &Handler{Submitter: sub, Logger: quietLogger(), RequeueDelay: 5 * time.Second}
			m, d := message(t, tt.body)

			if err := h.HandleMessage(m); err != nil {
				t.Fatalf("HandleMessage returned %v", err)
			}
			if d.finished != tt.wantFinished {
				t.Errorf("finished = %d, want %d", d.finished, tt.wantFinished)
			}
			if d.requeued != tt.wantRequeued {
				t.Errorf("requeued = %d, want %d", d.requeued, tt.wantRequeued)
			}
			if tt.wantRequeued > 0 && d.delay != 5*time.Second {
				t.Errorf("requeue delay = %v", d.delay)
			}
			if len(sub.subs) != tt.wantSubs {
				t.Errorf("submissions = %d, want %d", len(sub.subs), tt.wantSubs)
			}
		})
	}
}

type fakeProducer struct {
	mu      sync.Mutex
	topic   string
	bodies  [][]byte
	err     error
	stopped bool
}

func (p *fakeProducer) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakeProducer) Stop() { p.stopped = true }

func TestPublisherRoundTripsThroughHandler(t *testing.T) {
	prod := &fakeProducer{}
	pub := NewPublisher(prod, "deliveries")
	sub := delivery.Submission{
		Channel:     delivery.ChannelPush,
		Destination: "dispatch",
		Payload:     delivery.Payload{Title: "Tone", Priority: 1},
	}
	if err := pub.Publish(context.Background(), sub); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if prod.topic != "deliveries" || len(prod.bodies) != 1 {
		t.Fatalf("topic = %q, bodies = %d", prod.topic, len(prod.bodies))
	}

	fs := &fakeSubmitter{}
	h := &Handler{Submitter: fs, Logger: quietLogger()}
	m, d := message(t, prod.bodies[0])
	if err := h.HandleMessage(m); err != nil {
		t.Fatal(err)
	}
	if d.finished != 1 || len(fs.subs) != 1 {
		t.Fatalf("finished = %d, subs = %d", d.finished, len(fs.subs))
	}
	if got := fs.subs[0]; got.Destination != "dispatch" || got.Payload.Title != "Tone" {
		t.Errorf("submission = %+v", got)
	}

	pub.Stop()
	if !prod.stopped {
		t.Error("Stop did not stop the producer")
	}
}

func TestPublisherError(t *testing.T) {
	pub := NewPublisher(&fakeProducer{err: errors.New("nsqd gone")}, "deliveries")
	if err := pub.Publish(context.Background(), delivery.Submission{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestEscalationPublisher(t *testing.T) {
	prod := &fakeProducer{}
	pub := NewEscalationPublisher(prod, "deliveries_escalated")
	task := delivery.Task{ID: "abc", Channel: delivery.ChannelFTP, FailureReason: "exhausted_retries", Attempt: 5}
	esc := delivery.NewEscalation(task, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	if err := pub.PublishEscalation(context.Background(), esc); err != nil {
		t.Fatalf("PublishEscalation: %v", err)
	}
	if prod.topic != "deliveries_escalated" {
		t.Errorf("topic = %q", prod.topic)
	}
	var got delivery.Escalation
	if err := json.Unmarshal(prod.bodies[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.Task.ID != "abc" || got.Reason != "exhausted_retries" || got.Attempt != 5 {
		t.Errorf("escalation = %+v", got)
	}
}

func TestBacklogMonitorPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"topics":[
			{"topic_name":"deliveries","channels":[{"channel_name":"tonerelay","depth":42},{"channel_name":"audit","depth":3}]},
			{"topic_name":"deliveries_escalated","channels":[{"channel_name":"ops","depth":2}]},
			{"topic_name":"other","channels":[{"channel_name":"x","depth":99}]}
		]}`)
	}))
	defer srv.Close()

	cfg := config.NSQ{
		NsqdHTTPAddr:      srv.URL,
		SubmissionTopic:   "deliveries",
		SubmissionChannel: "tonerelay",
		EscalationTopic:   "deliveries_escalated",
	}
	mon := NewBacklogMonitor(cfg, quietLogger())
	if err := mon.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if got := testutil.ToFloat64(metrics.IntakeBacklog); got != 42 {
		t.Errorf("intake backlog = %v, want 42", got)
	}
	if got := testutil.ToFloat64(metrics.NSQTopicDepth.WithLabelValues("deliveries", "audit")); got != 3 {
		t.Errorf("audit depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.NSQTopicDepth.WithLabelValues("deliveries_escalated", "ops")); got != 2 {
		t.Errorf("escalated depth = %v, want 2", got)
	}
}

func TestBacklogMonitorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mon := NewBacklogMonitor(config.NSQ{NsqdHTTPAddr: srv.URL}, quietLogger())
	if err := mon.Poll(context.Background()); err == nil {
		t.Fatal("expected error on 503")
	}

	mon = NewBacklogMonitor(config.NSQ{NsqdHTTPAddr: "127.0.0.1:1"}, quietLogger())
	if err := mon.Poll(context.Background()); err == nil {
		t.Fatal("expected error for unreachable nsqd")
	}
}

func TestBacklogMonitorRunStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"topics":[]}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	mon := NewBacklogMonitor(config.NSQ{NsqdHTTPAddr: srv.URL, StatsInterval: 10 * time.Millisecond}, quietLogger())
	go func() { done <- mon.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
