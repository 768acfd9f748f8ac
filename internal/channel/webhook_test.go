package channel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/austindbirch/tonerelay/internal/delivery"
)

func webhookTask(url string) delivery.Task {
	return delivery.Task{
		ID:          "task-1",
		Channel:     delivery.ChannelWebhook,
		Destination: url,
		Payload: delivery.Payload{
			Title:     "Tone: Station 1",
			Message:   "Station 1 toned out",
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Priority:  1,
		},
	}
}

func TestWebhook_StatusClassification(t *testing.T) {
	tests := []struct {
		status     int
		wantStatus delivery.OutcomeStatus
		wantReason string
	}{
		{200, delivery.OutcomeSuccess, ""},
		{204, delivery.OutcomeSuccess, ""},
		{500, delivery.OutcomeTransient, delivery.ReasonHTTP5xx},
		{503, delivery.OutcomeTransient, delivery.ReasonHTTP5xx},
		{429, delivery.OutcomeTransient, delivery.ReasonHTTP429},
		{401, delivery.OutcomePermanent, delivery.ReasonAuthRejected},
		{403, delivery.OutcomePermanent, delivery.ReasonAuthRejected},
		{400, delivery.OutcomePermanent, delivery.ReasonBadPayload},
		{413, delivery.OutcomePermanent, delivery.ReasonBadPayload},
		{422, delivery.OutcomePermanent, delivery.ReasonBadPayload},
		{404, delivery.OutcomePermanent, delivery.ReasonHTTP4xx},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			out := NewWebhook(WebhookConfig{}).Attempt(context.Background(), webhookTask(srv.URL))
			if out.Status != tt.wantStatus {
				t.Errorf("Attempt() status = %s, want %s (%s)", out.Status, tt.wantStatus, out)
			}
			if out.Reason != tt.wantReason {
				t.Errorf("Attempt() reason = %q, want %q", out.Reason, tt.wantReason)
			}
			if out.HTTPStatus != tt.status {
				t.Errorf("Attempt() HTTPStatus = %d, want %d", out.HTTPStatus, tt.status)
			}
		})
	}
}

func TestWebhook_SignsJSONBody(t *testing.T) {
	const secret = "s3cret"
	now := time.Unix(1767225600, 0)

	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{Secret: secret, Now: func() time.Time { return now }})
	if out := wh.Attempt(context.Background(), webhookTask(srv.URL)); !out.OK() {
		t.Fatalf("Attempt() = %s, want success", out)
	}

	if got := gotHeaders.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := gotHeaders.Get(TimestampHeader); got != "1767225600" {
		t.Errorf("%s = %q", TimestampHeader, got)
	}
	if want := "sha256=" + Sign(secret, gotBody, "1767225600"); gotHeaders.Get(SignatureHeader) != want {
		t.Errorf("%s = %q, want %q", SignatureHeader, gotHeaders.Get(SignatureHeader), want)
	}
	if gotHeaders.Get(AttemptHeader) == "" {
		t.Errorf("%s header missing", AttemptHeader)
	}
	if got := gotHeaders.Get(TaskHeader); got != "task-1" {
		t.Errorf("%s = %q, want task-1", TaskHeader, got)
	}

	var body map[string]any
	if err := json.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["title"] != "Tone: Station 1" || body["message"] != "Station 1 toned out" {
		t.Errorf("body = %v", body)
	}
}

func TestWebhook_RawBody(t *testing.T) {
	var gotBody []byte
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotType = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	task := webhookTask(srv.URL)
	task.Payload.Body = []byte("<alert/>")
	task.Payload.ContentType = "application/xml"

	if out := NewWebhook(WebhookConfig{}).Attempt(context.Background(), task); !out.OK() {
		t.Fatalf("Attempt() = %s", out)
	}
	if string(gotBody) != "<alert/>" || gotType != "application/xml" {
		t.Errorf("server got %q (%s), want raw body", gotBody, gotType)
	}
	// no secret configured, so no signature
}

func TestWebhook_TransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closedURL := srv.URL
	srv.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	tests := []struct {
		name       string
		url        string
		timeout    time.Duration
		wantStatus delivery.OutcomeStatus
		wantReason string
	}{
		{name: "connection refused", url: closedURL, timeout: time.Second, wantStatus: delivery.OutcomeTransient, wantReason: delivery.ReasonConnRefused},
		{name: "attempt timeout", url: slow.URL, timeout: 50 * time.Millisecond, wantStatus: delivery.OutcomeTransient, wantReason: delivery.ReasonTimeout},
		{name: "not a url", url: "::nope", timeout: time.Second, wantStatus: delivery.OutcomePermanent, wantReason: delivery.ReasonBadPayload},
		{name: "unsupported scheme", url: "ftp://example.com/x", timeout: time.Second, wantStatus: delivery.OutcomePermanent, wantReason: delivery.ReasonBadPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			out := NewWebhook(WebhookConfig{}).Attempt(ctx, webhookTask(tt.url))
			if out.Status != tt.wantStatus || out.Reason != tt.wantReason {
				t.Errorf("Attempt() = %s, want %s(%s)", out, tt.wantStatus, tt.wantReason)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewWebhook(WebhookConfig{}), NewPushover(PushoverConfig{}), NewFTP(FTPConfig{}))
	for _, k := range []delivery.ChannelKind{delivery.ChannelWebhook, delivery.ChannelPush, delivery.ChannelFTP} {
		c, ok := r[k]
		if !ok {
			t.Errorf("registry missing %s", k)
			continue
		}
		if c.Kind() != k {
			t.Errorf("registry[%s].Kind() = %s", k, c.Kind())
		}
	}
}
