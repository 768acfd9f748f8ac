package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/tracing"
)

const (
	SignatureHeader = "X-Tonerelay-Signature" // sha256=<hex>
	TimestampHeader = "X-Tonerelay-Timestamp" // unix seconds
	AttemptHeader   = "X-Tonerelay-Attempt"
	TaskHeader      = "X-Tonerelay-Task"
)

type WebhookConfig struct {
	Client    *http.Client
	Secret    string // empty disables signing
	UserAgent string
	Now       func() time.Time
}

// Webhook POSTs the payload to the task destination URL.
type Webhook struct {
	cfg WebhookConfig
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tonerelay/1"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Webhook{cfg: cfg}
}

func (w *Webhook) Kind() delivery.ChannelKind { return delivery.ChannelWebhook }

type webhookBody struct {
	Title      string            `json:"title,omitempty"`
	Message    string            `json:"message,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Priority   int               `json:"priority"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (w *Webhook) Attempt(ctx context.Context, t delivery.Task) delivery.Outcome {
	u, err := url.Parse(t.Destination)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return delivery.Permanent(delivery.ReasonBadPayload, "invalid webhook url %q", t.Destination)
	}

	body, contentType, err := encodeWebhook(t.Payload)
	if err != nil {
		return delivery.Permanent(delivery.ReasonBadPayload, "encode payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return delivery.Permanent(delivery.ReasonBadPayload, "build request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", w.cfg.UserAgent)
	req.Header.Set(AttemptHeader, uuid.NewString())
	req.Header.Set(TaskHeader, t.ID)
	if w.cfg.Secret != "" {
		ts := strconv.FormatInt(w.cfg.Now().Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.cfg.Secret, body, ts))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return delivery.Transient(classifyNetError(err), "post %s: %v", u.Host, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out := delivery.Success()
		out.HTTPStatus = resp.StatusCode
		return out
	}
	detail := ""
	if len(snippet) > 0 {
		detail = fmt.Sprintf(": %s", bytes.TrimSpace(snippet))
	}
	return classifyHTTPStatus(resp.StatusCode, detail)
}

func encodeWebhook(p delivery.Payload) ([]byte, string, error) {
	if len(p.Body) > 0 {
		ct := p.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return p.Body, ct, nil
	}
	b, err := json.Marshal(webhookBody{
		Title:      p.Title,
		Message:    p.Message,
		Timestamp:  p.Timestamp,
		Priority:   p.Priority,
		Attributes: p.Attributes,
	})
	return b, "application/json", err
}

// Sign returns the hex HMAC-SHA256 of body||ts.
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}
