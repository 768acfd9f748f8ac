package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/tonerelay/internal/delivery"
)

const (
	DefaultPushoverURL = "https://api.pushover.net/1"
	emergencyPriority  = 2
)

type PushoverConfig struct {
	BaseURL string
	Token   string // default app token
	Routing Routing
	Client  *http.Client
	Retry   time.Duration // emergency re-notify interval
	Expire  time.Duration // emergency give-up
	AckWait time.Duration // how long an attempt waits for an emergency ack
	AckPoll time.Duration
}

// Pushover sends push notifications to routing groups.
type Pushover struct {
	cfg PushoverConfig
}

func NewPushover(cfg PushoverConfig) *Pushover {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPushoverURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 60 * time.Second
	}
	if cfg.Expire <= 0 {
		cfg.Expire = time.Hour
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 10 * time.Minute
	}
	if cfg.AckPoll <= 0 {
		cfg.AckPoll = 5 * time.Second
	}
	return &Pushover{cfg: cfg}
}

func (p *Pushover) Kind() delivery.ChannelKind { return delivery.ChannelPush }

func (p *Pushover) AckWindow(t delivery.Task) time.Duration {
	if t.Payload.Priority >= emergencyPriority {
		return p.cfg.AckWait
	}
	return 0
}

type pushoverResponse struct {
	Status       int      `json:"status"`
	Request      string   `json:"request"`
	Receipt      string   `json:"receipt"`
	Errors       []string `json:"errors"`
	Acknowledged int      `json:"acknowledged"`
	Expired      int      `json:"expired"`
}

func (p *Pushover) Attempt(ctx context.Context, t delivery.Task) delivery.Outcome {
	route, ok := p.cfg.Routing.Lookup(t.Destination)
	if !ok {
		return delivery.Permanent(delivery.ReasonRoutingMissing, "no routing entry for group %q", t.Destination)
	}
	token := route.Token
	if token == "" {
		token = p.cfg.Token
	}
	if token == "" {
		return delivery.Permanent(delivery.ReasonAuthRejected, "no pushover app token for group %q", t.Destination)
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("user", route.User)
	form.Set("message", pushMessage(t.Payload))
	if t.Payload.Title != "" {
		form.Set("title", t.Payload.Title)
	}
	priority := t.Payload.Priority
	if priority > emergencyPriority {
		priority = emergencyPriority
	}
	form.Set("priority", strconv.Itoa(priority))
	if !t.Payload.Timestamp.IsZero() {
		form.Set("timestamp", strconv.FormatInt(t.Payload.Timestamp.Unix(), 10))
	}
	if route.Device != "" {
		form.Set("device", route.Device)
	}
	if route.Sound != "" {
		form.Set("sound", route.Sound)
	}
	if priority == emergencyPriority {
		form.Set("retry", strconv.Itoa(int(p.cfg.Retry.Seconds())))
		form.Set("expire", strconv.Itoa(int(p.cfg.Expire.Seconds())))
	}

	resp, out := p.do(ctx, http.MethodPost, p.cfg.BaseURL+"/messages.json", form)
	if !out.OK() {
		return out
	}
	if priority != emergencyPriority {
		return out
	}
	if resp.Receipt == "" {
		return delivery.Transient(delivery.ReasonOther, "emergency message accepted without receipt")
	}
	return p.awaitAck(ctx, token, resp.Receipt)
}

// awaitAck polls the receipt until a recipient acknowledges, Pushover gives
// up, or the ack wait elapses.
func (p *Pushover) awaitAck(ctx context.Context, token, receipt string) delivery.Outcome {
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AckWait)
	defer cancel()

	ticker := time.NewTicker(p.cfg.AckPoll)
	defer ticker.Stop()

	receiptURL := fmt.Sprintf("%s/receipts/%s.json?token=%s", p.cfg.BaseURL, url.PathEscape(receipt), url.QueryEscape(token))
	for {
		select {
		case <-waitCtx.Done():
			p.cancelReceipt(token, receipt)
			return delivery.Transient(delivery.ReasonAckTimeout, "receipt %s not acknowledged within %s", receipt, p.cfg.AckWait)
		case <-ticker.C:
		}

		resp, out := p.do(waitCtx, http.MethodGet, receiptURL, nil)
		if !out.OK() {
			// a failed poll is retried on the next tick
			continue
		}
		if resp.Acknowledged == 1 {
			return delivery.Success()
		}
		if resp.Expired == 1 {
			return delivery.Transient(delivery.ReasonAckExpired, "receipt %s expired unacknowledged", receipt)
		}
	}
}

func (p *Pushover) cancelReceipt(token, receipt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	form := url.Values{"token": {token}}
	p.do(ctx, http.MethodPost, fmt.Sprintf("%s/receipts/%s/cancel.json", p.cfg.BaseURL, url.PathEscape(receipt)), form)
}

func (p *Pushover) do(ctx context.Context, method, target string, form url.Values) (pushoverResponse, delivery.Outcome) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return pushoverResponse{}, delivery.Permanent(delivery.ReasonBadPayload, "build request: %v", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return pushoverResponse{}, delivery.Transient(classifyNetError(err), "pushover: %v", err)
	}
	defer resp.Body.Close()

	var pr pushoverResponse
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&pr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := ""
		if len(pr.Errors) > 0 {
			detail = ": " + strings.Join(pr.Errors, "; ")
		}
		return pr, classifyHTTPStatus(resp.StatusCode, detail)
	}
	if decodeErr != nil {
		return pr, delivery.Transient(delivery.ReasonOther, "decode pushover response: %v", decodeErr)
	}
	if pr.Status != 1 {
		return pr, delivery.Permanent(delivery.ReasonRemoteRejected, "pushover rejected request: %s", strings.Join(pr.Errors, "; "))
	}
	out := delivery.Success()
	out.HTTPStatus = resp.StatusCode
	return pr, out
}

func pushMessage(p delivery.Payload) string {
	if p.Message != "" {
		return p.Message
	}
	if s := p.Summary(); s != "" {
		return s
	}
	return "(no message)"
}
