// Package channel holds the transports that deliver one payload to one
// destination. Each attempt is converted into a delivery.Outcome at this
// boundary; raw transport errors never reach task state.
package channel

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/austindbirch/tonerelay/internal/delivery"
)

type Channel interface {
	Kind() delivery.ChannelKind
	Attempt(ctx context.Context, t delivery.Task) delivery.Outcome
}

// AckWaiter is implemented by channels whose attempts block on a remote
// acknowledgement. The dispatcher extends the attempt deadline by the window.
type AckWaiter interface {
	AckWindow(t delivery.Task) time.Duration
}

// Validator is implemented by channels that reject submissions they could
// never deliver. The error wraps delivery.ErrInvalidTask.
type Validator interface {
	Validate(sub delivery.Submission) error
}

// Registry maps kinds to channel instances.
type Registry map[delivery.ChannelKind]Channel

func NewRegistry(chs ...Channel) Registry {
	r := make(Registry, len(chs))
	for _, c := range chs {
		r[c.Kind()] = c
	}
	return r
}

// classifyNetError maps a transport error to a transient reason code.
func classifyNetError(err error) string {
	if err == nil {
		return delivery.ReasonOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return delivery.ReasonTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return delivery.ReasonDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return delivery.ReasonTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return delivery.ReasonTimeout
	case strings.Contains(msg, "connection refused"):
		return delivery.ReasonConnRefused
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "dns"):
		return delivery.ReasonDNS
	}
	return delivery.ReasonNetwork
}

// classifyHTTPStatus maps a non-2xx response status to an outcome.
func classifyHTTPStatus(status int, detail string) delivery.Outcome {
	var out delivery.Outcome
	switch {
	case status >= 500:
		out = delivery.Transient(delivery.ReasonHTTP5xx, "status %d%s", status, detail)
	case status == 429:
		out = delivery.Transient(delivery.ReasonHTTP429, "status %d%s", status, detail)
	case status == 401 || status == 403:
		out = delivery.Permanent(delivery.ReasonAuthRejected, "status %d%s", status, detail)
	case status == 400 || status == 413 || status == 422:
		out = delivery.Permanent(delivery.ReasonBadPayload, "status %d%s", status, detail)
	case status >= 400:
		out = delivery.Permanent(delivery.ReasonHTTP4xx, "status %d%s", status, detail)
	default:
		out = delivery.Transient(delivery.ReasonOther, "unexpected status %d%s", status, detail)
	}
	out.HTTPStatus = status
	return out
}
