package delivery

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const EscalationType = "delivery.escalation"

// Escalation is the operator-facing record of a task that will not be
// delivered. It is published to the escalation topic and rendered into the
// escalation push notification.
type Escalation struct {
	Type      string `json:"type"`    // "delivery.escalation"
	Version   string `json:"version"` // schema version
	At        string `json:"at"`      // RFC3339 time the escalation was raised
	Reason    string `json:"reason"`  // exhausted_retries | expired | permanent
	Attempt   int    `json:"attempt"`
	LastError string `json:"last_error,omitempty"`
	Task      Task   `json:"task"` // full snapshot
}

// NewEscalation snapshots t with URL credentials in the destination masked.
func NewEscalation(t Task, at time.Time) Escalation {
	t.Destination = RedactDestination(t.Destination)
	return Escalation{
		Type:      EscalationType,
		Version:   "v1",
		At:        at.UTC().Format(time.RFC3339Nano),
		Reason:    t.FailureReason,
		Attempt:   t.Attempt,
		LastError: t.LastError,
		Task:      t,
	}
}

// Title and Message render the escalation for a push notification.
func (e Escalation) Title() string {
	return fmt.Sprintf("Delivery failed: %s", e.Task.Channel)
}

func (e Escalation) Message() string {
	lastErr := e.LastError
	if lastErr == "" {
		lastErr = "none recorded"
	}
	return fmt.Sprintf("Destination: %s\nPayload: %s\nAttempts: %d/%d\nReason: %s\nLast error: %s\nTask: %s",
		e.Task.Destination, e.Task.Payload.Summary(), e.Attempt, e.Task.MaxAttempts, e.Reason, lastErr, e.Task.ID)
}

// RedactDestination masks the password of a URL destination. Other
// destinations are returned unchanged.
func RedactDestination(dest string) string {
	if !strings.Contains(dest, "://") {
		return dest
	}
	u, err := url.Parse(dest)
	if err != nil {
		return dest
	}
	return u.Redacted()
}
