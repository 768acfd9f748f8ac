package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ChannelKind identifies the transport a task is delivered through.
type ChannelKind string

const (
	ChannelWebhook ChannelKind = "webhook"
	ChannelPush    ChannelKind = "push"
	ChannelFTP     ChannelKind = "ftp"
)

// ParseChannelKind accepts the canonical names plus a few aliases used by the
// producer scripts ("pushover", "file_transfer").
func ParseChannelKind(s string) (ChannelKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "webhook", "http":
		return ChannelWebhook, nil
	case "push", "pushover", "push_notification":
		return ChannelPush, nil
	case "ftp", "file_transfer", "filetransfer":
		return ChannelFTP, nil
	}
	return "", fmt.Errorf("unknown channel kind %q", s)
}

// State is the lifecycle position of a task.
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "inflight"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Active reports whether the task still occupies its dedup slot.
func (s State) Active() bool {
	return s == StatePending || s == StateInFlight
}

// Payload is the content handed over by a producer. Body is opaque; Title and
// Message are used by channels that render text (push, webhook JSON).
type Payload struct {
	Title       string            `json:"title,omitempty"`
	Message     string            `json:"message,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	SourcePath  string            `json:"source_path,omitempty"` // local file uploaded by the ftp channel
	Timestamp   time.Time         `json:"timestamp"`
	Priority    int               `json:"priority"` // -2..2, pushover tiers
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Summary returns a short human readable description of the payload.
func (p Payload) Summary() string {
	s := strings.TrimSpace(p.Title)
	if s == "" {
		s = strings.TrimSpace(p.Message)
	}
	if s == "" && p.SourcePath != "" {
		s = p.SourcePath
	}
	if s == "" && len(p.Body) > 0 {
		s = fmt.Sprintf("%d byte body", len(p.Body))
	}
	if utf8.RuneCountInString(s) > 120 {
		s = string([]rune(s)[:117]) + "..."
	}
	return s
}

type Task struct {
	ID             string      `json:"id"`
	Channel        ChannelKind `json:"channel"`
	Destination    string      `json:"destination"`
	Payload        Payload     `json:"payload"`
	Attempt        int         `json:"attempt"`
	MaxAttempts    int         `json:"max_attempts"`
	NextEligibleAt time.Time   `json:"next_eligible_at"`
	State          State       `json:"state"`
	LastError      string      `json:"last_error,omitempty"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	Escalation     bool        `json:"escalation,omitempty"` // operator alert; never escalates itself
	CreatedAt      time.Time   `json:"created_at"`
	LastAttemptAt  time.Time   `json:"last_attempt_at,omitzero"`
	UpdatedAt      time.Time   `json:"updated_at"`
	FinishedAt     time.Time   `json:"finished_at,omitzero"`
}

// Submission is what producers hand to the pipeline, over any intake path.
type Submission struct {
	Channel      ChannelKind       `json:"channel"`
	Destination  string            `json:"destination"`
	Payload      Payload           `json:"payload"`
	MaxAttempts  int               `json:"max_attempts,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel propagation headers
}

// TaskID derives the stable identifier used for deduplication. Timestamp and
// priority are left out so re-sends of the same alert coalesce.
func TaskID(kind ChannelKind, destination string, p Payload) string {
	h := sha256.New()
	for _, part := range []string{string(kind), destination, p.Title, p.Message, p.ContentType, p.SourcePath} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(p.Body)
	return hex.EncodeToString(h.Sum(nil))
}
