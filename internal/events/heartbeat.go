package events

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/tonerelay/internal/delivery"
)

const HeartbeatTitle = "Heartbeat Monitor Alert"

// Heartbeat reports that the dispatch monitor stopped writing its heartbeat
// file. It fans out to the heartbeat webhook and to a push routing group;
// either target may be empty but not both.
type Heartbeat struct {
	Host          string
	LastBeat      time.Time // zero when the heartbeat file is missing or unreadable
	Threshold     time.Duration
	Retries       int  // consecutive missed checks
	Final         bool // the monitor is stopping
	UserInitiated bool // with Final, stopped by an operator
	WebhookURL    string
	Group         string
	Priority      int
	At            time.Time
}

type heartbeatDoc struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Retries   int    `json:"retries"`
	Hostname  string `json:"hostname"`
	Threshold int64  `json:"threshold"` // seconds
}

func (e Heartbeat) Message() string {
	reason := "Heartbeat not detected"
	switch {
	case e.Final && e.UserInitiated:
		reason = "User-initiated shutdown"
	case e.Final:
		reason = "Shutdown due to max retries reached"
	}
	last := "unknown"
	if !e.LastBeat.IsZero() {
		last = e.LastBeat.Format(time.DateTime)
	}
	return fmt.Sprintf("%s. Last heartbeat at %s.", reason, last)
}

// Submissions returns the webhook submission first, then the push.
func (e Heartbeat) Submissions() ([]delivery.Submission, error) {
	webhook := strings.TrimSpace(e.WebhookURL)
	group := strings.TrimSpace(e.Group)
	if webhook == "" && group == "" {
		return nil, fmt.Errorf("%w: heartbeat event needs a webhook url or a routing group", delivery.ErrInvalidTask)
	}
	if e.Retries < 0 {
		return nil, fmt.Errorf("%w: heartbeat retries must not be negative", delivery.ErrInvalidTask)
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	host := e.Host
	if host == "" {
		host = "unknown"
	}
	msg := e.Message()
	attrs := map[string]string{
		"event":   "heartbeat",
		"host":    host,
		"retries": strconv.Itoa(e.Retries),
	}

	var out []delivery.Submission
	if webhook != "" {
		body, err := json.Marshal(heartbeatDoc{
			Message:   msg,
			Timestamp: at.Format(time.DateTime),
			Retries:   e.Retries,
			Hostname:  host,
			Threshold: int64(e.Threshold / time.Second),
		})
		if err != nil {
			return nil, err
		}
		out = append(out, delivery.Submission{
			Channel:     delivery.ChannelWebhook,
			Destination: webhook,
			Payload: delivery.Payload{
				Title:       HeartbeatTitle,
				Message:     msg,
				Body:        body,
				ContentType: "application/json",
				Timestamp:   at,
				Attributes:  attrs,
			},
		})
	}
	if group != "" {
		out = append(out, delivery.Submission{
			Channel:     delivery.ChannelPush,
			Destination: group,
			Payload: delivery.Payload{
				Title:      HeartbeatTitle,
				Message:    msg,
				Priority:   clampPriority(e.Priority),
				Timestamp:  at,
				Attributes: attrs,
			},
		})
	}
	return out, nil
}

// ReadHeartbeatFile parses the unix timestamp the monitor writes, which may
// carry a fractional part.
func ReadHeartbeatFile(path string) (time.Time, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("heartbeat file %s: %w", path, err)
	}
	return time.Unix(int64(sec), 0), nil
}
