// Package store persists delivery tasks so in-flight work survives a restart.
//
// Save must be durable before it returns: the dispatcher only advances a task
// after the write succeeded. Records are keyed by task id and carry every
// task field so Recover can resume exactly where the crashed process stopped.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/tonerelay/internal/delivery"
)

type Store interface {
	Save(ctx context.Context, t delivery.Task) error
	LoadAll(ctx context.Context) ([]delivery.Task, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// Open selects a backend by driver name ("sqlite" or "postgres").
func Open(ctx context.Context, driver, sqlitePath, postgresDSN string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(ctx, sqlitePath)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, postgresDSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

// record is the column layout shared by the SQL backends.
type record struct {
	ID             string
	Channel        string
	Destination    string
	PayloadJSON    []byte
	Attempt        int
	MaxAttempts    int
	NextEligibleAt time.Time
	State          string
	LastError      string
	FailureReason  string
	Escalation     bool
	CreatedAt      time.Time
	LastAttemptAt  *time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

func toRecord(t delivery.Task) (record, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return record{}, fmt.Errorf("marshal payload: %w", err)
	}
	return record{
		ID:             t.ID,
		Channel:        string(t.Channel),
		Destination:    t.Destination,
		PayloadJSON:    payload,
		Attempt:        t.Attempt,
		MaxAttempts:    t.MaxAttempts,
		NextEligibleAt: t.NextEligibleAt.UTC(),
		State:          string(t.State),
		LastError:      t.LastError,
		FailureReason:  t.FailureReason,
		Escalation:     t.Escalation,
		CreatedAt:      t.CreatedAt.UTC(),
		LastAttemptAt:  optionalTime(t.LastAttemptAt),
		UpdatedAt:      t.UpdatedAt.UTC(),
		FinishedAt:     optionalTime(t.FinishedAt),
	}, nil
}

func (r record) task() (delivery.Task, error) {
	var p delivery.Payload
	if len(r.PayloadJSON) > 0 {
		if err := json.Unmarshal(r.PayloadJSON, &p); err != nil {
			return delivery.Task{}, fmt.Errorf("decode payload of %s: %w", r.ID, err)
		}
	}
	t := delivery.Task{
		ID:             r.ID,
		Channel:        delivery.ChannelKind(r.Channel),
		Destination:    r.Destination,
		Payload:        p,
		Attempt:        r.Attempt,
		MaxAttempts:    r.MaxAttempts,
		NextEligibleAt: r.NextEligibleAt.UTC(),
		State:          delivery.State(r.State),
		LastError:      r.LastError,
		FailureReason:  r.FailureReason,
		Escalation:     r.Escalation,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.LastAttemptAt != nil {
		t.LastAttemptAt = r.LastAttemptAt.UTC()
	}
	if r.FinishedAt != nil {
		t.FinishedAt = r.FinishedAt.UTC()
	}
	return t, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
