package delivery

import (
	"errors"
	"fmt"
)

// FailureKind is the error taxonomy every attempt result is converted into
// before the dispatcher changes task state.
type FailureKind string

const (
	KindTransient   FailureKind = "transient"
	KindPermanent   FailureKind = "permanent"
	KindRateLimited FailureKind = "rate_limited"
	KindExhausted   FailureKind = "exhausted_retries"
	KindExpired     FailureKind = "expired"
	KindPersistence FailureKind = "persistence"
)

// Reason codes reported by channels.
const (
	ReasonTimeout            = "timeout"
	ReasonConnRefused        = "connection_refused"
	ReasonDNS                = "dns_error"
	ReasonNetwork            = "network"
	ReasonHTTP5xx            = "http_5xx"
	ReasonHTTP429            = "http_429"
	ReasonHTTP4xx            = "http_4xx"
	ReasonAuthRejected       = "auth_rejected"
	ReasonBadPayload         = "bad_payload"
	ReasonRoutingMissing     = "routing_missing"
	ReasonChecksumMismatch   = "checksum_mismatch"
	ReasonRemoteRejected     = "remote_rejected"
	ReasonAckTimeout         = "ack_timeout"
	ReasonAckExpired         = "ack_expired"
	ReasonChannelUnavailable = "channel_unavailable"
	ReasonOther              = "other"
)

type OutcomeStatus string

const (
	OutcomeSuccess   OutcomeStatus = "success"
	OutcomeTransient OutcomeStatus = "transient"
	OutcomePermanent OutcomeStatus = "permanent"
)

// Outcome is the classified result of exactly one channel attempt.
type Outcome struct {
	Status     OutcomeStatus
	Reason     string
	Message    string
	HTTPStatus int
}

func Success() Outcome { return Outcome{Status: OutcomeSuccess} }

func Transient(reason, format string, args ...any) Outcome {
	return Outcome{Status: OutcomeTransient, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Permanent(reason, format string, args ...any) Outcome {
	return Outcome{Status: OutcomePermanent, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (o Outcome) OK() bool { return o.Status == OutcomeSuccess }

func (o Outcome) String() string {
	if o.OK() {
		return string(o.Status)
	}
	return fmt.Sprintf("%s(%s): %s", o.Status, o.Reason, o.Message)
}

var (
	ErrNotFound       = errors.New("task not found")
	ErrNotCancellable = errors.New("task is already terminal")
	ErrInvalidTask    = errors.New("invalid task")
)

// PersistenceError means a state transition could not be made durable.
type PersistenceError struct {
	Op     string
	TaskID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.TaskID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
