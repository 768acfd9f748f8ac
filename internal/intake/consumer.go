// Package intake moves submissions between NSQ and the dispatcher.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/tonerelay/internal/config"
	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/logging"
	"github.com/austindbirch/tonerelay/internal/tracing"
)

// Submitter accepts a submission. *dispatcher.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, sub delivery.Submission) (delivery.Task, bool, error)
}

// Handler turns NSQ messages into dispatcher submissions.
type Handler struct {
	Submitter    Submitter
	Logger       *logging.Logger
	RequeueDelay time.Duration
	// Ctx is the parent context for submissions; defaults to Background.
	Ctx context.Context
}

func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer func() {
		if !m.HasResponded() {
			m.Finish()
		}
	}()

	log := h.Logger
	if log == nil {
		log = logging.New("tonerelay-intake")
	}
	parent := h.Ctx
	if parent == nil {
		parent = context.Background()
	}

	var sub delivery.Submission
	if err := json.Unmarshal(m.Body, &sub); err != nil {
		log.Plain().WithError(err).WithField("attempts", m.Attempts).Error("bad submission payload")
		m.Finish()
		return nil
	}

	ctx := tracing.Extract(parent, sub.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "intake.submit",
		attribute.String("channel", string(sub.Channel)),
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()

	t, created, err := h.Submitter.Submit(ctx, sub)
	var perr *delivery.PersistenceError
	switch {
	case err == nil:
		log.WithContext(ctx).
			WithTask(t.ID).
			WithChannel(string(t.Channel)).
			WithField("created", created).
			Debug("submission accepted from nsq")
		m.Finish()
	case errors.As(err, &perr):
		// The store is unavailable; NSQ keeps the message until it is durable here.
		tracing.SetSpanError(ctx, err)
		log.WithContext(ctx).WithError(err).Warnf("submission not persisted, requeueing in %s", h.RequeueDelay)
		m.Requeue(h.RequeueDelay)
	default:
		tracing.SetSpanError(ctx, err)
		log.WithContext(ctx).
			WithChannel(string(sub.Channel)).
			WithDestination(sub.Destination).
			WithError(err).
			Error("submission rejected")
		m.Finish()
	}
	return nil
}

// Consumer reads the submission topic.
type Consumer struct {
	consumer *nsq.Consumer
	cfg      config.NSQ
}

func NewConsumer(cfg config.NSQ, h *Handler) (*Consumer, error) {
	conf := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	c, err := nsq.NewConsumer(cfg.SubmissionTopic, cfg.SubmissionChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	c.SetLoggerLevel(nsq.LogLevelWarning)
	c.AddHandler(h)
	return &Consumer{consumer: c, cfg: cfg}, nil
}

// Start connects through nsqlookupd when configured, otherwise straight to nsqd.
func (c *Consumer) Start() error {
	if c.cfg.LookupHTTPAddr != "" {
		if err := c.consumer.ConnectToNSQLookupd(c.cfg.LookupHTTPAddr); err != nil {
			return fmt.Errorf("connect nsqlookupd: %w", err)
		}
		return nil
	}
	if err := c.consumer.ConnectToNSQD(c.cfg.NsqdTCPAddr); err != nil {
		return fmt.Errorf("connect nsqd: %w", err)
	}
	return nil
}

// Stop stops the consumer and waits for in-flight handlers.
func (c *Consumer) Stop(ctx context.Context) error {
	c.consumer.Stop()
	select {
	case <-c.consumer.StopChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
