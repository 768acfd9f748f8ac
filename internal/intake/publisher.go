package intake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/tracing"
)

// Producer is the subset of *nsq.Producer used here.
type Producer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NewProducer connects a producer to nsqd and checks it is reachable.
func NewProducer(addr string) (*nsq.Producer, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	if err := p.Ping(); err != nil {
		p.Stop()
		return nil, fmt.Errorf("ping nsqd %s: %w", addr, err)
	}
	return p, nil
}

// Publisher sends submissions to the submission topic.
type Publisher struct {
	producer Producer
	topic    string
}

func NewPublisher(p Producer, topic string) *Publisher {
	return &Publisher{producer: p, topic: topic}
}

// Publish injects the current trace context and publishes sub.
func (p *Publisher) Publish(ctx context.Context, sub delivery.Submission) error {
	ctx, span := tracing.StartSpan(ctx, "intake.publish",
		attribute.String("topic", p.topic),
		attribute.String("channel", string(sub.Channel)),
	)
	defer span.End()

	sub.TraceHeaders = tracing.Inject(ctx)
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	if err := p.producer.Publish(p.topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	return nil
}

func (p *Publisher) Stop() { p.producer.Stop() }

// EscalationPublisher publishes escalations to the escalation topic.
type EscalationPublisher struct {
	producer Producer
	topic    string
}

func NewEscalationPublisher(p Producer, topic string) *EscalationPublisher {
	return &EscalationPublisher{producer: p, topic: topic}
}

func (p *EscalationPublisher) PublishEscalation(ctx context.Context, esc delivery.Escalation) error {
	body, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	if err := p.producer.Publish(p.topic, body); err != nil {
		return fmt.Errorf("publish %s: %w", p.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_escalation",
		attribute.String("topic", p.topic),
		attribute.String("task_id", esc.Task.ID),
	)
	return nil
}
