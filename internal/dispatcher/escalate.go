package dispatcher

import (
	"context"
	"time"

	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/metrics"
)

// escalate alerts operators about a failed task. The failure itself is
// already recorded on the task; this adds a push task to the escalation
// group and hands the envelope to every sink. Escalation tasks never
// escalate. Neither d.mu nor the task lock of t may be held.
func (d *Dispatcher) escalate(ctx context.Context, t delivery.Task) {
	if t.Escalation {
		d.log.WithContext(ctx).WithTask(t.ID).WithField("reason", t.FailureReason).Error("escalation alert could not be delivered")
		return
	}
	now := d.now()
	esc := delivery.NewEscalation(t, now)
	metrics.RecordEscalation(esc.Reason)

	d.log.WithContext(ctx).
		WithTask(t.ID).
		WithChannel(string(t.Channel)).
		WithDestination(t.Destination).
		WithField("reason", esc.Reason).
		WithField("attempt", t.Attempt).
		WithField("last_error", t.LastError).
		Error("delivery escalated")

	if _, ok := d.opts.Channels[delivery.ChannelPush]; ok && d.opts.Escalation.Group != "" {
		sub := delivery.Submission{
			Channel:     delivery.ChannelPush,
			Destination: d.opts.Escalation.Group,
			MaxAttempts: d.opts.Escalation.MaxAttempts,
			Payload: delivery.Payload{
				Title:     esc.Title(),
				Message:   esc.Message(),
				Priority:  d.opts.Escalation.Priority,
				Timestamp: now,
				Attributes: map[string]string{
					"escalated_task": t.ID,
					"reason":         esc.Reason,
				},
			},
		}
		if _, _, err := d.submit(ctx, sub, true); err != nil {
			d.log.WithContext(ctx).WithTask(t.ID).WithError(err).Error("escalation task not recorded")
		}
	}

	for _, sink := range d.opts.Sinks {
		d.wg.Add(1)
		go func(sink EscalationSink) {
			defer d.wg.Done()
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := sink.PublishEscalation(pctx, esc); err != nil {
				d.log.WithContext(ctx).WithTask(t.ID).WithError(err).Error("escalation publish failed")
			}
		}(sink)
	}
}
