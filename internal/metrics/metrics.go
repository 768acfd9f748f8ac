package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonerelay_submissions_total",
			Help: "Total submissions by channel and result.",
		},
		[]string{"channel", "result"}, // created, duplicate, rejected
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonerelay_attempts_total",
			Help: "Total delivery attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	AttemptDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tonerelay_attempt_duration_seconds",
			Help:    "Duration of a single delivery attempt.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonerelay_retries_total",
			Help: "Total rescheduled attempts by channel and reason.",
		},
		[]string{"channel", "reason"}, // e.g. http_5xx, timeout, checksum_mismatch
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonerelay_rate_limited_total",
			Help: "Total attempts deferred by the rate limiter.",
		},
		[]string{"channel"},
	)

	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonerelay_escalations_total",
			Help: "Total escalations raised by reason.",
		},
		[]string{"reason"},
	)

	PersistenceFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonerelay_persistence_failures_total",
			Help: "Total state store writes that failed after retries.",
		},
		[]string{"op"},
	)

	Tasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tonerelay_tasks",
			Help: "Tasks currently held by the dispatcher, by state.",
		},
		[]string{"state"},
	)

	IntakeBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tonerelay_intake_backlog",
			Help: "Depth of the NSQ submission channel.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tonerelay_nsq_topic_depth",
			Help: "Current depth of NSQ topic channels.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		SubmissionsTotal,
		AttemptsTotal,
		AttemptDurationSeconds,
		RetriesTotal,
		RateLimitedTotal,
		EscalationsTotal,
		PersistenceFailuresTotal,
		Tasks,
		IntakeBacklog,
		NSQTopicDepth,
	)
}

func RecordSubmission(channel, result string) {
	SubmissionsTotal.WithLabelValues(channel, result).Inc()
}

func RecordAttempt(channel, outcome string, d time.Duration) {
	AttemptsTotal.WithLabelValues(channel, outcome).Inc()
	AttemptDurationSeconds.WithLabelValues(channel).Observe(d.Seconds())
}

func RecordRetry(channel, reason string) {
	RetriesTotal.WithLabelValues(channel, reason).Inc()
}

func RecordRateLimited(channel string) {
	RateLimitedTotal.WithLabelValues(channel).Inc()
}

func RecordEscalation(reason string) {
	EscalationsTotal.WithLabelValues(reason).Inc()
}

func RecordPersistenceFailure(op string) {
	PersistenceFailuresTotal.WithLabelValues(op).Inc()
}

// SetTaskCounts replaces the per-state gauge values.
func SetTaskCounts(counts map[string]int) {
	Tasks.Reset()
	for state, n := range counts {
		Tasks.WithLabelValues(state).Set(float64(n))
	}
}

func UpdateIntakeBacklog(depth float64) {
	IntakeBacklog.Set(depth)
}

func UpdateNSQTopicDepth(topic, channel string, depth float64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
