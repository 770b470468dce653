package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crpt_submissions_total",
			Help: "Completed document submissions by outcome and product group.",
		},
		[]string{"outcome", "product_group"}, // outcome: accepted, rejected, failed
	)

	SubmissionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crpt_submission_latency_seconds",
			Help:    "Time from worker pickup to response, including the permit wait.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"product_group"},
	)

	HTTPResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crpt_http_responses_total",
			Help: "HTTP responses from the submission endpoint by status code.",
		},
		[]string{"status_code"},
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crpt_failures_total",
			Help: "Pipeline failures by error kind.",
		},
		[]string{"kind"},
	)

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crpt_handshakes_total",
			Help: "Authentication handshakes by result.",
		},
		[]string{"result"}, // ok, key_fetch, token_exchange, cached
	)

	PermitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crpt_permit_wait_seconds",
			Help:    "Time workers spent blocked waiting for a rate limit permit.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	InflightSends = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crpt_inflight_sends",
			Help: "Submission requests currently on the wire.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crpt_queue_depth",
			Help: "Tasks waiting for a worker.",
		},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crpt_dead_letters_total",
			Help: "Intake requests published to the dead letter topic.",
		},
		[]string{"reason"},
	)

	NSQBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crpt_nsq_backlog",
			Help: "Messages waiting on an NSQ channel, polled from nsqd.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		SubmissionsTotal,
		SubmissionLatency,
		HTTPResponsesTotal,
		FailuresTotal,
		HandshakesTotal,
		PermitWait,
		InflightSends,
		QueueDepth,
		DeadLettersTotal,
		NSQBacklog,
	)
}

// RecordSubmission records a completed task.
func RecordSubmission(outcome, productGroup string, latency time.Duration) {
	SubmissionsTotal.WithLabelValues(outcome, productGroup).Inc()
	SubmissionLatency.WithLabelValues(productGroup).Observe(latency.Seconds())
}

// RecordHTTPStatus counts a response status code.
func RecordHTTPStatus(code string) {
	HTTPResponsesTotal.WithLabelValues(code).Inc()
}

// RecordFailure counts a failure of the given kind.
func RecordFailure(kind string) {
	FailuresTotal.WithLabelValues(kind).Inc()
}

func RecordHandshake(result string) {
	HandshakesTotal.WithLabelValues(result).Inc()
}

func RecordPermitWait(d time.Duration) {
	PermitWait.Observe(d.Seconds())
}

func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

func UpdateNSQBacklog(topic, channel string, depth float64) {
	NSQBacklog.WithLabelValues(topic, channel).Set(depth)
}
