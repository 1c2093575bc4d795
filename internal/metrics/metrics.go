package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recognizer invocation outcomes
const (
	OutcomeOK      = "ok"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
	OutcomeTimeout = "timeout"
)

var (
	imagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forms",
			Subsystem: "extraction",
			Name:      "images_processed_total",
			Help:      "The total number of form images processed.",
		},
		[]string{"aligned", "status"},
	)

	fieldOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forms",
			Subsystem: "extraction",
			Name:      "field_outcomes_total",
			Help:      "The total number of fields extracted, by kind and outcome.",
		},
		[]string{"kind", "outcome"}, // outcome: ok, empty_roi, consensus_empty, invalid
	)

	recognizerInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forms",
			Subsystem: "extraction",
			Name:      "recognizer_invocations_total",
			Help:      "The total number of recognizer calls, by recognizer and outcome.",
		},
		[]string{"recognizer", "outcome"},
	)

	recognizerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "forms",
			Subsystem: "extraction",
			Name:      "recognizer_duration_seconds",
			Help:      "Time taken by a single recognizer call.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"recognizer"},
	)

	imageDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "forms",
			Subsystem: "extraction",
			Name:      "image_duration_seconds",
			Help:      "Time taken to process one form image end to end.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "forms",
			Subsystem: "extraction",
			Name:      "jobs_in_flight",
			Help:      "Number of queue jobs currently being processed.",
		},
	)
)

func init() {
	prometheus.MustRegister(imagesProcessed)
	prometheus.MustRegister(fieldOutcomes)
	prometheus.MustRegister(recognizerInvocations)
	prometheus.MustRegister(recognizerDuration)
	prometheus.MustRegister(imageDuration)
	prometheus.MustRegister(jobsInFlight)
}

// RecordImage counts a processed image and observes its duration
func RecordImage(aligned bool, status string, seconds float64) {
	a := "false"
	if aligned {
		a = "true"
	}
	imagesProcessed.WithLabelValues(a, status).Inc()
	imageDuration.Observe(seconds)
}

// RecordField counts one field outcome
func RecordField(kind, outcome string) {
	fieldOutcomes.WithLabelValues(kind, outcome).Inc()
}

// RecordRecognizer counts one recognizer call and observes its duration
func RecordRecognizer(recognizer, outcome string, seconds float64) {
	recognizerInvocations.WithLabelValues(recognizer, outcome).Inc()
	recognizerDuration.WithLabelValues(recognizer).Observe(seconds)
}

// JobStarted increments the in-flight gauge
func JobStarted() {
	jobsInFlight.Inc()
}

// JobFinished decrements the in-flight gauge
func JobFinished() {
	jobsInFlight.Dec()
}
