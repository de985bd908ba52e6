package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerMetrics manages Prometheus instrumentation for generation and booking.
type SchedulerMetrics struct {
	bookings          *prometheus.CounterVec
	bookingRetries    prometheus.Counter
	compensations     *prometheus.CounterVec
	generatedInstance *prometheus.CounterVec
	grants            *prometheus.CounterVec
}

var (
	instance *SchedulerMetrics
	once     sync.Once
)

// Get returns the singleton metrics instance.
func Get() *SchedulerMetrics {
	once.Do(func() {
		instance = newSchedulerMetrics()
	})
	return instance
}

func newSchedulerMetrics() *SchedulerMetrics {
	m := &SchedulerMetrics{
		bookings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scheduler",
				Subsystem: "booking",
				Name:      "attempts_total",
				Help:      "Total booking requests by outcome",
			},
			[]string{"outcome"},
		),
		bookingRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "scheduler",
				Subsystem: "booking",
				Name:      "retries_total",
				Help:      "Total optimistic concurrency retries of the booking chain",
			},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scheduler",
				Subsystem: "booking",
				Name:      "compensations_total",
				Help:      "Total reverted instance writes after a failed entitlement debit",
			},
			[]string{"result"},
		),
		generatedInstance: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scheduler",
				Subsystem: "generation",
				Name:      "instances_total",
				Help:      "Total generation candidates by result",
			},
			[]string{"result"},
		),
		grants: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scheduler",
				Subsystem: "entitlement",
				Name:      "grants_total",
				Help:      "Total entitlement grants from completed payments by result",
			},
			[]string{"result"},
		),
	}

	prometheus.MustRegister(
		m.bookings,
		m.bookingRetries,
		m.compensations,
		m.generatedInstance,
		m.grants,
	)

	return m
}

// RecordBooking records the final outcome of one BookInstance call
func (m *SchedulerMetrics) RecordBooking(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.bookings.WithLabelValues(outcome).Inc()
}

// RecordBookingRetry records one retried attempt
func (m *SchedulerMetrics) RecordBookingRetry() {
	m.bookingRetries.Inc()
}

// RecordCompensation records a revert of an instance write
func (m *SchedulerMetrics) RecordCompensation(ok bool) {
	result := "reverted"
	if !ok {
		result = "failed"
	}
	m.compensations.WithLabelValues(result).Inc()
}

// RecordGeneration adds the counts of one class generation run
func (m *SchedulerMetrics) RecordGeneration(created, skipped, errored int) {
	m.generatedInstance.WithLabelValues("created").Add(float64(created))
	m.generatedInstance.WithLabelValues("skipped").Add(float64(skipped))
	m.generatedInstance.WithLabelValues("errored").Add(float64(errored))
}

// RecordGrant records an entitlement grant result
func (m *SchedulerMetrics) RecordGrant(result string) {
	m.grants.WithLabelValues(result).Inc()
}
