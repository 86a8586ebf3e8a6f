package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	LookupFailures   *prometheus.CounterVec
	Valuations       prometheus.Counter
	AllocationBatch  *prometheus.CounterVec
	AllocatedAmount  prometheus.Counter
	CarryForward     prometheus.Counter
	Reversals        prometheus.Counter
	Conflicts        prometheus.Counter
	RequestDurations *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LookupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zakaah",
			Name:      "balance_lookup_failures_total",
			Help:      "Balance lookups that failed and were valued as zero.",
		}, []string{"group"}),
		Valuations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zakaah",
			Name:      "valuations_total",
			Help:      "Completed asset valuation passes.",
		}),
		AllocationBatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zakaah",
			Name:      "allocation_batches_total",
			Help:      "Allocation calls by outcome.",
		}, []string{"outcome"}),
		AllocatedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zakaah",
			Name:      "allocated_amount_total",
			Help:      "Sum of allocated amounts committed.",
		}),
		CarryForward: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zakaah",
			Name:      "carry_forward_amount_total",
			Help:      "Sum of source residue reported as carry-forward.",
		}),
		Reversals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zakaah",
			Name:      "allocation_reversals_total",
			Help:      "Allocation records cancelled.",
		}),
		Conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zakaah",
			Name:      "concurrency_conflicts_total",
			Help:      "Serialization failures seen while committing allocations.",
		}),
		RequestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zakaah",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.LookupFailures,
			m.Valuations,
			m.AllocationBatch,
			m.AllocatedAmount,
			m.CarryForward,
			m.Reversals,
			m.Conflicts,
			m.RequestDurations,
		)
	}

	return m
}

func (m *Metrics) LookupFailed(group string) {
	if m == nil {
		return
	}
	m.LookupFailures.WithLabelValues(group).Inc()
}

func (m *Metrics) ValuationCompleted() {
	if m == nil {
		return
	}
	m.Valuations.Inc()
}

// AllocationCommitted records a successful batch. Amounts are float64 for Prometheus only.
func (m *Metrics) AllocationCommitted(records int, allocated, carried float64) {
	if m == nil {
		return
	}
	outcome := "applied"
	if records == 0 {
		outcome = "noop"
	}
	m.AllocationBatch.WithLabelValues(outcome).Inc()
	m.AllocatedAmount.Add(allocated)
	m.CarryForward.Add(carried)
}

func (m *Metrics) AllocationFailed() {
	if m == nil {
		return
	}
	m.AllocationBatch.WithLabelValues("failed").Inc()
}

func (m *Metrics) Reversed() {
	if m == nil {
		return
	}
	m.Reversals.Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.Conflicts.Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDurations.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
