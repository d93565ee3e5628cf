package repair

import "github.com/prometheus/client_golang/prometheus"

// Metrics aggregates rule-keyed repair counters. The struct is injected into
// the repairer instead of living in package state, so each test can assert
// against a fresh instance.
type Metrics struct {
	Attempts      *prometheus.CounterVec
	Successes     *prometheus.CounterVec
	Conflicts     *prometheus.CounterVec
	ReadonlySkips *prometheus.CounterVec
}

// NewMetrics creates the counter set and registers it when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repair_attempt_total",
			Help: "Repair attempts per rule.",
		}, []string{"rule_id"}),
		Successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repair_success_total",
			Help: "Successful repairs per rule.",
		}, []string{"rule_id"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repair_conflict_total",
			Help: "Repairs lost to an etag conflict, deferred to the next pass.",
		}, []string{"rule_id"}),
		ReadonlySkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "readonly_skip_total",
			Help: "Repairs skipped because the calendar is read-only.",
		}, []string{"rule_id"}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Successes, m.Conflicts, m.ReadonlySkips)
	}
	return m
}
