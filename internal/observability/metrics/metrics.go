package metrics

import "github.com/prometheus/client_golang/prometheus"

// EconomyMetrics exposes counters/histograms for the appointment economy:
// cancellations, sweeps, risk transitions, refunds and notification delivery.
// A nil *EconomyMetrics is valid and records nothing.
type EconomyMetrics struct {
	cancellations     *prometheus.CounterVec
	jobRuns           *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	noShowOutcomes    *prometheus.CounterVec
	riskTransitions   *prometheus.CounterVec
	refundTransitions *prometheus.CounterVec
	refundDeadlines   *prometheus.GaugeVec
	deliveries        *prometheus.CounterVec
}

func NewEconomyMetrics(reg prometheus.Registerer) *EconomyMetrics {
	m := &EconomyMetrics{
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "appointments",
			Name:      "cancellations_total",
			Help:      "Appointments cancelled, by actor role and refund outcome",
		}, []string{"actor_role", "refund"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Scheduled job runs by job and status",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of scheduled job runs",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		noShowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "noshow",
			Name:      "appointments_total",
			Help:      "Appointments examined by the no-show sweep, by outcome",
		}, []string{"outcome"}),
		riskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "risk",
			Name:      "transitions_total",
			Help:      "Patient risk transitions (warning, blocked, unblocked, admin_alert)",
		}, []string{"transition"}),
		refundTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "refunds",
			Name:      "transitions_total",
			Help:      "Refund request transitions by target state or event",
		}, []string{"to"}),
		refundDeadlines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clinic",
			Subsystem: "refunds",
			Name:      "pickup_deadlines",
			Help:      "Open refund requests by pickup deadline state at the last scan",
		}, []string{"state"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by kind and status",
		}, []string{"kind", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.cancellations,
		m.jobRuns,
		m.jobDuration,
		m.noShowOutcomes,
		m.riskTransitions,
		m.refundTransitions,
		m.refundDeadlines,
		m.deliveries,
	)
	return m
}

func (m *EconomyMetrics) ObserveCancellation(actorRole string, refundCreated bool) {
	if m == nil {
		return
	}
	label := "none"
	if refundCreated {
		label = "created"
	}
	m.cancellations.WithLabelValues(actorRole, label).Inc()
}

func (m *EconomyMetrics) ObserveJob(job string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, statusLabel(err)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(seconds)
}

func (m *EconomyMetrics) ObserveNoShowOutcome(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.noShowOutcomes.WithLabelValues(outcome).Add(float64(n))
}

func (m *EconomyMetrics) ObserveRiskTransition(transition string) {
	if m == nil {
		return
	}
	m.riskTransitions.WithLabelValues(transition).Inc()
}

func (m *EconomyMetrics) ObserveRefundTransition(to string) {
	if m == nil {
		return
	}
	m.refundTransitions.WithLabelValues(to).Inc()
}

func (m *EconomyMetrics) SetRefundDeadlines(overdue, approaching int) {
	if m == nil {
		return
	}
	m.refundDeadlines.WithLabelValues("overdue").Set(float64(overdue))
	m.refundDeadlines.WithLabelValues("approaching").Set(float64(approaching))
}

// ObserveDelivery satisfies notify.DeliveryObserver.
func (m *EconomyMetrics) ObserveDelivery(kind string, err error) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind, statusLabel(err)).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
