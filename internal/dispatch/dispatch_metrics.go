package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the dispatch subsystem.
type Metrics struct {
	SendsTotal       *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	Exhausted        *prometheus.CounterVec
	AttemptsPerSend  prometheus.Histogram
	DeliveryDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns dispatch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pager_notify_sends_total",
			Help: "Adapter sends by channel kind and outcome.",
		}, []string{"channel", "outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pager_notify_retries_total",
			Help: "Notification sends rescheduled for retry.",
		}, []string{"channel"}),
		Exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pager_notify_failed_total",
			Help: "Notification attempts terminally failed, by reason.",
		}, []string{"channel", "reason"}),
		AttemptsPerSend: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pager_notify_attempts_per_delivery",
			Help:    "Send attempts needed before a delivery succeeded.",
			Buckets: prometheus.LinearBuckets(1, 1, 10), // 1 .. 10
		}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pager_notify_delivery_duration_seconds",
			Help:    "Duration of the final successful send.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"channel"}),
	}

	reg.MustRegister(
		m.SendsTotal,
		m.Retries,
		m.Exhausted,
		m.AttemptsPerSend,
		m.DeliveryDuration,
	)

	return m
}

// Hooks returns SchedulerHooks that increment the corresponding metrics.
func (m *Metrics) Hooks() SchedulerHooks {
	return SchedulerHooks{
		OnDelivered: func(channelKind string, attempts int, duration float64) {
			m.SendsTotal.WithLabelValues(channelKind, "delivered").Inc()
			m.AttemptsPerSend.Observe(float64(attempts))
			m.DeliveryDuration.WithLabelValues(channelKind).Observe(duration)
		},
		OnRetried: func(channelKind string) {
			m.SendsTotal.WithLabelValues(channelKind, "retriable").Inc()
			m.Retries.WithLabelValues(channelKind).Inc()
		},
		OnExhausted: func(channelKind string, reason string) {
			m.SendsTotal.WithLabelValues(channelKind, "failed").Inc()
			m.Exhausted.WithLabelValues(channelKind, reason).Inc()
		},
	}
}
