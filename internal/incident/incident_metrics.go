package incident

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the incident subsystem.
type Metrics struct {
	IngestsTotal     *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	StaleResolves    prometheus.Counter
	ConflictRetries  prometheus.Counter
	OpenFingerprints prometheus.Gauge
	NotesTotal       prometheus.Counter
	AttemptsEnqueued *prometheus.CounterVec
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pager_ingests_total",
			Help: "Alert observations ingested, by correlation action.",
		}, []string{"action"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pager_transitions_total",
			Help: "Accepted incident transitions by kind.",
		}, []string{"kind"}),
		StaleResolves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pager_stale_resolves_total",
			Help: "Resolve observations with no owning incident.",
		}),
		ConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pager_conflict_retries_total",
			Help: "Optimistic-concurrency conflicts retried internally.",
		}),
		OpenFingerprints: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pager_open_fingerprints",
			Help: "Fingerprints currently owned by non-closed incidents.",
		}),
		NotesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pager_notes_total",
			Help: "Notes appended to incidents.",
		}),
		AttemptsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pager_notify_attempts_enqueued_total",
			Help: "Notification attempts enqueued with a transition.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.IngestsTotal,
		m.TransitionsTotal,
		m.StaleResolves,
		m.ConflictRetries,
		m.OpenFingerprints,
		m.NotesTotal,
		m.AttemptsEnqueued,
	)

	return m
}

// Hooks returns service hooks that increment the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnIngest: func(action string) {
			m.IngestsTotal.WithLabelValues(action).Inc()
		},
		OnTransition: func(in *Incident, ev *Event) {
			m.TransitionsTotal.WithLabelValues(string(ev.Kind)).Inc()
			if ev.Kind == EventNoteAdded {
				m.NotesTotal.Inc()
			}
			switch ev.Kind {
			case EventCreated:
				m.OpenFingerprints.Add(float64(len(in.Alerts)))
			case EventClosed:
				m.OpenFingerprints.Sub(float64(len(in.Alerts)))
			}
		},
		OnEnqueued: func(kind string, n int) {
			m.AttemptsEnqueued.WithLabelValues(kind).Add(float64(n))
		},
		OnStaleResolve: func(string) {
			m.StaleResolves.Inc()
		},
		OnConflict: func() {
			m.ConflictRetries.Inc()
		},
	}
}
