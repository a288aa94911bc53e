// Package metrics exposes prometheus collectors for watches, sessions and locks.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kvlock"

type Metrics struct {
	watchWakeups   *prometheus.CounterVec
	sessionRenews  *prometheus.CounterVec
	sessionsLost   prometheus.Counter
	lockAcquires   *prometheus.CounterVec
	locksLost      prometheus.Counter
	locksHeld      prometheus.Gauge
	keepAlivesLive prometheus.Gauge
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		watchWakeups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "wakeups_total",
			Help:      "Blocking query returns by outcome (changed, noop, reset, error).",
		}, []string{"outcome"}),
		sessionRenews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "renewals_total",
			Help:      "Session renew attempts by result (ok, gone, error).",
		}, []string{"result"}),
		sessionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "lost_total",
			Help:      "Sessions reported lost by keep-alive loops.",
		}),
		lockAcquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquire_attempts_total",
			Help:      "Lock acquire attempts by result (acquired, contended, error).",
		}, []string{"result"}),
		locksLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "lost_total",
			Help:      "Locks revoked without a release.",
		}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "held",
			Help:      "Locks currently held.",
		}),
		keepAlivesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "keepalives_running",
			Help:      "Keep-alive loops currently running.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.watchWakeups, m.sessionRenews, m.sessionsLost,
			m.lockAcquires, m.locksLost, m.locksHeld, m.keepAlivesLive,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) WatchWakeup(outcome string) {
	if m == nil {
		return
	}
	m.watchWakeups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SessionRenew(result string) {
	if m == nil {
		return
	}
	m.sessionRenews.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionLost() {
	if m == nil {
		return
	}
	m.sessionsLost.Inc()
}

// KeepAliveRunning adjusts the running keep-alive gauge by delta.
func (m *Metrics) KeepAliveRunning(delta float64) {
	if m == nil {
		return
	}
	m.keepAlivesLive.Add(delta)
}

func (m *Metrics) LockAcquire(result string) {
	if m == nil {
		return
	}
	m.lockAcquires.WithLabelValues(result).Inc()
	if result == "acquired" {
		m.locksHeld.Inc()
	}
}

// LockDropped records a held lock going away, lost when it was not released.
func (m *Metrics) LockDropped(lost bool) {
	if m == nil {
		return
	}
	m.locksHeld.Dec()
	if lost {
		m.locksLost.Inc()
	}
}
