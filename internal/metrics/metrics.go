// Package metrics exports fan-out server telemetry to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fanout"

// State is the point-in-time size of the hub's components.
type State struct {
	Sessions       int
	Rooms          int
	PresenceOnline int
	Tabs           int
	ReplayLog      int
	Progress       int
}

// Metrics holds every collector.
type Metrics struct {
	sessions       prometheus.Gauge
	rooms          prometheus.Gauge
	presenceOnline prometheus.Gauge
	tabs           prometheus.Gauge
	replayLog      prometheus.Gauge
	progress       prometheus.Gauge

	ops              *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	broadcasts       *prometheus.CounterVec
	deliveries       prometheus.Counter
	deliveryFailures prometheus.Counter
	sweepEvictions   *prometheus.CounterVec
	ingress          *prometheus.CounterVec
}

// New registers every collector on reg, or on the default registerer when
// reg is nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	m := &Metrics{
		sessions:       gauge("sessions", "Live sessions."),
		rooms:          gauge("rooms", "Rooms with at least one member."),
		presenceOnline: gauge("presence_online", "Users in the online-by-role index."),
		tabs:           gauge("tabs", "Registered tabs across all users."),
		replayLog:      gauge("replay_log_size", "Entries in the sync replay log."),
		progress:       gauge("progress_tasks", "Tracked progress tasks."),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_total",
			Help:      "Inbound operations by operation and result code.",
		}, []string{"op", "result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Rejected admissions by operation class.",
		}, []string{"class"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts by kind.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Frames queued to session outboxes.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Frames dropped because a session outbox was full or closed.",
		}),
		sweepEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_evictions_total",
			Help:      "Entries removed by periodic sweeps.",
		}, []string{"sweep"}),
		ingress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_requests_total",
			Help:      "Producer ingress requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
	}

	collectors := []prometheus.Collector{
		m.sessions, m.rooms, m.presenceOnline, m.tabs, m.replayLog, m.progress,
		m.ops, m.rateLimited, m.broadcasts, m.deliveries, m.deliveryFailures, m.sweepEvictions, m.ingress,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, fmt.Errorf("register fanout metric: %w", err)
		}
	}
	return m, nil
}

// MustNew is New that panics on registration failure.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

// SetState updates the size gauges.
func (m *Metrics) SetState(s State) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(s.Sessions))
	m.rooms.Set(float64(s.Rooms))
	m.presenceOnline.Set(float64(s.PresenceOnline))
	m.tabs.Set(float64(s.Tabs))
	m.replayLog.Set(float64(s.ReplayLog))
	m.progress.Set(float64(s.Progress))
}

// ObserveOp counts one inbound operation. An empty result means success.
func (m *Metrics) ObserveOp(op, result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "ok"
	}
	m.ops.WithLabelValues(op, result).Inc()
}

// RateLimited counts one rejected admission for class.
func (m *Metrics) RateLimited(class string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(class).Inc()
}

// Broadcast counts one fan-out of kind that reached delivered sessions.
func (m *Metrics) Broadcast(kind string, delivered int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(kind).Inc()
	m.deliveries.Add(float64(delivered))
}

// DeliveryFailed counts one frame refused by a session outbox.
func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

// SweepEvicted adds n evictions for the named sweep.
func (m *Metrics) SweepEvicted(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepEvictions.WithLabelValues(sweep).Add(float64(n))
}

// Ingress counts one producer request by endpoint and status.
func (m *Metrics) Ingress(endpoint string, status int) {
	if m == nil {
		return
	}
	m.ingress.WithLabelValues(endpoint, fmt.Sprintf("%d", status)).Inc()
}
