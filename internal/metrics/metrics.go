// Package metrics defines the prometheus collectors exported by babbell.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "babbell"

// NewRegistry creates a registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Metrics bundles every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Broadcasts       *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	FanoutDuration   *prometheus.HistogramVec
	Votes            *prometheus.CounterVec
	PollUpdates      *prometheus.CounterVec
	GateRejections   *prometheus.CounterVec
	UpdatesProcessed *prometheus.CounterVec
	UpdatesDropped   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts started, by action.",
		}, []string{"action"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery attempts, by tenant and result.",
		}, []string{"tenant", "result"}),
		FanoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Wall time of one fan-out, by kind.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_votes_total",
			Help:      "Vote toggles, by result (added, removed, closed).",
		}, []string{"result"}),
		PollUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_message_updates_total",
			Help:      "Poll message re-renders, by result.",
		}, []string{"result"}),
		GateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Inbound actions rejected by the admission gate, by reason.",
		}, []string{"reason"}),
		UpdatesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_processed_total",
			Help:      "Inbound updates handled by the router, by kind.",
		}, []string{"kind"}),
		UpdatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_dropped_total",
			Help:      "Inbound updates dropped because the router queue was full.",
		}),
	}
	reg.MustRegister(m.Broadcasts, m.Deliveries, m.FanoutDuration, m.Votes,
		m.PollUpdates, m.GateRejections, m.UpdatesProcessed, m.UpdatesDropped)
	return m
}

func (m *Metrics) BroadcastStarted(action string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(action).Inc()
}

func (m *Metrics) Delivery(tenant string, ok bool) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(tenant, result(ok)).Inc()
}

func (m *Metrics) Fanout(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.FanoutDuration.WithLabelValues(kind).Observe(seconds)
}

func (m *Metrics) Vote(res string) {
	if m == nil {
		return
	}
	m.Votes.WithLabelValues(res).Inc()
}

func (m *Metrics) PollUpdate(ok bool) {
	if m == nil {
		return
	}
	m.PollUpdates.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.GateRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Processed(kind string) {
	if m == nil {
		return
	}
	m.UpdatesProcessed.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.UpdatesDropped.Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
