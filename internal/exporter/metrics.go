// Package exporter exposes process metrics and runs the HTTP server.
package exporter

import (
	"net/http"
	"sync"
	"time"

	"meshgraph/internal/datasource"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"
)

const (
	labelView   = "view"
	labelResult = "result"
)

// Metrics holds the fetch pipeline metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	clock    clock.PassiveClock

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	nodes         *prometheus.GaugeVec
	edges         *prometheus.GaugeVec
	warnings      *prometheus.GaugeVec
	state         *prometheus.GaugeVec
	lastSuccess   *prometheus.GaugeVec

	mu      sync.Mutex
	started map[string]time.Time
}

// NewMetrics registers the pipeline metrics plus the Go and process collectors.
func NewMetrics(clk clock.PassiveClock) *Metrics {
	if clk == nil {
		clk = clock.RealClock{}
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		clock:    clk,
		started:  map[string]time.Time{},
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshgraph",
			Name:      "graph_fetches_total",
			Help:      "Completed graph fetches by outcome.",
		}, []string{labelView, labelResult}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "meshgraph",
			Name:      "graph_fetch_duration_seconds",
			Help:      "Time from loadStart to the fetch outcome.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{labelView, labelResult}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshgraph",
			Name:      "graph_nodes",
			Help:      "Nodes in the latest decorated graph, boxes included.",
		}, []string{labelView}),
		edges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshgraph",
			Name:      "graph_edges",
			Help:      "Edges in the latest decorated graph.",
		}, []string{labelView}),
		warnings: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshgraph",
			Name:      "graph_decoration_warnings",
			Help:      "Warnings recorded while decorating the latest graph.",
		}, []string{labelView}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshgraph",
			Name:      "controller_state",
			Help:      "1 for the current lifecycle state of each view.",
		}, []string{labelView, "state"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshgraph",
			Name:      "graph_last_success_timestamp_seconds",
			Help:      "Snapshot timestamp of the latest successful fetch.",
		}, []string{labelView}),
	}
	m.registry.MustRegister(
		m.fetches, m.fetchDuration, m.nodes, m.edges, m.warnings, m.state, m.lastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe subscribes to every event of c.
func (m *Metrics) Observe(c *datasource.Controller) {
	for _, event := range []datasource.Event{
		datasource.EventLoadStart,
		datasource.EventFetchSuccess,
		datasource.EventFetchError,
		datasource.EventEmptyNamespaces,
	} {
		c.On(event, m.record)
	}
	m.setState(c.Name(), datasource.StateIdle)
}

func (m *Metrics) record(n datasource.Notification) {
	view := n.Controller
	switch n.Event {
	case datasource.EventLoadStart:
		m.mu.Lock()
		m.started[view] = m.clock.Now()
		m.mu.Unlock()
		m.setState(view, datasource.StateLoading)
	case datasource.EventFetchSuccess:
		m.finish(view, "success")
		m.setState(view, datasource.StateReady)
		if n.Set != nil {
			m.nodes.WithLabelValues(view).Set(float64(len(n.Set.Nodes())))
			m.edges.WithLabelValues(view).Set(float64(len(n.Set.Edges())))
			m.warnings.WithLabelValues(view).Set(float64(len(n.Set.Warnings())))
		}
		if !n.Timestamp.IsZero() {
			m.lastSuccess.WithLabelValues(view).Set(float64(n.Timestamp.Unix()))
		}
	case datasource.EventFetchError:
		m.finish(view, "error")
		m.setState(view, datasource.StateError)
	case datasource.EventEmptyNamespaces:
		m.mu.Lock()
		delete(m.started, view)
		m.mu.Unlock()
		m.setState(view, datasource.StateIdle)
	}
}

func (m *Metrics) finish(view, result string) {
	m.fetches.WithLabelValues(view, result).Inc()
	m.mu.Lock()
	started, ok := m.started[view]
	delete(m.started, view)
	m.mu.Unlock()
	if ok {
		m.fetchDuration.WithLabelValues(view, result).Observe(m.clock.Since(started).Seconds())
	}
}

func (m *Metrics) setState(view string, current datasource.State) {
	for _, s := range []datasource.State{datasource.StateIdle, datasource.StateLoading, datasource.StateReady, datasource.StateError} {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.WithLabelValues(view, s.String()).Set(v)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
