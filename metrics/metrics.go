// Package metrics exposes Prometheus instrumentation for a client's node
// sessions and links: availability, penalty score, REST latency, reconnect
// activity, and link state, mirroring the teacher's own Metrics type.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private Prometheus registry and every metric this client
// publishes. Collectors are labeled by client instance and node name so one
// process running several Clients doesn't collide on series.
type Metrics struct {
	instance string
	registry *prometheus.Registry
	server   *http.Server

	NodeAvailable    *prometheus.GaugeVec
	NodePenaltyScore *prometheus.GaugeVec
	NodePlayers      *prometheus.GaugeVec

	RESTDuration *prometheus.HistogramVec
	RESTTotal    *prometheus.CounterVec

	ReconnectAttempts *prometheus.CounterVec
	ReconnectBackoff  *prometheus.GaugeVec

	LinkState *prometheus.GaugeVec
}

// New returns a Metrics collector registered under its own registry. Pass
// the client's instance name (used as the "jwc/<instance>" identity
// elsewhere) so multiple Clients in one process get distinct series.
func New(instance string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		instance: instance,
		registry: registry,

		NodeAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jwc_node_available",
			Help: "1 if the node session considers itself available for routing",
		}, []string{"instance", "node"}),

		NodePenaltyScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jwc_node_penalty_score",
			Help: "Most recently calculated total penalty score for a node",
		}, []string{"instance", "node"}),

		NodePlayers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jwc_node_players",
			Help: "Number of players currently tracked on a node",
		}, []string{"instance", "node"}),

		RESTDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jwc_rest_duration_seconds",
			Help:    "Node REST call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"instance", "node", "method"}),

		RESTTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jwc_rest_total",
			Help: "Total node REST calls",
		}, []string{"instance", "node", "method", "status"}),

		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jwc_reconnect_attempts_total",
			Help: "Total event-socket reconnect attempts",
		}, []string{"instance", "node"}),

		ReconnectBackoff: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jwc_reconnect_backoff_seconds",
			Help: "Backoff interval used for the most recent reconnect attempt",
		}, []string{"instance", "node"}),

		LinkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jwc_link_state",
			Help: "Link state as an integer: 0=connecting, 1=connected, 2=disconnected",
		}, []string{"instance", "guild"}),
	}

	registry.MustRegister(
		m.NodeAvailable,
		m.NodePenaltyScore,
		m.NodePlayers,
		m.RESTDuration,
		m.RESTTotal,
		m.ReconnectAttempts,
		m.ReconnectBackoff,
		m.LinkState,
	)
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Serve starts an HTTP server exposing /metrics on addr and shuts it down
// when ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Handler returns the promhttp handler directly, for embedding in an
// application's own mux instead of calling Serve.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetNodeAvailable(node string, available bool) {
	val := 0.0
	if available {
		val = 1.0
	}
	m.NodeAvailable.WithLabelValues(m.instance, node).Set(val)
}

func (m *Metrics) SetNodePenaltyScore(node string, score int) {
	m.NodePenaltyScore.WithLabelValues(m.instance, node).Set(float64(score))
}

func (m *Metrics) SetNodePlayers(node string, count int) {
	m.NodePlayers.WithLabelValues(m.instance, node).Set(float64(count))
}

func (m *Metrics) ObserveREST(node, method string, duration time.Duration, err error) {
	m.RESTDuration.WithLabelValues(m.instance, node, method).Observe(duration.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RESTTotal.WithLabelValues(m.instance, node, method, status).Inc()
}

func (m *Metrics) IncReconnectAttempt(node string, backoff time.Duration) {
	m.ReconnectAttempts.WithLabelValues(m.instance, node).Inc()
	m.ReconnectBackoff.WithLabelValues(m.instance, node).Set(backoff.Seconds())
}

// LinkStateValue maps a link state ordinal to the gauge value this package
// publishes for it. Kept here (rather than importing the root package) to
// avoid a dependency cycle; the root package's link state constants use the
// same ordinal values.
func LinkStateValue(state int) float64 {
	return float64(state)
}

func (m *Metrics) SetLinkState(guild string, state int) {
	m.LinkState.WithLabelValues(m.instance, guild).Set(LinkStateValue(state))
}
