package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arena"

// Collectors groups the server's Prometheus instruments on a private registry. A nil
// *Collectors is valid and records nothing.
type Collectors struct {
	registry        *prometheus.Registry
	ticks           prometheus.Counter
	tickDuration    prometheus.Histogram
	matchesFinished *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	connections     *prometheus.GaugeVec
	tournaments     *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	rejectedInputs  *prometheus.CounterVec
}

// New registers every collector, plus the Go runtime and process collectors.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	c := &Collectors{
		registry: reg,
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Simulation ticks executed across all matches.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time spent inside a single match tick.",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
		}),
		matchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_finished_total",
			Help:      "Matches that reached their terminal event, by end reason.",
		}, []string{"reason"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Durable storage writes that failed, by operation.",
		}, []string{"op"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open WebSocket connections, by endpoint kind.",
		}, []string{"kind"}),
		tournaments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tournaments_total",
			Help:      "Tournament lifecycle transitions, by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications published, by event type.",
		}, []string{"event"}),
		rejectedInputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_inputs_total",
			Help:      "Client input actions rejected, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.ticks, c.tickDuration, c.matchesFinished, c.persistFailures,
		c.connections, c.tournaments, c.notifications, c.rejectedInputs,
	)
	return c
}

// Registry exposes the underlying registry so tests can gather samples.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// TrackLiveMatches exposes a gauge computed on scrape.
func (c *Collectors) TrackLiveMatches(count func() int) {
	if c == nil || count == nil {
		return
	}
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_matches",
		Help:      "Matches currently held in the session registry.",
	}, func() float64 { return float64(count()) }))
}

// ObserveTick records one executed tick.
func (c *Collectors) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
}

// MatchFinished counts a terminal event.
func (c *Collectors) MatchFinished(reason string) {
	if c == nil {
		return
	}
	c.matchesFinished.WithLabelValues(reason).Inc()
}

// PersistFailed counts a failed storage write.
func (c *Collectors) PersistFailed(op string) {
	if c == nil {
		return
	}
	c.persistFailures.WithLabelValues(op).Inc()
}

// ConnectionOpened increments the open connection gauge for kind.
func (c *Collectors) ConnectionOpened(kind string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(kind).Inc()
}

// ConnectionClosed decrements the open connection gauge for kind.
func (c *Collectors) ConnectionClosed(kind string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(kind).Dec()
}

// TournamentOutcome counts a tournament transition such as created, completed or cancelled.
func (c *Collectors) TournamentOutcome(outcome string) {
	if c == nil {
		return
	}
	c.tournaments.WithLabelValues(outcome).Inc()
}

// NotificationSent counts a published notification.
func (c *Collectors) NotificationSent(event string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(event).Inc()
}

// InputRejected counts a rejected client action.
func (c *Collectors) InputRejected(reason string) {
	if c == nil {
		return
	}
	c.rejectedInputs.WithLabelValues(reason).Inc()
}
