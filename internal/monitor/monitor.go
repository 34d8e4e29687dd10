// Package monitor exposes the server's Prometheus metrics.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	ActiveGames      prometheus.Gauge
	ConnectedClients prometheus.Gauge
	QueueSize        *prometheus.GaugeVec
	GamesFinished    *prometheus.CounterVec
	MovesApplied     prometheus.Counter
	MatchesMade      prometheus.Counter
	RoundsGenerated  prometheus.Counter
	Forfeits         prometheus.Counter
	MessagesReceived prometheus.Counter
	MessageLatency   prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveGames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_games",
			Help:      "Number of live game sessions",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of open realtime connections",
		}),
		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "matchmaking_queue_size",
			Help:      "Players waiting per time control",
		}, []string{"time_control"}),
		GamesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_finished_total",
			Help:      "Finished games by termination reason",
		}, []string{"reason"}),
		MovesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_applied_total",
			Help:      "Total number of accepted moves",
		}),
		MatchesMade: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_made_total",
			Help:      "Total number of matchmaking pairings",
		}),
		RoundsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tournament_rounds_total",
			Help:      "Total number of tournament rounds paired",
		}),
		Forfeits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tournament_forfeits_total",
			Help:      "Total number of tournament pairings closed by forfeit",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of realtime messages received",
		}),
		MessageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_latency_seconds",
			Help:      "Realtime message handling latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ActiveGames,
		m.ConnectedClients,
		m.QueueSize,
		m.GamesFinished,
		m.MovesApplied,
		m.MatchesMade,
		m.RoundsGenerated,
		m.Forfeits,
		m.MessagesReceived,
		m.MessageLatency,
	}
}

// Monitor owns a private registry so several instances can coexist in tests.
type Monitor struct {
	metrics   *Metrics
	registry  *prometheus.Registry
	startTime time.Time
}

func NewMonitor(namespace string) *Monitor {
	m := &Monitor{
		metrics:   NewMetrics(namespace),
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}
	m.registry.MustRegister(m.metrics.collectors()...)
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since process start",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
	)
	return m
}

func (m *Monitor) Metrics() *Metrics { return m.metrics }

// Handler serves the registry in the Prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Monitor) GameStarted()               { m.metrics.ActiveGames.Inc() }
func (m *Monitor) MoveApplied()               { m.metrics.MovesApplied.Inc() }
func (m *Monitor) MatchMade()                 { m.metrics.MatchesMade.Inc() }
func (m *Monitor) RoundGenerated()            { m.metrics.RoundsGenerated.Inc() }
func (m *Monitor) Forfeit()                   { m.metrics.Forfeits.Inc() }
func (m *Monitor) IncConnectedClients()       { m.metrics.ConnectedClients.Inc() }
func (m *Monitor) DecConnectedClients()       { m.metrics.ConnectedClients.Dec() }
func (m *Monitor) IncMessagesReceived()       { m.metrics.MessagesReceived.Inc() }
func (m *Monitor) QueueSize(tc string, n int) { m.metrics.QueueSize.WithLabelValues(tc).Set(float64(n)) }

func (m *Monitor) GameFinished(reason string) {
	m.metrics.ActiveGames.Dec()
	m.metrics.GamesFinished.WithLabelValues(reason).Inc()
}

func (m *Monitor) ObserveMessageLatency(d time.Duration) {
	m.metrics.MessageLatency.Observe(d.Seconds())
}
