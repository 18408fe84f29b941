// Package metrics exposes the pipeline's Prometheus collectors:
//
//	factory_odds_sync_markets_total{result}
//	factory_odds_diff_hit_rate
//	factory_odds_writes_total{result}
//	factory_queue_tasks{state}
//	factory_settlements_total{source,outcome}
//	factory_settlement_failures_total
//	factory_relay_markets_total{action}
//	factory_scheduler_runs_total{job,status}
//	factory_scheduler_run_seconds{job}
//
// plus go_* and process_* runtime metrics. All methods are safe on a nil
// *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/marketfactory/internal/domain"
)

const namespace = "factory"

// Metrics owns a private registry and the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	syncMarkets       *prometheus.CounterVec
	diffHitRate       prometheus.Gauge
	oddsWrites        *prometheus.CounterVec
	queueTasks        *prometheus.GaugeVec
	settlements       *prometheus.CounterVec
	settlementFailure prometheus.Counter
	relayMarkets      *prometheus.CounterVec
	schedulerRuns     *prometheus.CounterVec
	schedulerSeconds  *prometheus.HistogramVec
}

// New builds and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncMarkets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "odds_sync_markets_total",
			Help:      "Markets polled by the odds sync, by result (queued, filtered, failed, no_price).",
		}, []string{"result"}),
		diffHitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "odds_diff_hit_rate",
			Help:      "Percentage of polled markets filtered out by the materiality threshold in the last sync.",
		}),
		oddsWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "odds_writes_total",
			Help:      "Price update tasks processed by the odds worker, by result.",
		}, []string{"result"}),
		queueTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_tasks",
			Help:      "Price queue tasks by state.",
		}, []string{"state"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Markets settled, by decision source and outcome.",
		}, []string{"source", "outcome"}),
		settlementFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_failures_total",
			Help:      "Markets left unresolved after a failed settlement attempt.",
		}),
		relayMarkets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_markets_total",
			Help:      "Relay engine actions (created, bound, failed, paused).",
		}, []string{"action"}),
		schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_runs_total",
			Help:      "Scheduler job ticks by status.",
		}, []string{"job", "status"}),
		schedulerSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_run_seconds",
			Help:      "Scheduler job run duration.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
		}, []string{"job"}),
	}

	m.registry.MustRegister(
		m.syncMarkets, m.diffHitRate, m.oddsWrites, m.queueTasks,
		m.settlements, m.settlementFailure, m.relayMarkets,
		m.schedulerRuns, m.schedulerSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveSync records one odds sync pass.
func (m *Metrics) ObserveSync(queued, filtered, failed, noPrice, hitRate int) {
	if m == nil {
		return
	}
	m.syncMarkets.WithLabelValues("queued").Add(float64(queued))
	m.syncMarkets.WithLabelValues("filtered").Add(float64(filtered))
	m.syncMarkets.WithLabelValues("failed").Add(float64(failed))
	m.syncMarkets.WithLabelValues("no_price").Add(float64(noPrice))
	m.diffHitRate.Set(float64(hitRate))
}

// OddsWrite records one worker delivery result (written, retried, dropped).
func (m *Metrics) OddsWrite(result string) {
	if m == nil {
		return
	}
	m.oddsWrites.WithLabelValues(result).Inc()
}

// SetQueueStats publishes a queue snapshot.
func (m *Metrics) SetQueueStats(s domain.QueueStats) {
	if m == nil {
		return
	}
	m.queueTasks.WithLabelValues("waiting").Set(float64(s.Waiting))
	m.queueTasks.WithLabelValues("active").Set(float64(s.Active))
	m.queueTasks.WithLabelValues("delayed").Set(float64(s.Delayed))
	m.queueTasks.WithLabelValues("completed").Set(float64(s.Completed))
	m.queueTasks.WithLabelValues("failed").Set(float64(s.Failed))
}

// Settled records one applied outcome.
func (m *Metrics) Settled(source domain.SettlementSource, outcome domain.Outcome) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(string(source), string(outcome)).Inc()
}

// SettlementFailed records a market left unresolved by a storage fault.
func (m *Metrics) SettlementFailed() {
	if m == nil {
		return
	}
	m.settlementFailure.Inc()
}

// ObserveRelay records one relay pass.
func (m *Metrics) ObserveRelay(created, bound, failed, paused int) {
	if m == nil {
		return
	}
	m.relayMarkets.WithLabelValues("created").Add(float64(created))
	m.relayMarkets.WithLabelValues("bound").Add(float64(bound))
	m.relayMarkets.WithLabelValues("failed").Add(float64(failed))
	m.relayMarkets.WithLabelValues("paused").Add(float64(paused))
}

// JobRun records one scheduler tick.
func (m *Metrics) JobRun(job, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(job, status).Inc()
	m.schedulerSeconds.WithLabelValues(job).Observe(took.Seconds())
}
