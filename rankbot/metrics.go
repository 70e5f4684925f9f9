package rankbot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "rankbot"

const (
	metricResultSuccess = "success"
	metricResultFailure = "failure"
	metricResultSkipped = "skipped"
)

// botMetrics holds the collectors for a single Bot. Each bot gets its own
// registry, so multiple bots (or tests) in one process don't collide.
type botMetrics struct {
	registry *prometheus.Registry

	commands        *prometheus.CounterVec
	nicknameUpdates *prometheus.CounterVec
	listUpdates     *prometheus.CounterVec
	enforced        *prometheus.CounterVec
	memberWorkers   prometheus.Gauge
	commandDuration *prometheus.HistogramVec
}

func newBotMetrics() *botMetrics {
	m := &botMetrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rank_commands_total",
				Help:      "Rank commands handled, by action and final state.",
			},
			[]string{"action", "result"},
		),
		nicknameUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "nickname_updates_total",
				Help:      "Nickname updates attempted, by result.",
			},
			[]string{"result"},
		),
		listUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rank_list_updates_total",
				Help:      "Rank list message refreshes, by result.",
			},
			[]string{"result"},
		),
		enforced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "nickname_enforcements_total",
				Help:      "Nicknames corrected or imported by enforcement, by kind.",
			},
			[]string{"kind"},
		),
		memberWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "member_workers",
				Help:      "Per-member command workers currently running.",
			},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "rank_command_duration_seconds",
				Help:      "Time to execute a rank command, from dequeue to reply.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commands,
		m.nicknameUpdates,
		m.listUpdates,
		m.enforced,
		m.memberWorkers,
		m.commandDuration,
	)
	return m
}

func resultLabel(err error) string {
	if err != nil {
		return metricResultFailure
	}
	return metricResultSuccess
}
