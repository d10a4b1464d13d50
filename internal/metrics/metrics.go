// Package metrics declares the Prometheus collectors named in the
// specification's external-interfaces section, following estuary-flow's
// promauto package-level-var convention.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DominikDary/dcos-net/internal/mirror"
)

var (
	bytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dcos_dns_bytes_total",
		Help: "total bytes read from the operator event stream",
	})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcos_dns_messages_total",
		Help: "count of decoded operator events, by event type",
	}, []string{"type"})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dcos_dns_failures_total",
		Help: "count of connection-level failures, by kind",
	}, []string{"kind"})

	isLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dcos_dns_is_leader",
		Help: "1 if this process currently has an established operator stream",
	})

	pubsubDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dcos_dns_pubsub_duration_seconds",
		Help:    "time spent waiting for subscriber acknowledgement during publish",
		Buckets: prometheus.DefBuckets,
	})

	agentsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dcos_dns_agents_total",
		Help: "number of agents currently tracked by the Mirror",
	})

	frameworksTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dcos_dns_frameworks_total",
		Help: "number of frameworks currently tracked by the Mirror",
	})

	tasksTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dcos_dns_tasks_total",
		Help: "number of tasks currently tracked by the Mirror",
	})

	waitingTasksTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dcos_dns_waiting_tasks_total",
		Help: "number of tasks parked on an unresolved cross-reference",
	})
)

// ObserveStats updates the gauges named in the specification from a
// mirror.Stats snapshot; wire it in with (*mirror.Mirror).OnStats.
func ObserveStats(s mirror.Stats) {
	agentsTotal.Set(float64(s.Agents))
	frameworksTotal.Set(float64(s.Frameworks))
	tasksTotal.Set(float64(s.Tasks))
	waitingTasksTotal.Set(float64(s.WaitingTasks))
	if s.Leader {
		isLeader.Set(1)
	} else {
		isLeader.Set(0)
	}
}

// ObserveBytes records bytes read off the operator stream.
func ObserveBytes(n int) { bytesTotal.Add(float64(n)) }

// ObserveMessage counts one decoded event of the given kind.
func ObserveMessage(kind string) { messagesTotal.WithLabelValues(kind).Inc() }

// ObserveFailure counts one connection-level failure of the given kind.
func ObserveFailure(kind string) { failuresTotal.WithLabelValues(kind).Inc() }

// ObservePubsubDuration records how long a publish call blocked waiting
// for subscriber acknowledgement, in seconds.
func ObservePubsubDuration(seconds float64) { pubsubDuration.Observe(seconds) }

// Handler returns the /metrics HTTP handler to mount on the configured
// metrics_listen address.
func Handler() http.Handler { return promhttp.Handler() }
