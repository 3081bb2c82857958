package core

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics exposes Prometheus gauges and counters for the pieces of the
// node whose health is otherwise only visible through logs: the RPC
// layer, the routing table, the adversarial-resistance machinery and the
// task scheduler. A node built with enable_metrics=false simply never
// constructs one.
type Metrics struct {
	registry *prometheus.Registry

	activeCalls       prometheus.Gauge
	routingTableSize  prometheus.Gauge
	bucketDepthHist   prometheus.Histogram
	spamRejectedTotal prometheus.Counter
	suspiciousBanned  prometheus.Gauge
	taskQueueDepth    prometheus.Gauge
	taskActiveCount   prometheus.Gauge
	rpcTimeoutsTotal  prometheus.Counter
	rpcRespondedTotal prometheus.Counter

	log *logrus.Entry
}

// NewMetrics builds and registers the node's gauges against a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		log:      logrus.WithField("component", "metrics"),

		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boson_rpc_active_calls",
			Help: "Number of RPC calls currently awaiting a response.",
		}),
		routingTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boson_routing_table_size",
			Help: "Number of entries currently held in the routing table.",
		}),
		bucketDepthHist: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "boson_routing_table_bucket_depth",
			Help:    "Distribution of k-bucket depths across the routing table.",
			Buckets: prometheus.LinearBuckets(0, 16, 16),
		}),
		spamRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_spam_throttle_rejected_total",
			Help: "Total number of inbound or outbound messages rejected by the spam throttle.",
		}),
		suspiciousBanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boson_suspicious_banned_nodes",
			Help: "Number of node/host identities currently banned by the suspicious-node tracker.",
		}),
		taskQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boson_task_queue_depth",
			Help: "Number of tasks waiting for a scheduler slot.",
		}),
		taskActiveCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "boson_task_active_count",
			Help: "Number of tasks currently running.",
		}),
		rpcTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_rpc_timeouts_total",
			Help: "Total number of RPC calls that timed out.",
		}),
		rpcRespondedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boson_rpc_responded_total",
			Help: "Total number of RPC calls that received a valid response.",
		}),
	}
	reg.MustRegister(
		m.activeCalls, m.routingTableSize, m.bucketDepthHist, m.spamRejectedTotal,
		m.suspiciousBanned, m.taskQueueDepth, m.taskActiveCount, m.rpcTimeoutsTotal, m.rpcRespondedTotal,
	)
	return m
}

func (m *Metrics) ObserveRpcResponded() { m.rpcRespondedTotal.Inc() }
func (m *Metrics) ObserveRpcTimeout()   { m.rpcTimeoutsTotal.Inc() }
func (m *Metrics) SetActiveCalls(n int) { m.activeCalls.Set(float64(n)) }
func (m *Metrics) ObserveSpamRejected() { m.spamRejectedTotal.Inc() }
func (m *Metrics) SetSuspiciousBanned(n int) { m.suspiciousBanned.Set(float64(n)) }
func (m *Metrics) SetTaskQueueDepth(n int)   { m.taskQueueDepth.Set(float64(n)) }
func (m *Metrics) SetTaskActiveCount(n int)  { m.taskActiveCount.Set(float64(n)) }

// ObserveRoutingTable records the table's total size and the depth
// histogram of its leaf buckets.
func (m *Metrics) ObserveRoutingTable(rt *RoutingTable) {
	m.routingTableSize.Set(float64(rt.Size()))
	rt.walk(rt.root, func(b *KBucket) {
		m.bucketDepthHist.Observe(float64(b.Prefix.Depth()))
	})
}

// Poll runs ObserveRoutingTable (and any other periodic samples) every
// interval until ctx is canceled.
func (m *Metrics) Poll(ctx context.Context, rt *RoutingTable, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ObserveRoutingTable(rt)
		case <-ctx.Done():
			return
		}
	}
}

// StartServer exposes the registry on addr's /metrics endpoint.
func (m *Metrics) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

// Shutdown gracefully stops a server started by StartServer.
func (m *Metrics) Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
