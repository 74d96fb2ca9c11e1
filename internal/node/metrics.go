package node

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"greenbond/internal/chain"
)

const metricsNamespace = "greenbond"

type chainMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(chain.Metrics) float64
}

// chainCollector reads chain counters on every scrape.
type chainCollector struct {
	fetch   func() chain.Metrics
	metrics []chainMetric
}

func newChainCollector(fetch func() chain.Metrics) *chainCollector {
	gauge := func(name, help string, fn func(chain.Metrics) float64) chainMetric {
		return chainMetric{
			desc:      prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil),
			valueType: prometheus.GaugeValue,
			value:     fn,
		}
	}
	counter := func(name, help string, fn func(chain.Metrics) float64) chainMetric {
		m := gauge(name, help, fn)
		m.valueType = prometheus.CounterValue
		return m
	}

	return &chainCollector{
		fetch: fetch,
		metrics: []chainMetric{
			gauge("chain_height", "Latest finalized block height",
				func(m chain.Metrics) float64 { return float64(m.Height) }),
			gauge("mempool_size", "Current mempool size",
				func(m chain.Metrics) float64 { return float64(m.MempoolSize) }),
			gauge("mempool_peak", "Peak mempool size",
				func(m chain.Metrics) float64 { return float64(m.MempoolPeak) }),
			gauge("instruments", "Issued bond instruments",
				func(m chain.Metrics) float64 { return float64(m.InstrumentsCount) }),
			gauge("assets", "Assets on the ledger, bond units included",
				func(m chain.Metrics) float64 { return float64(m.AssetsCount) }),
			gauge("last_finalized_timestamp_ms", "Wall clock of the last finalized block",
				func(m chain.Metrics) float64 { return float64(m.LastFinalizedMs) }),
			counter("submitted_txs_total", "Accepted transactions",
				func(m chain.Metrics) float64 { return float64(m.SubmittedTxTotal) }),
			counter("rejected_txs_total", "Rejected transactions",
				func(m chain.Metrics) float64 { return float64(m.RejectedTxTotal) }),
			counter("evicted_txs_total", "Transactions evicted under mempool pressure",
				func(m chain.Metrics) float64 { return float64(m.EvictedTxTotal) }),
			counter("expired_txs_total", "Transactions dropped by the mempool age policy",
				func(m chain.Metrics) float64 { return float64(m.ExpiredTxTotal) }),
			counter("included_txs_total", "Transactions included in finalized blocks",
				func(m chain.Metrics) float64 { return float64(m.IncludedTxTotal) }),
			counter("finalized_blocks_total", "Finalized blocks",
				func(m chain.Metrics) float64 { return float64(m.FinalizedBlocksTotal) }),
			counter("failed_produce_total", "Failed block production attempts",
				func(m chain.Metrics) float64 { return float64(m.FailedProduceTotal) }),
			counter("fees_collected_total", "Fees credited to the block producer",
				func(m chain.Metrics) float64 { return float64(m.TotalFeesCollected) }),
			counter("settlements_total", "Settlement plans executed",
				func(m chain.Metrics) float64 { return float64(m.SettlementsTotal) }),
			counter("settlement_legs_total", "Settlement legs executed",
				func(m chain.Metrics) float64 { return float64(m.SettlementLegsTotal) }),
		},
	}
}

func (c *chainCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *chainCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.fetch()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(snapshot))
	}
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func (h *httpMetrics) observe(method string, status int, seconds float64) {
	code := strconv.Itoa(status)
	h.requests.WithLabelValues(method, code).Inc()
	h.duration.WithLabelValues(method).Observe(seconds)
}

// newRegistry builds a per-server registry so several servers can coexist
// in one process.
func newRegistry(c *chain.Chain) (*prometheus.Registry, *httpMetrics) {
	reg := prometheus.NewRegistry()
	h := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status code",
		}, []string{"method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(
		newChainCollector(c.GetMetrics),
		h.requests,
		h.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, h
}
