package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a DDB node
type Metrics struct {
	// Record metrics
	RecordsAppliedTotal  *prometheus.CounterVec
	RecordsIgnoredTotal  *prometheus.CounterVec
	RecordsRejectedTotal *prometheus.CounterVec
	LocalWritesTotal     *prometheus.CounterVec

	// Replication metrics
	JoinRequestsTotal  *prometheus.CounterVec
	BurstsSentTotal    *prometheus.CounterVec
	BurstRecordsTotal  *prometheus.CounterVec
	StaleJoinsTotal    *prometheus.CounterVec
	DropsTotal         *prometheus.CounterVec
	HashMismatchTotal  *prometheus.CounterVec
	HubDisconnectTotal prometheus.Counter
	PeersConnected     *prometheus.GaugeVec
	MalformedLineTotal prometheus.Counter

	// Table metrics
	TableSerial   *prometheus.GaugeVec
	TableRecords  *prometheus.GaugeVec
	TableLogLines *prometheus.GaugeVec

	// Commit log metrics
	LogAppendsTotal    prometheus.Counter
	LogAppendDuration  prometheus.Histogram
	CheckpointsTotal   *prometheus.CounterVec
	CheckpointDuration prometheus.Histogram

	// Persistence cache metrics
	CacheLoadsTotal   *prometheus.CounterVec
	CacheSavesTotal   prometheus.Counter
	CacheSaveDuration prometheus.Histogram
	ReplayDuration    prometheus.Histogram

	// Gossip metrics
	GossipMembersTotal  prometheus.Gauge
	GossipNoticesTotal  *prometheus.CounterVec
	FatalErrorsTotal    prometheus.Counter
	GoroutinesTotal     prometheus.Gauge
	DataDirUsageBytes   prometheus.Gauge
	DataDirAvailBytes   prometheus.Gauge
	DataDirUsagePercent prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		RecordsAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "records",
			Name:        "applied_total",
			Help:        "Total number of records written to a table log",
			ConstLabels: labels,
		}, []string{"table", "kind"}),
		RecordsIgnoredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "records",
			Name:        "ignored_total",
			Help:        "Total number of duplicate records ignored",
			ConstLabels: labels,
		}, []string{"table"}),
		RecordsRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "records",
			Name:        "rejected_total",
			Help:        "Total number of invalid records rejected",
			ConstLabels: labels,
		}, []string{"table"}),
		LocalWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "records",
			Name:        "local_writes_total",
			Help:        "Total number of records originated on this node",
			ConstLabels: labels,
		}, []string{"table"}),

		JoinRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "replication",
			Name:        "join_requests_total",
			Help:        "Total number of join requests received",
			ConstLabels: labels,
		}, []string{"table"}),
		BurstsSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "replication",
			Name:        "bursts_sent_total",
			Help:        "Total number of burst responses sent",
			ConstLabels: labels,
		}, []string{"table", "complete"}),
		BurstRecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "replication",
			Name:        "burst_records_total",
			Help:        "Total number of records sent in bursts",
			ConstLabels: labels,
		}, []string{"table"}),
		StaleJoinsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "replication",
			Name:        "stale_joins_total",
			Help:        "Total number of open peers that asked for an older serial",
			ConstLabels: labels,
		}, []string{"table"}),
		DropsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "replication",
			Name:        "drops_total",
			Help:        "Total number of table drops and erases applied",
			ConstLabels: labels,
		}, []string{"table", "kind"}),
		HashMismatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "replication",
			Name:        "hash_mismatch_total",
			Help:        "Total number of table hash mismatches detected",
			ConstLabels: labels,
		}, []string{"table", "source"}),
		HubDisconnectTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "replication",
			Name:        "hub_disconnects_total",
			Help:        "Total number of redundant hub links dropped",
			ConstLabels: labels,
		}),
		PeersConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "ddb",
			Subsystem:   "replication",
			Name:        "peers_connected",
			Help:        "Number of connected peers by class",
			ConstLabels: labels,
		}, []string{"class"}),
		MalformedLineTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "replication",
			Name:        "malformed_lines_total",
			Help:        "Total number of unparsable peer lines",
			ConstLabels: labels,
		}),

		TableSerial: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "ddb",
			Subsystem:   "table",
			Name:        "serial",
			Help:        "Current serial of each table",
			ConstLabels: labels,
		}, []string{"table"}),
		TableRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "ddb",
			Subsystem:   "table",
			Name:        "records",
			Help:        "Live records of each resident table",
			ConstLabels: labels,
		}, []string{"table"}),
		TableLogLines: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "ddb",
			Subsystem:   "table",
			Name:        "log_lines",
			Help:        "Lines in each table log",
			ConstLabels: labels,
		}, []string{"table"}),

		LogAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "commitlog",
			Name:        "appends_total",
			Help:        "Total number of log appends",
			ConstLabels: labels,
		}),
		LogAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ddb",
			Subsystem:   "commitlog",
			Name:        "append_duration_seconds",
			Help:        "Log append duration in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.00001, 2, 16),
			ConstLabels: labels,
		}),
		CheckpointsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "commitlog",
			Name:        "checkpoints_total",
			Help:        "Total number of log compactions",
			ConstLabels: labels,
		}, []string{"table"}),
		CheckpointDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ddb",
			Subsystem:   "commitlog",
			Name:        "checkpoint_duration_seconds",
			Help:        "Log compaction duration in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
			ConstLabels: labels,
		}),

		CacheLoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "cache",
			Name:        "loads_total",
			Help:        "Startup snapshot loads by result",
			ConstLabels: labels,
		}, []string{"result"}),
		CacheSavesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "cache",
			Name:        "saves_total",
			Help:        "Total number of snapshots written",
			ConstLabels: labels,
		}),
		CacheSaveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ddb",
			Subsystem:   "cache",
			Name:        "save_duration_seconds",
			Help:        "Snapshot write duration in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
			ConstLabels: labels,
		}),
		ReplayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "ddb",
			Subsystem:   "cache",
			Name:        "replay_duration_seconds",
			Help:        "Full log replay duration in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
			ConstLabels: labels,
		}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ddb",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Number of members in the notice gossip pool",
			ConstLabels: labels,
		}),
		GossipNoticesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "gossip",
			Name:        "notices_total",
			Help:        "Operator notices sent and received",
			ConstLabels: labels,
		}, []string{"direction"}),
		FatalErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ddb",
			Subsystem:   "system",
			Name:        "fatal_errors_total",
			Help:        "Fatal errors that terminated the engine",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ddb",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
		DataDirUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ddb",
			Subsystem:   "system",
			Name:        "data_dir_usage_bytes",
			Help:        "Used bytes on the data directory file system",
			ConstLabels: labels,
		}),
		DataDirAvailBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ddb",
			Subsystem:   "system",
			Name:        "data_dir_available_bytes",
			Help:        "Available bytes on the data directory file system",
			ConstLabels: labels,
		}),
		DataDirUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ddb",
			Subsystem:   "system",
			Name:        "data_dir_usage_percent",
			Help:        "Data directory file system usage percentage",
			ConstLabels: labels,
		}),
	}
}

// RecordApplied records a record written to a table log
func (m *Metrics) RecordApplied(table, kind string) {
	m.RecordsAppliedTotal.WithLabelValues(table, kind).Inc()
}

// RecordLogAppend records one log append
func (m *Metrics) RecordLogAppend(duration float64) {
	m.LogAppendsTotal.Inc()
	m.LogAppendDuration.Observe(duration)
}

// RecordBurst records a burst response
func (m *Metrics) RecordBurst(table string, records int, complete bool) {
	status := "false"
	if complete {
		status = "true"
	}
	m.BurstsSentTotal.WithLabelValues(table, status).Inc()
	m.BurstRecordsTotal.WithLabelValues(table).Add(float64(records))
}

// RecordCheckpoint records a log compaction
func (m *Metrics) RecordCheckpoint(table string, duration float64) {
	m.CheckpointsTotal.WithLabelValues(table).Inc()
	m.CheckpointDuration.Observe(duration)
}

// UpdateTableStats updates the per-table gauges
func (m *Metrics) UpdateTableStats(table string, serial uint64, records int, logLines uint64) {
	m.TableSerial.WithLabelValues(table).Set(float64(serial))
	m.TableRecords.WithLabelValues(table).Set(float64(records))
	m.TableLogLines.WithLabelValues(table).Set(float64(logLines))
}

// RecordCacheSave records a snapshot write
func (m *Metrics) RecordCacheSave(duration float64) {
	m.CacheSavesTotal.Inc()
	m.CacheSaveDuration.Observe(duration)
}

// UpdateSystemStats updates system gauges
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable int64, goroutines int) {
	m.DataDirUsageBytes.Set(float64(diskUsage))
	m.DataDirAvailBytes.Set(float64(diskAvailable))
	if total := diskUsage + diskAvailable; total > 0 {
		m.DataDirUsagePercent.Set(float64(diskUsage) / float64(total) * 100)
	}
	m.GoroutinesTotal.Set(float64(goroutines))
}
