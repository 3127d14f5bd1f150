package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Counter names.
const (
	OpSet    = "engine_set"
	OpGet    = "engine_get"
	OpDelete = "engine_delete"
	OpScan   = "engine_scan"

	LogAppends      = "log_appends"
	LogBytes        = "log_bytes"
	LogCompactions  = "log_compactions"
	LogReclaimBytes = "log_reclaimed_bytes"

	TxnBegin     = "txn_begin"
	TxnCommit    = "txn_commit"
	TxnRollback  = "txn_rollback"
	TxnConflict  = "txn_conflict"
	TxnRecovered = "txn_recovered"

	SQLStatements = "sql_statements"
	SQLErrors     = "sql_errors"
)

var (
	counters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sqldb",
		Name:      "events_total",
		Help:      "Storage, transaction and SQL events by name.",
	}, []string{"name"})

	liveKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sqldb",
		Name:      "live_keys",
		Help:      "Number of live keys in the log engine keydir.",
	})

	garbageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sqldb",
		Name:      "garbage_bytes",
		Help:      "Bytes of the log file occupied by obsolete records.",
	})
)

func init() {
	prometheus.MustRegister(counters, liveKeys, garbageBytes)
}

// Inc increments a counter by 1.
func Inc(name string) {
	Add(name, 1)
}

// Add adds delta to a counter. Negative deltas are ignored.
func Add(name string, delta int64) {
	if delta <= 0 {
		return
	}
	counters.WithLabelValues(name).Add(float64(delta))
}

// Get returns the current value of a counter.
func Get(name string) int64 {
	var m dto.Metric
	if err := counters.WithLabelValues(name).Write(&m); err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

// SetLiveKeys records the current number of live keys.
func SetLiveKeys(n int) {
	liveKeys.Set(float64(n))
}

// SetGarbageBytes records the current number of reclaimable log bytes.
func SetGarbageBytes(n uint64) {
	garbageBytes.Set(float64(n))
}

// Handler exposes all metrics in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
