package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/usercache/pkg/usercache"
)

const namespace = "usercache"

// CacheMetrics counts store activity. It implements usercache.Observer.
type CacheMetrics struct {
	puts     *prometheus.CounterVec
	reads    *prometheus.CounterVec
	cleared  prometheus.Counter
	exported prometheus.Counter
	imported *prometheus.CounterVec
}

// NewCacheMetrics registers cache collectors on reg. A nil reg uses the
// default registerer.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &CacheMetrics{
		puts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "puts_total",
			Help:      "Entries appended to the cache.",
		}, []string{"entry_type"}),
		reads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "document_reads_total",
			Help:      "Document reads by outcome.",
		}, []string{"result"}), // "read" or "unchanged"
		cleared: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "entries_cleared_total",
			Help:      "Entries deleted by clear operations.",
		}),
		exported: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "entries_exported_total",
			Help:      "Document entries returned by exports.",
		}),
		imported: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "entries_imported_total",
			Help:      "Downloaded entries by import outcome.",
		}, []string{"result"}), // "ok" or "failed"
	}
}

// HandleCacheEvent implements usercache.Observer.
func (m *CacheMetrics) HandleCacheEvent(e usercache.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case usercache.EventEntryPut:
		m.puts.WithLabelValues(string(e.EntryType)).Inc()
	case usercache.EventDocumentRead:
		m.reads.WithLabelValues("read").Inc()
	case usercache.EventDocumentUnchanged:
		m.reads.WithLabelValues("unchanged").Inc()
	case usercache.EventEntriesCleared:
		m.cleared.Add(float64(e.Count))
	case usercache.EventEntriesExported:
		m.exported.Add(float64(e.Count))
	case usercache.EventEntriesImported:
		m.imported.WithLabelValues("ok").Add(float64(e.Count))
		m.imported.WithLabelValues("failed").Add(float64(e.Failed))
	}
}

// SyncMetrics tracks upload/download rounds.
type SyncMetrics struct {
	rounds      *prometheus.CounterVec
	uploaded    prometheus.Counter
	downloaded  prometheus.Counter
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

// NewSyncMetrics registers sync collectors on reg. A nil reg uses the
// default registerer.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &SyncMetrics{
		rounds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "rounds_total",
			Help:      "Sync rounds by result.",
		}, []string{"result"}),
		uploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "entries_uploaded_total",
			Help:      "Entries sent to the server.",
		}),
		downloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "entries_downloaded_total",
			Help:      "Entries received from the server.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "round_duration_seconds",
			Help:      "Wall time of a sync round.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last fully successful round.",
		}),
	}
}

// Round results reported by ObserveRound.
const (
	RoundOK      = "ok"
	RoundPartial = "partial"
	RoundError   = "error"
)

// ObserveRound records the outcome of one sync round.
func (m *SyncMetrics) ObserveRound(result string, elapsed time.Duration, uploaded, downloaded int) {
	if m == nil {
		return
	}
	m.rounds.WithLabelValues(result).Inc()
	m.uploaded.Add(float64(uploaded))
	m.downloaded.Add(float64(downloaded))
	m.duration.Observe(elapsed.Seconds())
	if result == RoundOK {
		m.lastSuccess.SetToCurrentTime()
	}
}

// Handler exposes g in the Prometheus text format. A nil g uses the default
// gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
