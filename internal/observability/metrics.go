package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry is private so tests and embedders never collide with collectors
// registered on prometheus.DefaultRegisterer.
var registry = prometheus.NewRegistry()

type engineMetrics struct {
	searchSeconds   prometheus.Histogram
	syncSeconds     prometheus.Histogram
	indexChunks     prometheus.Gauge
	indexFiles      prometheus.Gauge
	embedFailures   prometheus.Counter
	flushes         *prometheus.CounterVec
	appendSeconds   prometheus.Histogram
	sessionsPruned  prometheus.Counter
	toolExecutions  *prometheus.CounterVec
	consolidateSecs *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	engine      *engineMetrics
)

func metrics() *engineMetrics {
	metricsOnce.Do(func() {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		f := promauto.With(registry)
		histogram := func(name, help string) prometheus.Histogram {
			return f.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: prometheus.DefBuckets})
		}

		engine = &engineMetrics{
			searchSeconds: histogram("memory_search_duration_seconds", "Hybrid memory search duration in seconds."),
			syncSeconds:   histogram("memory_sync_duration_seconds", "Memory index sync duration in seconds."),
			indexChunks: f.NewGauge(prometheus.GaugeOpts{
				Name: "memory_chunks_total",
				Help: "Chunks in the memory index after the last sync.",
			}),
			indexFiles: f.NewGauge(prometheus.GaugeOpts{
				Name: "memory_files_total",
				Help: "Files tracked by the memory index after the last sync.",
			}),
			embedFailures: f.NewCounter(prometheus.CounterOpts{
				Name: "memory_embedding_failures_total",
				Help: "Embedding calls that failed and fell back to keyword search.",
			}),
			flushes: f.NewCounterVec(prometheus.CounterOpts{
				Name: "memory_flush_total",
				Help: "Consolidation flushes by status.",
			}, []string{"status"}),
			appendSeconds: histogram("conversation_append_duration_seconds", "Conversation append duration in seconds."),
			sessionsPruned: f.NewCounter(prometheus.CounterOpts{
				Name: "conversation_sessions_pruned_total",
				Help: "Sessions removed by age-based pruning.",
			}),
			toolExecutions: f.NewCounterVec(prometheus.CounterOpts{
				Name: "tool_execution_total",
				Help: "Tool executions by tool and status.",
			}, []string{"tool", "status"}),
			consolidateSecs: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "consolidation_run_duration_seconds",
				Help:    "Consolidation LLM call duration in seconds by provider.",
				Buckets: prometheus.DefBuckets,
			}, []string{"provider"}),
		}
	})
	return engine
}

// EnsureRegistered creates every collector so /metrics lists them before
// their first observation.
func EnsureRegistered() { metrics() }

// Gatherer returns the registry served by MetricsHandler.
func Gatherer() prometheus.Gatherer {
	EnsureRegistered()
	return registry
}

func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Gatherer(), promhttp.HandlerOpts{Registry: registry})
}

func RecordMemorySearch(d time.Duration) { metrics().searchSeconds.Observe(d.Seconds()) }

func RecordMemorySync(d time.Duration) { metrics().syncSeconds.Observe(d.Seconds()) }

func SetMemoryIndexSize(chunks, files int) {
	m := metrics()
	m.indexChunks.Set(float64(chunks))
	m.indexFiles.Set(float64(files))
}

func RecordEmbeddingFailure() { metrics().embedFailures.Inc() }

func RecordFlush(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	metrics().flushes.WithLabelValues(status).Inc()
}

func RecordConversationAppend(d time.Duration) { metrics().appendSeconds.Observe(d.Seconds()) }

func RecordSessionsPruned(count int) { metrics().sessionsPruned.Add(float64(count)) }

func RecordToolExecution(tool, status string) {
	metrics().toolExecutions.WithLabelValues(tool, status).Inc()
}

func RecordConsolidationRun(provider string, d time.Duration) {
	metrics().consolidateSecs.WithLabelValues(provider).Observe(d.Seconds())
}
