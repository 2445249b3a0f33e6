package monitor

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinyoee/pkg/model"
)

// Metrics holds the engine's Prometheus collectors. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	factsIngested *prometheus.CounterVec
	factsLate     *prometheus.CounterVec

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	buckets      *prometheus.CounterVec
	kpiWritten   *prometheus.CounterVec
	kpiWithheld  *prometheus.CounterVec
	lifecycleOps *prometheus.CounterVec

	// latest finalized window per equipment and tier
	ratio      *prometheus.GaugeVec
	ratioMu    sync.Mutex
	ratioStart map[[2]string]time.Time
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oee_http_requests_total",
			Help: "HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oee_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		factsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oee_facts_ingested_total",
			Help: "Facts accepted by kind.",
		}, []string{"kind"}),
		factsLate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oee_facts_late_total",
			Help: "Accepted facts whose event time was older than the newest fact of the equipment.",
		}, []string{"kind"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oee_job_runs_total",
			Help: "Scheduled job runs by job and result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oee_job_duration_seconds",
			Help:    "Scheduled job durations.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"job"}),
		buckets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oee_buckets_total",
			Help: "Rollup buckets by tier and outcome (computed, changed, deferred, failed).",
		}, []string{"tier", "outcome"}),
		kpiWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oee_kpi_summaries_written_total",
			Help: "KPI summaries written by tier.",
		}, []string{"tier"}),
		kpiWithheld: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oee_kpi_summaries_withheld_total",
			Help: "KPI summaries withheld for missing children, by tier.",
		}, []string{"tier"}),
		lifecycleOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oee_lifecycle_records_total",
			Help: "Records compressed or deleted by target.",
		}, []string{"op", "target"}),
		ratio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oee_equipment_ratio",
			Help: "Availability, performance, quality and OEE of the latest finalized window.",
		}, []string{"equipment", "tier", "component"}),
		ratioStart: make(map[[2]string]time.Time),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.factsIngested,
		m.factsLate,
		m.jobRuns,
		m.jobDuration,
		m.buckets,
		m.kpiWritten,
		m.kpiWithheld,
		m.lifecycleOps,
		m.ratio,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StorageUsage exports the monitored storage usage as gauges.
func (m *Metrics) StorageUsage(sm *StorageMonitor) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "oee_storage_used_bytes",
			Help: "Storage used by the engine.",
		}, func() float64 {
			used, err := sm.GetUsage()
			if err != nil {
				return 0
			}
			return float64(used)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "oee_storage_limit_bytes",
			Help: "Configured storage limit.",
		}, func() float64 { return float64(sm.GetLimit()) }),
	)
}

// FactIngested counts one accepted fact.
func (m *Metrics) FactIngested(kind string, late bool) {
	m.factsIngested.WithLabelValues(kind).Inc()
	if late {
		m.factsLate.WithLabelValues(kind).Inc()
	}
}

// JobRun records one scheduled run.
func (m *Metrics) JobRun(job string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(took.Seconds())
}

// RefreshPass records the outcome counts of one refresh pass.
func (m *Metrics) RefreshPass(tier string, computed, changed, deferred, failed int64) {
	m.buckets.WithLabelValues(tier, "computed").Add(float64(computed))
	m.buckets.WithLabelValues(tier, "changed").Add(float64(changed))
	m.buckets.WithLabelValues(tier, "deferred").Add(float64(deferred))
	m.buckets.WithLabelValues(tier, "failed").Add(float64(failed))
}

// KPIFlush records one aggregation flush.
func (m *Metrics) KPIFlush(tier string, written, withheld int) {
	m.kpiWritten.WithLabelValues(tier).Add(float64(written))
	m.kpiWithheld.WithLabelValues(tier).Add(float64(withheld))
}

// Lifecycle records the records touched by one lifecycle pass.
func (m *Metrics) Lifecycle(compressed, deleted map[string]int) {
	for target, n := range compressed {
		m.lifecycleOps.WithLabelValues("compress", target).Add(float64(n))
	}
	for target, n := range deleted {
		m.lifecycleOps.WithLabelValues("delete", target).Add(float64(n))
	}
}

// BucketFinalized exports the ratios of rec when it is the newest window of
// its series. Recomputed older windows leave the gauges alone.
func (m *Metrics) BucketFinalized(rec model.OEERecord) {
	key := [2]string{rec.EquipmentID, rec.Tier}
	m.ratioMu.Lock()
	defer m.ratioMu.Unlock()
	if last, ok := m.ratioStart[key]; ok && rec.WindowStart.Before(last) {
		return
	}
	m.ratioStart[key] = rec.WindowStart

	m.ratio.WithLabelValues(rec.EquipmentID, rec.Tier, "availability").Set(rec.Availability)
	m.ratio.WithLabelValues(rec.EquipmentID, rec.Tier, "performance").Set(rec.Performance)
	m.ratio.WithLabelValues(rec.EquipmentID, rec.Tier, "quality").Set(rec.Quality)
	m.ratio.WithLabelValues(rec.EquipmentID, rec.Tier, "oee").Set(rec.OEE)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Instrument wraps an HTTP handler with request counting and timing under
// the given route label.
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
