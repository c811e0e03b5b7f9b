package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the operations Brisby's core
// actually has — chunk transfer, seeder selection, and index
// search/publish — following the teacher's internal/observability/
// metrics.go promauto-registration shape rather than its FEC/crypto
// metric set, which has no counterpart in this spec.
type Metrics struct {
	DownloadsTotal   *prometheus.CounterVec // result: success|exhausted_retries|corrupt_reassembly|cancelled|error
	DownloadsActive  prometheus.Gauge
	DownloadDuration prometheus.Histogram

	ChunksFetchedTotal    *prometheus.CounterVec // result: verified|mismatch|timeout|error
	ChunksServedTotal     *prometheus.CounterVec // result: ok|not_serving|internal|dropped
	BytesTransferredTotal *prometheus.CounterVec // direction: sent|received

	SeederSelectionsTotal *prometheus.CounterVec // outcome: normal|recovery
	SeederBansTotal       prometheus.Counter

	SearchesTotal         *prometheus.CounterVec // result: ok|error
	SearchDuration        prometheus.Histogram
	SearchResultsReturned prometheus.Histogram

	PublishesTotal     *prometheus.CounterVec // result: acknowledged|no_ack
	IndexEntriesActive prometheus.Gauge

	activeDownloads int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		DownloadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brisby_downloads_total",
				Help: "Leecher downloads completed, by outcome",
			},
			[]string{"result"},
		),
		DownloadsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "brisby_downloads_active",
				Help: "Downloads currently in progress",
			},
		),
		DownloadDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "brisby_download_duration_seconds",
				Help:    "Download completion time distribution",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
			},
		),

		ChunksFetchedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brisby_chunks_fetched_total",
				Help: "Chunk fetch attempts by the Leecher Engine, by outcome",
			},
			[]string{"result"},
		),
		ChunksServedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brisby_chunks_served_total",
				Help: "ChunkRequests handled by the Seeder Engine, by outcome",
			},
			[]string{"result"},
		),
		BytesTransferredTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brisby_bytes_transferred_total",
				Help: "Chunk bytes transferred",
			},
			[]string{"direction"},
		),

		SeederSelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brisby_seeder_selections_total",
				Help: "Leecher seeder selections, by outcome",
			},
			[]string{"outcome"},
		),
		SeederBansTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "brisby_seeder_bans_total",
				Help: "Seeders banned for consecutive failures",
			},
		),

		SearchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brisby_searches_total",
				Help: "Index Client searches, by outcome",
			},
			[]string{"result"},
		),
		SearchDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "brisby_search_duration_seconds",
				Help:    "Index Client search fan-out latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		),
		SearchResultsReturned: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "brisby_search_results_returned",
				Help:    "Merged search result count per query",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 200},
			},
		),

		PublishesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brisby_publishes_total",
				Help: "Index Client publish attempts, by outcome",
			},
			[]string{"result"},
		),
		IndexEntriesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "brisby_index_entries_active",
				Help: "Unexpired publications held by an Index Service",
			},
		),
	}
}

// RecordDownloadStart increments the active-download gauge.
func (m *Metrics) RecordDownloadStart() {
	atomic.AddInt64(&m.activeDownloads, 1)
	m.DownloadsActive.Set(float64(atomic.LoadInt64(&m.activeDownloads)))
}

// RecordDownloadComplete records a download's terminal outcome.
func (m *Metrics) RecordDownloadComplete(result string, durationSeconds float64) {
	atomic.AddInt64(&m.activeDownloads, -1)
	m.DownloadsActive.Set(float64(atomic.LoadInt64(&m.activeDownloads)))
	m.DownloadsTotal.WithLabelValues(result).Inc()
	m.DownloadDuration.Observe(durationSeconds)
}

// RecordChunkFetched records one Leecher chunk-fetch outcome.
func (m *Metrics) RecordChunkFetched(result string, bytes int) {
	m.ChunksFetchedTotal.WithLabelValues(result).Inc()
	if result == "verified" {
		m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
	}
}

// RecordChunkServed records one Seeder Engine ChunkRequest outcome.
func (m *Metrics) RecordChunkServed(result string, bytes int) {
	m.ChunksServedTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
	}
}

// RecordSeederSelection records a Leecher seeder-selection outcome
// ("normal" or "recovery", per spec.md §4.F).
func (m *Metrics) RecordSeederSelection(outcome string) {
	m.SeederSelectionsTotal.WithLabelValues(outcome).Inc()
}

// RecordSeederBan increments the seeder-ban counter.
func (m *Metrics) RecordSeederBan() {
	m.SeederBansTotal.Inc()
}

// RecordSearch records one Index Client search's outcome, latency, and
// result count.
func (m *Metrics) RecordSearch(result string, durationSeconds float64, resultCount int) {
	m.SearchesTotal.WithLabelValues(result).Inc()
	m.SearchDuration.Observe(durationSeconds)
	m.SearchResultsReturned.Observe(float64(resultCount))
}

// RecordPublish records one per-provider Index Client publish outcome.
func (m *Metrics) RecordPublish(result string) {
	m.PublishesTotal.WithLabelValues(result).Inc()
}

// SetIndexEntriesActive sets the current unexpired-publication count.
func (m *Metrics) SetIndexEntriesActive(n int) {
	m.IndexEntriesActive.Set(float64(n))
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
