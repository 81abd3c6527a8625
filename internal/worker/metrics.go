package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	archivesTotal     *prometheus.CounterVec
	archiveDuration   *prometheus.HistogramVec
	activeArchives    prometheus.Gauge
	rowsArchivedTotal prometheus.Counter
	reportBytesTotal  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		archivesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardscan_worker_archives_total",
			Help: "Total batch archive tasks by final outcome.",
		}, []string{"outcome"}),
		archiveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardscan_worker_archive_duration_seconds",
			Help:    "Duration of each batch archive task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		activeArchives: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cardscan_worker_active_archives",
			Help: "Archive tasks currently rendering or uploading.",
		}),
		rowsArchivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardscan_worker_rows_archived_total",
			Help: "Total result rows written to archived reports.",
		}),
		reportBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cardscan_worker_report_bytes_total",
			Help: "Total bytes of archived XLSX reports.",
		}),
	}

	registry.MustRegister(
		m.archivesTotal,
		m.archiveDuration,
		m.activeArchives,
		m.rowsArchivedTotal,
		m.reportBytesTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
