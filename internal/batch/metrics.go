package batch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the batch controller's collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	inFlight     prometheus.Gauge
	batchesTotal *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardscan_recognition_jobs_total",
			Help: "Total recognition jobs by final outcome.",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardscan_recognition_job_duration_seconds",
			Help:    "Wall-clock duration of each recognition job.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cardscan_recognition_jobs_in_flight",
			Help: "Recognition jobs currently held by a scheduler worker.",
		}),
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardscan_batches_total",
			Help: "Total recognize-all batches by result.",
		}, []string{"result"}),
	}

	if registerer != nil {
		registerer.MustRegister(m.jobsTotal, m.jobDuration, m.inFlight, m.batchesTotal)
	}
	return m
}

func (m *Metrics) observeJob(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(outcome).Inc()
	m.jobDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) observeBatch(result string) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(result).Inc()
}

// TaskStarted and TaskFinished let Metrics serve as a pool observer.
func (m *Metrics) TaskStarted(int) {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) TaskFinished(int, error) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}
