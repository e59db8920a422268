// Package metrics exports search and job metrics to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/synthmatch/internal/optimization"
)

// Metrics implements optimization.Observer and records match job outcomes.
type Metrics struct {
	generations *prometheus.CounterVec
	evaluations *prometheus.CounterVec
	bestFitness *prometheus.GaugeVec
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	running     prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthmatch_generations_total",
			Help: "Generations completed by the search engines",
		}, []string{"estimator"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthmatch_evaluations_total",
			Help: "Fitness evaluations performed",
		}, []string{"estimator"}),
		bestFitness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synthmatch_best_fitness",
			Help: "Best fitness of the latest generation per objective",
		}, []string{"estimator", "objective"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "synthmatch_match_jobs_total",
			Help: "Match jobs by final status",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synthmatch_match_duration_seconds",
			Help:    "Wall time of match jobs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"estimator"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "synthmatch_match_jobs_running",
			Help: "Match jobs currently running",
		}),
	}
	reg.MustRegister(m.generations, m.evaluations, m.bestFitness, m.jobs, m.jobDuration, m.running)
	return m
}

// ObserveGeneration implements optimization.Observer. Generation 0 is the
// initial population and only counts evaluations.
func (m *Metrics) ObserveGeneration(estimator string, rec optimization.Record) {
	if rec.Gen > 0 {
		m.generations.WithLabelValues(estimator).Inc()
	}
	m.evaluations.WithLabelValues(estimator).Add(float64(rec.Evals))
	for i, v := range rec.Min {
		m.bestFitness.WithLabelValues(estimator, strconv.Itoa(i)).Set(v)
	}
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() {
	m.running.Inc()
}

// JobFinished records the final status and duration of a job.
func (m *Metrics) JobFinished(estimator, status string, elapsed time.Duration) {
	m.running.Dec()
	m.jobs.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(estimator).Observe(elapsed.Seconds())
}
