package metrics

import (
	"net/http"
	"strconv"
	"time"

	"plantcare/internal/care"
	"plantcare/internal/plant"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "plantcare"

// Metrics exports refresh statistics and the latest snapshot of every plant
type Metrics struct {
	registry *prometheus.Registry

	refreshTotal    *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	markDoneTotal   *prometheus.CounterVec
	taskDue         *prometheus.GaugeVec
	taskOverdue     *prometheus.GaugeVec
	envValue        *prometheus.GaugeVec
	envOutOfRange   *prometheus.GaugeVec
	envDeviation    *prometheus.GaugeVec
	plants          prometheus.Gauge

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refresh cycles by plant and result.",
		}, []string{"plant_id", "result"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh cycles.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plant_id"}),
		markDoneTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mark_done_total",
			Help:      "Tasks marked done by plant and task.",
		}, []string{"plant_id", "task"}),
		taskDue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_due",
			Help:      "1 when the task is due, 0 otherwise.",
		}, []string{"plant_id", "task"}),
		taskOverdue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_days_overdue",
			Help:      "Days past the next due date.",
		}, []string{"plant_id", "task"}),
		envValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "env_value",
			Help:      "Latest numeric reading of the source sensor.",
		}, []string{"plant_id", "metric"}),
		envOutOfRange: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "env_out_of_range",
			Help:      "1 when the reading is outside its bounds, 0 inside. Absent when unknown.",
		}, []string{"plant_id", "metric"}),
		envDeviation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "env_deviation",
			Help:      "Distance of the reading from the nearest bound.",
		}, []string{"plant_id", "metric"}),
		plants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plants",
			Help:      "Number of loaded plant entries.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.refreshTotal,
		m.refreshDuration,
		m.markDoneTotal,
		m.taskDue,
		m.taskOverdue,
		m.envValue,
		m.envOutOfRange,
		m.envDeviation,
		m.plants,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRefresh counts one refresh attempt
func (m *Metrics) ObserveRefresh(plantID string, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.refreshTotal.WithLabelValues(plantID, result).Inc()
	m.refreshDuration.WithLabelValues(plantID).Observe(took.Seconds())
}

func (m *Metrics) MarkDone(plantID string, kind care.TaskKind) {
	if m == nil {
		return
	}
	m.markDoneTotal.WithLabelValues(plantID, string(kind)).Inc()
}

// Record exports a published snapshot
func (m *Metrics) Record(entry plant.Entry, snap *care.Snapshot) {
	if m == nil || snap == nil {
		return
	}

	for _, kind := range care.TaskKinds {
		status, _ := snap.Tasks.Get(kind)
		due := 0.0
		if status.IsDue {
			due = 1
		}
		m.taskDue.WithLabelValues(entry.PlantID, string(kind)).Set(due)
		m.taskOverdue.WithLabelValues(entry.PlantID, string(kind)).Set(float64(status.DaysOverdue))
	}

	for _, metric := range care.Metrics {
		status, _ := snap.Env.Get(metric)
		labels := prometheus.Labels{"plant_id": entry.PlantID, "metric": string(metric)}
		if !status.Available() {
			m.envValue.Delete(labels)
			m.envOutOfRange.Delete(labels)
			m.envDeviation.Delete(labels)
			continue
		}

		out := 0.0
		if *status.OutOfRange {
			out = 1
		}
		m.envValue.With(labels).Set(*status.Value)
		m.envOutOfRange.With(labels).Set(out)
		m.envDeviation.With(labels).Set(*status.Deviation)
	}
}

// Forget removes every series of a plant
func (m *Metrics) Forget(plantID string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"plant_id": plantID}
	for _, vec := range []interface{ DeletePartialMatch(prometheus.Labels) int }{
		m.refreshTotal, m.refreshDuration, m.markDoneTotal,
		m.taskDue, m.taskOverdue,
		m.envValue, m.envOutOfRange, m.envDeviation,
	} {
		vec.DeletePartialMatch(labels)
	}
}

func (m *Metrics) SetPlants(n int) {
	if m == nil {
		return
	}
	m.plants.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and their duration under route
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}
