// Package metrics collects lookup observations on Prometheus collectors. The
// core only emits observations; shipping them anywhere is someone else's job.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Recorder receives lookup observations. method is "single" or "bulk"; ids is
// the number of identifiers resolved by the request.
type Recorder interface {
	RecordLookup(platform, method string, ids int)
}

// Registry is a Recorder backed by a private Prometheus registry, so multiple
// instances never collide on collector registration.
type Registry struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	ids       *prometheus.CounterVec
	bulkBatch prometheus.Histogram
}

func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pronoundb_lookup_requests_total",
				Help: "Total number of lookup requests",
			},
			[]string{"platform", "method"},
		),
		ids: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pronoundb_lookup_ids_total",
				Help: "Total number of identifiers resolved by lookups",
			},
			[]string{"platform", "method"},
		),
		bulkBatch: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pronoundb_lookup_bulk_batch_size",
				Help:    "Distribution of bulk lookup batch sizes",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
			},
		),
	}
	r.registry.MustRegister(r.requests, r.ids, r.bulkBatch)
	return r
}

func (r *Registry) RecordLookup(platform, method string, ids int) {
	r.requests.WithLabelValues(platform, method).Inc()
	r.ids.WithLabelValues(platform, method).Add(float64(ids))
	if method == "bulk" {
		r.bulkBatch.Observe(float64(ids))
	}
}

// Snapshot holds a point-in-time copy of the counters, keyed platform/method.
type Snapshot struct {
	Requests     map[string]int64 `json:"requests"`
	IDs          map[string]int64 `json:"ids"`
	BulkRequests int64            `json:"bulkRequests"`
	BulkIDs      int64            `json:"bulkIds"`
}

// MeanBulkBatchSize reports the running average bulk batch size.
func (s Snapshot) MeanBulkBatchSize() float64 {
	if s.BulkRequests == 0 {
		return 0
	}
	return float64(s.BulkIDs) / float64(s.BulkRequests)
}

func (r *Registry) Snapshot() Snapshot {
	snapshot := Snapshot{
		Requests: make(map[string]int64),
		IDs:      make(map[string]int64),
	}
	families, err := r.registry.Gather()
	if err != nil {
		return snapshot
	}
	for _, family := range families {
		switch family.GetName() {
		case "pronoundb_lookup_requests_total":
			collectCounters(snapshot.Requests, family)
		case "pronoundb_lookup_ids_total":
			collectCounters(snapshot.IDs, family)
		case "pronoundb_lookup_bulk_batch_size":
			for _, metric := range family.GetMetric() {
				histogram := metric.GetHistogram()
				snapshot.BulkRequests += int64(histogram.GetSampleCount())
				snapshot.BulkIDs += int64(histogram.GetSampleSum())
			}
		}
	}
	return snapshot
}

func collectCounters(dst map[string]int64, family *dto.MetricFamily) {
	for _, metric := range family.GetMetric() {
		key := labelValue(metric, "platform") + "/" + labelValue(metric, "method")
		dst[key] = int64(metric.GetCounter().GetValue())
	}
}

func labelValue(metric *dto.Metric, name string) string {
	for _, label := range metric.GetLabel() {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}

// Nop discards observations; used where metrics are not wired.
type Nop struct{}

func (Nop) RecordLookup(string, string, int) {}
