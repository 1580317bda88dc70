/*
Copyright MatrixInfer-AI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Label names
	LabelModel  = "model"
	LabelReason = "reason"

	// Rejection reason values
	ReasonTimeout  = "timeout"
	ReasonOverflow = "overflow"
	ReasonStopped  = "stopped"
)

var (
	// PendingRequests tracks the number of requests waiting in the batcher
	// queue per model.
	PendingRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "infer_batcher_pending_requests",
			Help: "Current number of requests queued for batching",
		},
		[]string{LabelModel},
	)

	// QueueDuration observes how long requests wait between enqueue and
	// batch admission.
	QueueDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infer_batcher_queue_duration_seconds",
			Help:    "Time requests spend queued before joining a batch",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{LabelModel},
	)

	// BatchSize observes the total declared batch size of dispatched
	// payloads.
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infer_batcher_batch_size",
			Help:    "Declared batch size of dispatched payloads",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		},
		[]string{LabelModel},
	)

	// BatchesDispatched counts payloads handed to the rate limiter.
	BatchesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infer_batcher_batches_dispatched_total",
			Help: "Total number of payloads handed to the rate limiter",
		},
		[]string{LabelModel},
	)

	// RequestsRejected counts requests rejected before execution.
	RequestsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infer_batcher_requests_rejected_total",
			Help: "Total number of requests rejected before execution",
		},
		[]string{LabelModel, LabelReason},
	)

	// CacheHits counts response cache hits served from the enqueue path.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infer_batcher_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{LabelModel},
	)

	// CacheMisses counts response cache misses observed at insert time.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infer_batcher_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{LabelModel},
	)

	// CacheMissDuration observes lookup plus insert latency on cache misses.
	CacheMissDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infer_batcher_cache_miss_duration_seconds",
			Help:    "Combined lookup and insert latency on response cache misses",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		},
		[]string{LabelModel},
	)
)

// RecordDispatch records a dispatched payload and its batch size.
func RecordDispatch(model string, batchSize int) {
	BatchesDispatched.WithLabelValues(model).Inc()
	BatchSize.WithLabelValues(model).Observe(float64(batchSize))
}

// RecordQueueDuration records the time a request spent queued.
func RecordQueueDuration(model string, d time.Duration) {
	QueueDuration.WithLabelValues(model).Observe(d.Seconds())
}

// RecordRejection counts a rejected request.
func RecordRejection(model, reason string) {
	RequestsRejected.WithLabelValues(model, reason).Inc()
}
