// Package metrics defines the Prometheus metrics exported by the ndt7 client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ndt7_client"

// Subtest results.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

var (
	// Subtests counts the completed subtests by kind and result.
	Subtests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subtests_total",
		Help:      "Count of completed subtests",
	}, []string{"test", "result"})

	// SubtestDuration is the wall-clock duration of subtests, by kind.
	SubtestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "subtest_duration_seconds",
		Help:      "Duration of subtests",
		Buckets:   []float64{0.5, 1, 2.5, 5, 7.5, 10, 12.5, 15},
	}, []string{"test"})

	// Measurements counts the relayed measurements by kind and origin.
	Measurements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "measurements_total",
		Help:      "Count of measurements relayed to the caller",
	}, []string{"test", "origin"})

	// LocateRequests counts locate requests by locator type and result.
	LocateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "locate_requests_total",
		Help:      "Count of locate requests",
	}, []string{"locator", "result"})

	// UploadMessageSize is the message size reached at the end of uploads.
	UploadMessageSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upload_message_size_bytes",
		Help:      "Final upload message size",
		Buckets:   prometheus.ExponentialBuckets(1<<13, 2, 8),
	})
)
