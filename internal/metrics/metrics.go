// Package metrics provides Prometheus metrics for encode jobs.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	encodeFramesSubmitted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "encnode",
		Subsystem: "encode",
		Name:      "frames_submitted_total",
		Help:      "Frames submitted to the encoder for a job",
	}, []string{"job_id"})

	encodePacketsDrained = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "encnode",
		Subsystem: "encode",
		Name:      "packets_drained_total",
		Help:      "Encoded packets drained for a job",
	}, []string{"job_id"})

	encodeBytesWritten = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "encnode",
		Subsystem: "encode",
		Name:      "bytes_written_total",
		Help:      "Bitstream bytes written for a job",
	}, []string{"job_id"})

	encodeBuffersInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "encnode",
		Subsystem: "encode",
		Name:      "buffers_in_flight",
		Help:      "Input buffers currently owned by the encoder for a job",
	}, []string{"job_id"})

	jobsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "encnode",
		Subsystem: "jobs",
		Name:      "queued_total",
		Help:      "Encode jobs accepted",
	})

	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "encnode",
		Subsystem: "jobs",
		Name:      "failed_total",
		Help:      "Encode jobs that ended in error",
	})

	jobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "encnode",
		Subsystem: "jobs",
		Name:      "active",
		Help:      "Encode jobs accepted and not yet finished",
	})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "encnode",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Encode job wall time",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "encnode",
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Encode session state transitions",
	}, []string{"from", "to"})

	// Local cache so callers can read progress without scraping.
	encodeCache   = make(map[string]*EncodeJobMetrics)
	encodeCacheMu sync.RWMutex
)

// EncodeJobMetrics holds current progress values for a job.
type EncodeJobMetrics struct {
	FramesSubmitted int
	PacketsDrained  int
	BytesWritten    int64
	BuffersInFlight int
}

// SetEncodeProgress records the current progress counters for a job.
func SetEncodeProgress(jobID string, frames, packets int, bytes int64, inFlight int) {
	encodeFramesSubmitted.WithLabelValues(jobID).Set(float64(frames))
	encodePacketsDrained.WithLabelValues(jobID).Set(float64(packets))
	encodeBytesWritten.WithLabelValues(jobID).Set(float64(bytes))
	encodeBuffersInFlight.WithLabelValues(jobID).Set(float64(inFlight))
	updateCache(jobID, func(m *EncodeJobMetrics) {
		m.FramesSubmitted = frames
		m.PacketsDrained = packets
		m.BytesWritten = bytes
		m.BuffersInFlight = inFlight
	})
}

// JobQueued counts an accepted job.
func JobQueued() {
	jobsQueued.Inc()
	jobsActive.Inc()
}

// JobFinished records a finished job and its wall time.
func JobFinished(seconds float64, ok bool) {
	jobsActive.Dec()
	jobDuration.Observe(seconds)
	if !ok {
		jobsFailed.Inc()
	}
}

// SessionTransition counts a session state change.
func SessionTransition(from, to string) {
	sessionTransitions.WithLabelValues(from, to).Inc()
}

// DeleteEncodeMetrics removes all per-job metrics for a job.
func DeleteEncodeMetrics(jobID string) {
	encodeFramesSubmitted.DeleteLabelValues(jobID)
	encodePacketsDrained.DeleteLabelValues(jobID)
	encodeBytesWritten.DeleteLabelValues(jobID)
	encodeBuffersInFlight.DeleteLabelValues(jobID)

	encodeCacheMu.Lock()
	delete(encodeCache, jobID)
	encodeCacheMu.Unlock()
}

// GetEncodeMetrics returns current progress values for a job.
func GetEncodeMetrics(jobID string) *EncodeJobMetrics {
	encodeCacheMu.RLock()
	defer encodeCacheMu.RUnlock()
	if m, ok := encodeCache[jobID]; ok {
		dup := *m
		return &dup
	}
	return nil
}

// GetAllEncodeMetrics returns progress values for all known jobs.
func GetAllEncodeMetrics() map[string]*EncodeJobMetrics {
	encodeCacheMu.RLock()
	defer encodeCacheMu.RUnlock()
	result := make(map[string]*EncodeJobMetrics, len(encodeCache))
	for id, m := range encodeCache {
		dup := *m
		result[id] = &dup
	}
	return result
}

func updateCache(jobID string, update func(*EncodeJobMetrics)) {
	encodeCacheMu.Lock()
	defer encodeCacheMu.Unlock()
	m, ok := encodeCache[jobID]
	if !ok {
		m = &EncodeJobMetrics{}
		encodeCache[jobID] = m
	}
	update(m)
}
