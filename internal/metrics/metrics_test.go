package metrics

import (
	"sync"
	"testing"
)

func TestEncodeMetricsCache(t *testing.T) {
	jobID := "test-job-1"

	// Clean state
	DeleteEncodeMetrics(jobID)

	// Initially should return nil
	if m := GetEncodeMetrics(jobID); m != nil {
		t.Error("expected nil for unknown job")
	}

	SetEncodeProgress(jobID, 30, 25, 2048, 5)

	// Verify cached values
	m := GetEncodeMetrics(jobID)
	if m == nil {
		t.Fatal("expected non-nil metrics")
	}
	if m.FramesSubmitted != 30 {
		t.Errorf("FramesSubmitted = %v, want 30", m.FramesSubmitted)
	}
	if m.PacketsDrained != 25 {
		t.Errorf("PacketsDrained = %v, want 25", m.PacketsDrained)
	}
	if m.BytesWritten != 2048 {
		t.Errorf("BytesWritten = %v, want 2048", m.BytesWritten)
	}
	if m.BuffersInFlight != 5 {
		t.Errorf("BuffersInFlight = %v, want 5", m.BuffersInFlight)
	}

	// Verify returned copy is independent
	m.FramesSubmitted = 999
	m2 := GetEncodeMetrics(jobID)
	if m2.FramesSubmitted != 30 {
		t.Errorf("cache was modified, FramesSubmitted = %v, want 30", m2.FramesSubmitted)
	}

	// Clean up
	DeleteEncodeMetrics(jobID)
	if deleted := GetEncodeMetrics(jobID); deleted != nil {
		t.Error("expected nil after delete")
	}
}

func TestGetAllEncodeMetrics(t *testing.T) {
	// Clean state
	DeleteEncodeMetrics("job-a")
	DeleteEncodeMetrics("job-b")

	SetEncodeProgress("job-a", 25, 25, 1024, 0)
	SetEncodeProgress("job-b", 60, 55, 8192, 5)

	all := GetAllEncodeMetrics()
	if len(all) < 2 {
		t.Fatalf("expected at least 2 jobs, got %d", len(all))
	}

	if all["job-a"] == nil || all["job-a"].FramesSubmitted != 25 {
		t.Errorf("job-a = %+v, want 25 frames", all["job-a"])
	}
	if all["job-b"] == nil || all["job-b"].FramesSubmitted != 60 {
		t.Errorf("job-b = %+v, want 60 frames", all["job-b"])
	}

	// Verify returned map is independent
	all["job-a"].FramesSubmitted = 999
	fresh := GetAllEncodeMetrics()
	if fresh["job-a"].FramesSubmitted != 25 {
		t.Errorf("cache was modified")
	}

	DeleteEncodeMetrics("job-a")
	DeleteEncodeMetrics("job-b")
}

func TestEncodeMetricsConcurrency(t *testing.T) {
	jobID := "concurrent-job"
	DeleteEncodeMetrics(jobID)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(val int) {
			defer wg.Done()
			SetEncodeProgress(jobID, val, val, int64(val), 0)
			_ = GetEncodeMetrics(jobID)
			_ = GetAllEncodeMetrics()
		}(i)
	}
	wg.Wait()

	// Should not panic, final value is indeterminate
	m := GetEncodeMetrics(jobID)
	if m == nil {
		t.Error("expected non-nil metrics after concurrent access")
	}

	DeleteEncodeMetrics(jobID)
}
