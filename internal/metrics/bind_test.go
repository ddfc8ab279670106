package metrics

import (
	"testing"
	"time"

	"github.com/smazurov/encnode/internal/events"
)

func TestBind_Progress(t *testing.T) {
	jobID := "bind-test-job"
	DeleteEncodeMetrics(jobID)

	bus := events.New()
	unbind := Bind(bus)
	defer unbind()

	bus.Publish(events.EncodeProgressEvent{
		JobID:           jobID,
		FramesSubmitted: 25,
		PacketsDrained:  20,
		BytesWritten:    4096,
		BuffersInFlight: 5,
	})

	// Bus delivery is asynchronous, poll the cache
	deadline := time.Now().Add(time.Second)
	for {
		if m := GetEncodeMetrics(jobID); m != nil {
			if m.FramesSubmitted != 25 || m.PacketsDrained != 20 || m.BytesWritten != 4096 || m.BuffersInFlight != 5 {
				t.Fatalf("progress = %+v", m)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for progress event")
		}
		time.Sleep(time.Millisecond)
	}

	DeleteEncodeMetrics(jobID)
}

func TestBind_Unbind(t *testing.T) {
	jobID := "unbind-test-job"
	DeleteEncodeMetrics(jobID)

	bus := events.New()
	unbind := Bind(bus)
	unbind()

	bus.Publish(events.EncodeProgressEvent{JobID: jobID, FramesSubmitted: 1})

	time.Sleep(20 * time.Millisecond)
	if m := GetEncodeMetrics(jobID); m != nil {
		t.Errorf("expected no progress after unbind, got %+v", m)
	}
}
