package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/encnode/internal/events"
)

func managerLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitForState polls until the job reaches state or the deadline hits.
func waitForState(t *testing.T, m Manager, id string, state JobState) *JobInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if info := m.GetStatus(id); info != nil && info.State == state {
			return info
		}
		if time.Now().After(deadline) {
			info := m.GetStatus(id)
			t.Fatalf("job %s never reached %s, status %+v", id, state, info)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManagerRunsJob(t *testing.T) {
	runner := func(_ context.Context, cfg Config) (*Result, error) {
		return &Result{Frames: 5, Packets: 5, Bytes: 100, Output: cfg.Output}, nil
	}

	var mu sync.Mutex
	var transitions []JobState
	m := NewManager(&ManagerOptions{
		Runner: runner,
		Logger: managerLogger(),
		OnStateChange: func(_ string, _, newState JobState, _ error) {
			mu.Lock()
			transitions = append(transitions, newState)
			mu.Unlock()
		},
	})
	defer m.Close()

	if err := m.Submit("job1", Config{Input: "a.yuv", Output: "a.bin"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	info := waitForState(t, m, "job1", JobStateDone)
	if info.Result == nil || info.Result.Frames != 5 {
		t.Errorf("result = %+v, want 5 frames", info.Result)
	}
	if info.LastError != nil {
		t.Errorf("LastError = %v", info.LastError)
	}
	if info.Input != "a.yuv" || info.Output != "a.bin" {
		t.Errorf("info paths = %q %q", info.Input, info.Output)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []JobState{JobStateQueued, JobStateRunning, JobStateDone}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i, s := range want {
		if transitions[i] != s {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], s)
		}
	}
}

func TestManagerJobFailure(t *testing.T) {
	bang := errors.New("device on fire")
	runner := func(context.Context, Config) (*Result, error) {
		return nil, bang
	}

	m := NewManager(&ManagerOptions{Runner: runner, Logger: managerLogger()})
	defer m.Close()

	if err := m.Submit("job1", Config{Input: "a.yuv", Output: "a.bin"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	info := waitForState(t, m, "job1", JobStateFailed)
	if !errors.Is(info.LastError, bang) {
		t.Errorf("LastError = %v, want %v", info.LastError, bang)
	}
	if info.Result != nil {
		t.Errorf("failed job has result %+v", info.Result)
	}
}

func TestManagerDuplicateID(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := func(context.Context, Config) (*Result, error) {
		started <- struct{}{}
		<-release
		return &Result{}, nil
	}

	m := NewManager(&ManagerOptions{Runner: runner, Logger: managerLogger()})
	defer m.Close()

	if err := m.Submit("dup", Config{Input: "a.yuv", Output: "a.bin"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	if err := m.Submit("dup", Config{Input: "a.yuv", Output: "a.bin"}); err == nil {
		t.Error("duplicate running job should be rejected")
	}

	close(release)
	waitForState(t, m, "dup", JobStateDone)

	// Finished IDs can be reused
	if err := m.Submit("dup", Config{Input: "a.yuv", Output: "a.bin"}); err != nil {
		t.Errorf("resubmit after done: %v", err)
	}
	waitForState(t, m, "dup", JobStateDone)
}

func TestManagerSerialExecution(t *testing.T) {
	var running atomic.Int32
	var maxSeen atomic.Int32
	runner := func(context.Context, Config) (*Result, error) {
		now := running.Add(1)
		if now > maxSeen.Load() {
			maxSeen.Store(now)
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return &Result{}, nil
	}

	m := NewManager(&ManagerOptions{Runner: runner, Logger: managerLogger()})
	defer m.Close()

	for i := range 5 {
		id := fmt.Sprintf("job%d", i)
		if err := m.Submit(id, Config{Input: "a.yuv", Output: "a.bin"}); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}
	for i := range 5 {
		waitForState(t, m, fmt.Sprintf("job%d", i), JobStateDone)
	}

	if got := maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent jobs = %d, want 1", got)
	}

	jobs := m.Jobs()
	if len(jobs) != 5 {
		t.Errorf("Jobs = %d entries, want 5", len(jobs))
	}
}

func TestManagerQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := func(context.Context, Config) (*Result, error) {
		started <- struct{}{}
		<-release
		return &Result{}, nil
	}
	m := NewManager(&ManagerOptions{Runner: runner, QueueSize: 1, Logger: managerLogger()})
	defer m.Close()
	defer close(release)

	if err := m.Submit("j1", Config{Input: "a.yuv", Output: "a.bin"}); err != nil {
		t.Fatalf("Submit j1: %v", err)
	}
	<-started // j1 is off the queue and blocked in the runner

	if err := m.Submit("j2", Config{Input: "a.yuv", Output: "a.bin"}); err != nil {
		t.Fatalf("Submit j2: %v", err)
	}
	if err := m.Submit("j3", Config{Input: "a.yuv", Output: "a.bin"}); err == nil {
		t.Error("overfull queue should reject the job")
	}
	if m.GetStatus("j3") != nil {
		t.Error("rejected job should not be tracked")
	}
}

func TestManagerEmptyID(t *testing.T) {
	m := NewManager(&ManagerOptions{
		Runner: func(context.Context, Config) (*Result, error) { return &Result{}, nil },
		Logger: managerLogger(),
	})
	defer m.Close()

	if err := m.Submit("", Config{}); err == nil {
		t.Error("empty job id should be rejected")
	}
}

func TestManagerPublishesEvents(t *testing.T) {
	bus := events.New()
	queued := make(chan events.JobQueuedEvent, 1)
	finished := make(chan events.JobFinishedEvent, 1)
	bus.Subscribe(func(e events.JobQueuedEvent) { queued <- e })
	bus.Subscribe(func(e events.JobFinishedEvent) { finished <- e })

	runner := func(context.Context, Config) (*Result, error) {
		return &Result{Frames: 3, Packets: 3, Bytes: 42, Seconds: 0.5}, nil
	}
	m := NewManager(&ManagerOptions{Runner: runner, Bus: bus, Logger: managerLogger()})
	defer m.Close()

	if err := m.Submit("evjob", Config{Input: "in.yuv", Output: "out.bin"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case e := <-queued:
		if e.JobID != "evjob" || e.Input != "in.yuv" || e.Output != "out.bin" {
			t.Errorf("queued event = %+v", e)
		}
		if e.Timestamp == "" {
			t.Error("queued event missing timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queued event")
	}

	select {
	case e := <-finished:
		if !e.Ok || e.Frames != 3 || e.Bytes != 42 {
			t.Errorf("finished event = %+v", e)
		}
		if e.Seconds != 0.5 {
			t.Errorf("finished seconds = %v, want 0.5", e.Seconds)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finished event")
	}
}

func TestManagerUnknownStatus(t *testing.T) {
	m := NewManager(&ManagerOptions{
		Runner: func(context.Context, Config) (*Result, error) { return &Result{}, nil },
		Logger: managerLogger(),
	})
	defer m.Close()

	if info := m.GetStatus("ghost"); info != nil {
		t.Errorf("unknown job status = %+v, want nil", info)
	}
	if m.IsRunning("ghost") {
		t.Error("unknown job reported running")
	}
}
