package pipeline

import "time"

// JobState represents the current state of a managed encode job.
type JobState string

// Job states.
const (
	JobStateQueued  JobState = "queued"  // Waiting for the device
	JobStateRunning JobState = "running" // Encoding
	JobStateDone    JobState = "done"    // Finished cleanly
	JobStateFailed  JobState = "failed"  // Ended in error
)

// JobInfo contains information about a managed encode job.
type JobInfo struct {
	ID         string
	State      JobState
	Input      string
	Output     string
	QueuedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	LastError  error
	Result     *Result
}
