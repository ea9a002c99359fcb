package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// JobStatus is the lifecycle state of a bulk submission.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSubmitted JobStatus = "submitted"
	JobPolling   JobStatus = "polling"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// rank orders statuses; terminal states share the highest rank.
func (s JobStatus) rank() int {
	switch s {
	case JobPending:
		return 0
	case JobSubmitted:
		return 1
	case JobPolling:
		return 2
	case JobCompleted, JobFailed:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// BatchJob tracks one bulk submission of same-tier records.
type BatchJob struct {
	ID            string     `json:"id"`
	ProviderID    string     `json:"provider_id,omitempty"`
	Tier          Tier       `json:"tier"`
	RecordIDs     []string   `json:"record_ids"`
	Status        JobStatus  `json:"status"`
	EstimatedCost float64    `json:"estimated_cost"`
	ActualCost    float64    `json:"actual_cost"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Advance moves the job forward to status. Moving backwards, leaving a
// terminal state, or staying in place returns an error and leaves the job
// unchanged. Failure is reachable from any non-terminal state.
func (j *BatchJob) Advance(to JobStatus, now time.Time) error {
	from := j.Status
	if to.rank() < 0 {
		return eris.Errorf("batch job %s: unknown status %q", j.ID, to)
	}
	if from.Terminal() {
		return eris.Errorf("batch job %s: already %s", j.ID, from)
	}
	if to.rank() <= from.rank() {
		return eris.Errorf("batch job %s: cannot move from %s to %s", j.ID, from, to)
	}
	j.Status = to
	if to.Terminal() {
		t := now
		j.CompletedAt = &t
	}
	return nil
}

// Fail marks the job failed with a reason. It is a no-op on terminal jobs.
func (j *BatchJob) Fail(reason string, now time.Time) {
	if j.Status.Terminal() {
		return
	}
	j.Error = reason
	_ = j.Advance(JobFailed, now)
}
