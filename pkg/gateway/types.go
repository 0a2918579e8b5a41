package gateway

import (
	"time"

	"github.com/harun/autopilot/pkg/agent"
)

// JobStatus is the lifecycle state of a submitted job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Done reports whether the status is terminal.
func (s JobStatus) Done() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// CreateJobResponse is returned when a job is accepted.
type CreateJobResponse struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId"`
}

// JobView is the public snapshot of a job.
type JobView struct {
	JobID      string        `json:"jobId"`
	SessionID  string        `json:"sessionId"`
	Status     JobStatus     `json:"status"`
	Result     *agent.Result `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
