package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/autopilot/pkg/agent"
	"github.com/harun/autopilot/pkg/events"
)

// DefaultJobTTL is how long finished jobs stay queryable.
const DefaultJobTTL = time.Hour

// Job is a submitted prompt and its event stream.
type Job struct {
	ID        string
	SessionID string
	Prompt    string
	CreatedAt time.Time

	// Events fans the job's envelopes out to stream subscribers.
	Events *events.Broadcaster
	cancel context.CancelFunc

	mu         sync.RWMutex
	status     JobStatus
	result     *agent.Result
	err        string
	finishedAt time.Time
}

func (j *Job) setStatus(status JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = status
}

func (j *Job) finish(status JobStatus, result *agent.Result, errMsg string) {
	j.mu.Lock()
	j.status = status
	j.result = result
	j.err = errMsg
	j.finishedAt = time.Now()
	j.mu.Unlock()
	j.Events.Close()
}

// Cancel stops the job if it is still queued or running.
func (j *Job) Cancel() {
	if j.cancel != nil {
		j.cancel()
	}
}

// View returns a snapshot safe to serialize.
func (j *Job) View() JobView {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v := JobView{
		JobID:     j.ID,
		SessionID: j.SessionID,
		Status:    j.status,
		Result:    j.result,
		Error:     j.err,
		CreatedAt: j.CreatedAt,
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		v.FinishedAt = &t
	}
	return v
}

// JobRegistry tracks jobs by id
type JobRegistry struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	ttl    time.Duration
	logger zerolog.Logger
}

// NewJobRegistry creates a new job registry
func NewJobRegistry(ttl time.Duration, logger zerolog.Logger) *JobRegistry {
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	return &JobRegistry{
		jobs:   make(map[string]*Job),
		ttl:    ttl,
		logger: logger,
	}
}

// Create registers a queued job with a fresh nanoid.
func (r *JobRegistry) Create(sessionID, prompt string, cancel context.CancelFunc) (*Job, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:        id,
		SessionID: sessionID,
		Prompt:    prompt,
		CreatedAt: time.Now(),
		Events:    events.NewBroadcaster(r.logger.With().Str("job_id", id).Logger()),
		cancel:    cancel,
		status:    JobQueued,
	}

	r.mu.Lock()
	r.jobs[id] = job
	r.mu.Unlock()
	return job, nil
}

// Get retrieves a job by ID
func (r *JobRegistry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// List returns job snapshots, newest first.
func (r *JobRegistry) List() []JobView {
	r.mu.RLock()
	views := make([]JobView, 0, len(r.jobs))
	for _, job := range r.jobs {
		views = append(views, job.View())
	}
	r.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.After(views[j].CreatedAt) })
	return views
}

// Prune drops finished jobs older than the TTL and returns how many.
func (r *JobRegistry) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, job := range r.jobs {
		v := job.View()
		if v.Status.Done() && v.FinishedAt != nil && now.Sub(*v.FinishedAt) > r.ttl {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed
}

// CancelAll cancels every unfinished job.
func (r *JobRegistry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, job := range r.jobs {
		if !job.View().Status.Done() {
			job.Cancel()
		}
	}
}
