package statestore

import (
	"errors"
	"time"
)

var (
	// ErrRecoveryPointNotFound is returned for an unknown or expired point id
	ErrRecoveryPointNotFound = errors.New("recovery point not found")

	// ErrTaskNotFound is returned when an update names an unknown task
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoProject is returned when a task is added before a project exists
	ErrNoProject = errors.New("no project in current state")

	// ErrInvalidStatus is returned for an unknown task status
	ErrInvalidStatus = errors.New("invalid task status")

	// ErrInvalidPriority is returned for an unknown task priority
	ErrInvalidPriority = errors.New("invalid task priority")
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
	TaskCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskBlocked, TaskCancelled:
		return true
	}
	return false
}

// TaskPriority orders tasks for the agent.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Valid reports whether p is a known priority.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Project is the unit of work a session is driving.
type Project struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Status             string    `json:"status"`
	Progress           int       `json:"progress"`
	TaskCount          int       `json:"taskCount"`
	CompletedTaskCount int       `json:"completedTaskCount"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Task is one step of a project.
type Task struct {
	ID               string       `json:"id"`
	Content          string       `json:"content"`
	Status           TaskStatus   `json:"status"`
	Priority         TaskPriority `json:"priority"`
	Dependencies     []string     `json:"dependencies,omitempty"`
	EstimatedMinutes int          `json:"estimatedMinutes,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Snapshot is the saved {project, tasks} state of a session.
type Snapshot struct {
	Project      *Project  `json:"project,omitempty"`
	Tasks        []Task    `json:"tasks"`
	LastActivity time.Time `json:"lastActivity"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// RecoveryPoint is a named snapshot kept for manual rollback.
type RecoveryPoint struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Project     *Project  `json:"project,omitempty"`
	Tasks       []Task    `json:"tasks"`
}

// HasTaskInProgress reports whether any task is in_progress.
func (s *Snapshot) HasTaskInProgress() bool {
	if s == nil {
		return false
	}
	for _, t := range s.Tasks {
		if t.Status == TaskInProgress {
			return true
		}
	}
	return false
}

// Recount refreshes the project's task counters and progress from tasks.
// Cancelled tasks do not count towards the total.
func Recount(project *Project, tasks []Task) {
	if project == nil {
		return
	}
	total, done := 0, 0
	for _, t := range tasks {
		if t.Status == TaskCancelled {
			continue
		}
		total++
		if t.Status == TaskCompleted {
			done++
		}
	}
	project.TaskCount = total
	project.CompletedTaskCount = done
	if total == 0 {
		project.Progress = 0
	} else {
		project.Progress = done * 100 / total
	}
	switch {
	case total > 0 && done == total:
		project.Status = "completed"
	case project.Status == "" || project.Status == "completed":
		project.Status = "active"
	}
}
