package statestore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SessionStore is the Store bound to one session. Tools get one of these
// instead of reaching into shared state.
type SessionStore struct {
	store     *Store
	sessionID string
}

// SessionID returns the bound session.
func (ss *SessionStore) SessionID() string { return ss.sessionID }

func (ss *SessionStore) SaveState(ctx context.Context, project *Project, tasks []Task) error {
	return ss.store.SaveState(ctx, ss.sessionID, project, tasks)
}

func (ss *SessionStore) LoadState(ctx context.Context) (*Snapshot, error) {
	return ss.store.LoadState(ctx, ss.sessionID)
}

func (ss *SessionStore) ClearState(ctx context.Context) error {
	return ss.store.ClearState(ctx, ss.sessionID)
}

func (ss *SessionStore) IsRecoveryNeeded(ctx context.Context) (bool, error) {
	return ss.store.IsRecoveryNeeded(ctx, ss.sessionID)
}

func (ss *SessionStore) CreateRecoveryPoint(ctx context.Context, project *Project, tasks []Task, description string) (*RecoveryPoint, error) {
	return ss.store.CreateRecoveryPoint(ctx, ss.sessionID, project, tasks, description)
}

func (ss *SessionStore) GetRecoveryPoints(ctx context.Context) ([]RecoveryPoint, error) {
	return ss.store.GetRecoveryPoints(ctx, ss.sessionID)
}

func (ss *SessionStore) RestoreFromRecoveryPoint(ctx context.Context, pointID string) (*RecoveryPoint, error) {
	return ss.store.RestoreFromRecoveryPoint(ctx, ss.sessionID, pointID)
}

func (ss *SessionStore) ClearRecoveryPoints(ctx context.Context) (int64, error) {
	return ss.store.ClearRecoveryPoints(ctx, ss.sessionID)
}

// Checkpoint snapshots the current state as a recovery point.
func (ss *SessionStore) Checkpoint(ctx context.Context, description string) (*RecoveryPoint, error) {
	snap, err := ss.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = &Snapshot{Tasks: []Task{}}
	}
	return ss.CreateRecoveryPoint(ctx, snap.Project, snap.Tasks, description)
}

// Rollback makes the recovery point the current state.
func (ss *SessionStore) Rollback(ctx context.Context, pointID string) (*RecoveryPoint, error) {
	point, err := ss.RestoreFromRecoveryPoint(ctx, pointID)
	if err != nil {
		return nil, err
	}
	if err := ss.SaveState(ctx, point.Project, point.Tasks); err != nil {
		return nil, err
	}
	return point, nil
}

// Update loads the current snapshot (empty if none), applies fn, recounts
// project progress and saves the result. Updates of one session are
// serialized.
func (ss *SessionStore) Update(ctx context.Context, fn func(*Snapshot) error) (*Snapshot, error) {
	mu := ss.store.sessionLock(ss.sessionID)
	mu.Lock()
	defer mu.Unlock()

	snap, err := ss.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = &Snapshot{Tasks: []Task{}}
	}
	if err := fn(snap); err != nil {
		return nil, err
	}
	Recount(snap.Project, snap.Tasks)
	if err := ss.SaveState(ctx, snap.Project, snap.Tasks); err != nil {
		return nil, err
	}
	return ss.LoadState(ctx)
}

// CreateProject starts a new project, replacing any current one and its
// tasks.
func (ss *SessionStore) CreateProject(ctx context.Context, name string) (*Project, error) {
	now := ss.store.config.Now()
	snap, err := ss.Update(ctx, func(s *Snapshot) error {
		s.Project = &Project{
			ID:        uuid.New().String(),
			Name:      name,
			Status:    "active",
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.Tasks = []Task{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap.Project, nil
}

// AddTask appends a pending task to the current project.
func (ss *SessionStore) AddTask(ctx context.Context, content string, priority TaskPriority, deps []string, estimate int) (*Task, error) {
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPriority, priority)
	}
	now := ss.store.config.Now()
	task := Task{
		ID:               uuid.New().String()[:8],
		Content:          content,
		Status:           TaskPending,
		Priority:         priority,
		Dependencies:     deps,
		EstimatedMinutes: estimate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err := ss.Update(ctx, func(s *Snapshot) error {
		if s.Project == nil {
			return ErrNoProject
		}
		s.Tasks = append(s.Tasks, task)
		s.Project.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask changes a task's status.
func (ss *SessionStore) UpdateTask(ctx context.Context, taskID string, status TaskStatus) (*Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	var updated Task
	_, err := ss.Update(ctx, func(s *Snapshot) error {
		for i := range s.Tasks {
			if s.Tasks[i].ID == taskID {
				s.Tasks[i].Status = status
				s.Tasks[i].UpdatedAt = ss.store.config.Now()
				updated = s.Tasks[i]
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}
