package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/internal/tracing"
)

const (
	DefaultStateTTL          = 7 * 24 * time.Hour
	DefaultRecoveryTTL       = 30 * 24 * time.Hour
	DefaultMaxRecoveryPoints = 10
	DefaultRecoveryIdle      = 60 * time.Second
)

// Config holds state store configuration
type Config struct {
	Path              string
	Logger            zerolog.Logger
	StateTTL          time.Duration
	RecoveryTTL       time.Duration
	MaxRecoveryPoints int
	// RecoveryIdle is how long a snapshot with an in_progress task may sit
	// untouched before IsRecoveryNeeded reports an interrupted run.
	RecoveryIdle time.Duration
	Now          func() time.Time
}

// Store persists session snapshots and recovery points.
type Store struct {
	db     *sql.DB
	config Config
	logger zerolog.Logger
	locks  sync.Map // session id -> *sync.Mutex
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.RecoveryTTL <= 0 {
		cfg.RecoveryTTL = DefaultRecoveryTTL
	}
	if cfg.MaxRecoveryPoints <= 0 {
		cfg.MaxRecoveryPoints = DefaultMaxRecoveryPoints
	}
	if cfg.RecoveryIdle <= 0 {
		cfg.RecoveryIdle = DefaultRecoveryIdle
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, config: cfg, logger: cfg.Logger.With().Str("component", "statestore").Logger()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Debug().Str("path", cfg.Path).Msg("State store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS project_state (
			session_id TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			last_activity INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_state_expires ON project_state(expires_at);

		CREATE TABLE IF NOT EXISTS recovery_points (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			description TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_points_session ON recovery_points(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_points_expires ON recovery_points(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session returns a view of the store scoped to one session.
func (s *Store) Session(sessionID string) *SessionStore {
	return &SessionStore{store: s, sessionID: sessionID}
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// observe starts a span for op and returns a finisher recording duration
// and error.
func (s *Store) observe(ctx context.Context, op, sessionID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "autopilot/statestore", "statestore."+op,
		attribute.String("session_id", sessionID))
	return ctx, func(err error) {
		observability.RecordStoreOp(op, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

type snapshotPayload struct {
	Project *Project `json:"project,omitempty"`
	Tasks   []Task   `json:"tasks"`
}

func encodeSnapshot(project *Project, tasks []Task) (string, error) {
	if tasks == nil {
		tasks = []Task{}
	}
	data, err := json.Marshal(snapshotPayload{Project: project, Tasks: tasks})
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return string(data), nil
}

func decodeSnapshot(data string) (snapshotPayload, error) {
	var p snapshotPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if p.Tasks == nil {
		p.Tasks = []Task{}
	}
	return p, nil
}

// SaveState upserts the current snapshot for a session, stamping last
// activity now and resetting its expiry.
func (s *Store) SaveState(ctx context.Context, sessionID string, project *Project, tasks []Task) (err error) {
	ctx, done := s.observe(ctx, "save_state", sessionID)
	defer func() { done(err) }()

	data, err := encodeSnapshot(project, tasks)
	if err != nil {
		return err
	}
	now := s.config.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_state (session_id, snapshot, last_activity, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			last_activity = excluded.last_activity,
			expires_at = excluded.expires_at`,
		sessionID, data, now.UnixNano(), now.Add(s.config.StateTTL).UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// LoadState returns the current snapshot, or nil when there is none. An
// expired snapshot is deleted and reported as absent.
func (s *Store) LoadState(ctx context.Context, sessionID string) (snap *Snapshot, err error) {
	ctx, done := s.observe(ctx, "load_state", sessionID)
	defer func() { done(err) }()

	var data string
	var lastActivity, expiresAt int64
	err = s.db.QueryRowContext(ctx,
		`SELECT snapshot, last_activity, expires_at FROM project_state WHERE session_id = ?`,
		sessionID).Scan(&data, &lastActivity, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	if s.config.Now().UnixNano() >= expiresAt {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM project_state WHERE session_id = ? AND expires_at = ?`, sessionID, expiresAt); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to delete expired state")
		}
		return nil, nil
	}

	payload, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Project:      payload.Project,
		Tasks:        payload.Tasks,
		LastActivity: time.Unix(0, lastActivity),
		ExpiresAt:    time.Unix(0, expiresAt),
	}, nil
}

// ClearState deletes the current snapshot. Recovery points are kept.
func (s *Store) ClearState(ctx context.Context, sessionID string) (err error) {
	ctx, done := s.observe(ctx, "clear_state", sessionID)
	defer func() { done(err) }()

	if _, err = s.db.ExecContext(ctx, `DELETE FROM project_state WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}

// IsRecoveryNeeded reports whether the session looks like an interrupted
// run: a task is in_progress and nothing was saved for RecoveryIdle.
func (s *Store) IsRecoveryNeeded(ctx context.Context, sessionID string) (bool, error) {
	snap, err := s.LoadState(ctx, sessionID)
	if err != nil || snap == nil {
		return false, err
	}
	idle := s.config.Now().Sub(snap.LastActivity)
	return snap.HasTaskInProgress() && idle > s.config.RecoveryIdle, nil
}

// CreateRecoveryPoint stores a snapshot under a new id and evicts the
// oldest points beyond the per-session cap.
func (s *Store) CreateRecoveryPoint(ctx context.Context, sessionID string, project *Project, tasks []Task, description string) (point *RecoveryPoint, err error) {
	ctx, done := s.observe(ctx, "create_recovery_point", sessionID)
	defer func() { done(err) }()

	data, err := encodeSnapshot(project, tasks)
	if err != nil {
		return nil, err
	}
	now := s.config.Now()
	point = &RecoveryPoint{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Description: description,
		Timestamp:   now,
		ExpiresAt:   now.Add(s.config.RecoveryTTL),
		Project:     project,
		Tasks:       tasks,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO recovery_points (id, session_id, description, snapshot, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		point.ID, sessionID, description, data, now.UnixNano(), point.ExpiresAt.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to insert recovery point: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM recovery_points
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM recovery_points
			WHERE session_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)`, sessionID, sessionID, s.config.MaxRecoveryPoints)
	if err != nil {
		return nil, fmt.Errorf("failed to trim recovery points: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit recovery point: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug().Str("session_id", sessionID).Int64("evicted", n).Msg("Evicted old recovery points")
	}
	return point, nil
}

// GetRecoveryPoints lists unexpired points for a session, newest first.
func (s *Store) GetRecoveryPoints(ctx context.Context, sessionID string) (points []RecoveryPoint, err error) {
	ctx, done := s.observe(ctx, "get_recovery_points", sessionID)
	defer func() { done(err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, snapshot, created_at, expires_at
		FROM recovery_points
		WHERE session_id = ? AND expires_at > ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, sessionID, s.config.Now().UnixNano(), s.config.MaxRecoveryPoints)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery points: %w", err)
	}
	defer rows.Close()

	points = []RecoveryPoint{}
	for rows.Next() {
		var id, description, data string
		var createdAt, expiresAt int64
		if err = rows.Scan(&id, &description, &data, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan recovery point: %w", err)
		}
		payload, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		points = append(points, RecoveryPoint{
			ID:          id,
			SessionID:   sessionID,
			Description: description,
			Timestamp:   time.Unix(0, createdAt),
			ExpiresAt:   time.Unix(0, expiresAt),
			Project:     payload.Project,
			Tasks:       payload.Tasks,
		})
	}
	return points, rows.Err()
}

// RestoreFromRecoveryPoint returns the snapshot stored at pointID. It does
// not overwrite the current state; callers save it if they want to roll
// back.
func (s *Store) RestoreFromRecoveryPoint(ctx context.Context, sessionID, pointID string) (point *RecoveryPoint, err error) {
	ctx, done := s.observe(ctx, "restore_recovery_point", sessionID)
	defer func() { done(err) }()

	var description, data string
	var createdAt, expiresAt int64
	err = s.db.QueryRowContext(ctx, `
		SELECT description, snapshot, created_at, expires_at
		FROM recovery_points
		WHERE session_id = ? AND id = ? AND expires_at > ?`,
		sessionID, pointID, s.config.Now().UnixNano()).Scan(&description, &data, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecoveryPointNotFound, pointID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recovery point: %w", err)
	}

	payload, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return &RecoveryPoint{
		ID:          pointID,
		SessionID:   sessionID,
		Description: description,
		Timestamp:   time.Unix(0, createdAt),
		ExpiresAt:   time.Unix(0, expiresAt),
		Project:     payload.Project,
		Tasks:       payload.Tasks,
	}, nil
}

// ClearRecoveryPoints deletes every recovery point of a session.
func (s *Store) ClearRecoveryPoints(ctx context.Context, sessionID string) (n int64, err error) {
	ctx, done := s.observe(ctx, "clear_recovery_points", sessionID)
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM recovery_points WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear recovery points: %w", err)
	}
	return res.RowsAffected()
}

// PurgeExpired deletes expired snapshots and recovery points and returns
// how many rows went.
func (s *Store) PurgeExpired(ctx context.Context) (total int64, err error) {
	ctx, done := s.observe(ctx, "purge", "")
	defer func() { done(err) }()

	now := s.config.Now().UnixNano()
	for _, table := range []string{"project_state", "recovery_points"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, now)
		if err != nil {
			return total, fmt.Errorf("failed to purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	observability.RecordStorePurged(total)
	return total, nil
}

// SessionSummary describes one session that has stored state.
type SessionSummary struct {
	SessionID      string    `json:"sessionId"`
	HasState       bool      `json:"hasState"`
	LastActivity   time.Time `json:"lastActivity,omitempty"`
	RecoveryPoints int       `json:"recoveryPoints"`
}

// ListSessions returns every session with a snapshot or recovery point.
func (s *Store) ListSessions(ctx context.Context) (sessions []SessionSummary, err error) {
	ctx, done := s.observe(ctx, "list_sessions", "")
	defer func() { done(err) }()

	now := s.config.Now().UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT ids.session_id,
			ps.last_activity,
			(SELECT COUNT(*) FROM recovery_points rp WHERE rp.session_id = ids.session_id AND rp.expires_at > ?)
		FROM (
			SELECT session_id FROM project_state WHERE expires_at > ?
			UNION
			SELECT session_id FROM recovery_points WHERE expires_at > ?
		) ids
		LEFT JOIN project_state ps ON ps.session_id = ids.session_id AND ps.expires_at > ?
		ORDER BY ids.session_id`, now, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var summary SessionSummary
		var lastActivity sql.NullInt64
		if err = rows.Scan(&summary.SessionID, &lastActivity, &summary.RecoveryPoints); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if lastActivity.Valid {
			summary.HasState = true
			summary.LastActivity = time.Unix(0, lastActivity.Int64)
		}
		sessions = append(sessions, summary)
	}
	return sessions, rows.Err()
}
