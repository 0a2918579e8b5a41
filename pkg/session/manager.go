package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/autopilot/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	historySuffix = ".jsonl"
	metaSuffix    = ".meta.json"
	tracerName    = "autopilot.session"
)

// ErrInvalidSessionID is returned for ids that are not path-safe.
var ErrInvalidSessionID = errors.New("invalid session id")

// meta is the mutable, non-history part of a session.
type meta struct {
	ID             string            `json:"id"`
	Context        map[string]string `json:"context"`
	ActiveProvider string            `json:"activeProvider,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Manager persists sessions as an append-only JSONL history file plus a
// small JSON metadata file per session.
type Manager struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// NewManager creates the sessions directory if needed.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("sessions directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	log.Debug().Str("dir", dir).Msg("Session manager initialized")
	return &Manager{dir: dir, writeLocks: make(map[string]*sync.Mutex)}, nil
}

// ValidateID rejects ids that could escape the sessions directory.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidSessionID)
	case strings.ContainsAny(id, "/\\"):
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidSessionID)
	case strings.ContainsRune(id, 0):
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidSessionID)
	case len(id) > 128:
		return fmt.Errorf("%w: longer than 128 characters", ErrInvalidSessionID)
	}
	return nil
}

func (m *Manager) historyPath(id string) string {
	return filepath.Join(m.dir, id+historySuffix)
}

func (m *Manager) metaPath(id string) string {
	return filepath.Join(m.dir, id+metaSuffix)
}

func (m *Manager) lock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.writeLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.writeLocks[id] = l
	}
	return l
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Load returns the session with its full history. A session that was
// never written comes back empty.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.load", attribute.String("session_id", id))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ValidateID(id); err != nil {
		spanError(span, err)
		return nil, err
	}

	sess := New(id)
	md, err := m.readMeta(id)
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	if md != nil {
		sess.Context = md.Context
		if sess.Context == nil {
			sess.Context = map[string]string{}
		}
		sess.ActiveProvider = md.ActiveProvider
		sess.CreatedAt = md.CreatedAt
		sess.UpdatedAt = md.UpdatedAt
	}

	history, err := m.readHistory(ctx, id)
	if err != nil {
		spanError(span, err)
		return nil, err
	}
	sess.History = history
	if n := len(history); n > 0 && history[n-1].Timestamp.After(sess.UpdatedAt) {
		sess.UpdatedAt = history[n-1].Timestamp
	}

	logger.Debug().Int("messages", len(history)).Msg("Session loaded")
	return sess, nil
}

// History returns only the persisted messages of a session.
func (m *Manager) History(ctx context.Context, id string) ([]Message, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return m.readHistory(ctx, id)
}

func (m *Manager) readHistory(ctx context.Context, id string) ([]Message, error) {
	file, err := os.Open(m.historyPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("failed to open session history: %w", err)
	}
	defer file.Close()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	messages := []Message{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warn().Err(err).Str("session_id", id).Int("line", line).Msg("Skipping unreadable history line")
			continue
		}
		if err := msg.Validate(); err != nil {
			logger.Warn().Err(err).Str("session_id", id).Int("line", line).Msg("Skipping invalid history entry")
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session history: %w", err)
	}
	return messages, nil
}

// Append writes msg at the end of the session history. The tool pairing
// rule is checked against the stored history under the session lock.
func (m *Manager) Append(ctx context.Context, id string, msg Message) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.append",
		attribute.String("session_id", id),
		attribute.String("type", string(msg.Type)),
	)
	defer span.End()

	if err := ValidateID(id); err != nil {
		spanError(span, err)
		return err
	}

	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	if msg.Type == TypeToolCall || msg.Type == TypeToolResult {
		history, err := m.readHistory(ctx, id)
		if err != nil {
			spanError(span, err)
			return err
		}
		if err := CheckAppend(history, msg); err != nil {
			spanError(span, err)
			return err
		}
	} else if err := msg.Validate(); err != nil {
		spanError(span, err)
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	file, err := os.OpenFile(m.historyPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		spanError(span, err)
		return fmt.Errorf("failed to open session history: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		spanError(span, err)
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		spanError(span, err)
		return fmt.Errorf("failed to sync session history: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("type", string(msg.Type)).
		Str("message_id", msg.ID).
		Msg("Message appended")
	return nil
}

// SaveMeta persists the working context and active provider of sess.
func (m *Manager) SaveMeta(ctx context.Context, sess *Session) error {
	_, span := tracing.StartSpan(ctx, tracerName, "session.save_meta", attribute.String("session_id", sess.ID))
	defer span.End()

	if err := ValidateID(sess.ID); err != nil {
		spanError(span, err)
		return err
	}

	l := m.lock(sess.ID)
	l.Lock()
	defer l.Unlock()

	md := meta{
		ID:             sess.ID,
		Context:        sess.Context,
		ActiveProvider: sess.ActiveProvider,
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      time.Now().UTC(),
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session meta: %w", err)
	}

	path := m.metaPath(sess.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		spanError(span, err)
		return fmt.Errorf("failed to write session meta: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		spanError(span, err)
		return fmt.Errorf("failed to replace session meta: %w", err)
	}
	return nil
}

func (m *Manager) readMeta(id string) (*meta, error) {
	data, err := os.ReadFile(m.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session meta: %w", err)
	}
	var md meta
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to parse session meta: %w", err)
	}
	return &md, nil
}

// Delete removes the history and metadata of a session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	_, span := tracing.StartSpan(ctx, tracerName, "session.delete", attribute.String("session_id", id))
	defer span.End()

	if err := ValidateID(id); err != nil {
		spanError(span, err)
		return err
	}

	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	for _, path := range []string{m.historyPath(id), m.metaPath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			spanError(span, err)
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}
	log.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// Info summarizes a stored session.
type Info struct {
	ID           string    `json:"id"`
	LastModified time.Time `json:"lastModified"`
	Size         int64     `json:"size"`
}

// List returns stored sessions, most recently modified first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	infos := []Info{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, historySuffix) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			ID:           strings.TrimSuffix(name, historySuffix),
			LastModified: fi.ModTime(),
			Size:         fi.Size(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastModified.After(infos[j].LastModified)
	})
	return infos, nil
}

// PruneOlderThan deletes sessions whose history was last written before
// now minus maxAge and returns how many were removed.
func (m *Manager) PruneOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	infos, err := m.List()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, info := range infos {
		if info.LastModified.After(cutoff) {
			continue
		}
		if err := m.Delete(ctx, info.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
