// Package hooks runs user-configured actions on job lifecycle events:
// shell scripts with the event data in their environment, or signed HTTP
// callbacks carrying it as JSON.
package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle events.
const (
	EventJobStarted   = "job:started"
	EventJobCompleted = "job:completed"
	EventJobFailed    = "job:failed"
	EventJobCancelled = "job:cancelled"
)

// SignatureHeader carries the HMAC of a callback body.
const SignatureHeader = "X-Autopilot-Signature"

const defaultTimeout = 30 * time.Second

// Hook is one action bound to an event. Exactly one of Script and URL is set.
type Hook struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"`
	Script  string        `json:"script,omitempty" mapstructure:"script"`
	URL     string        `json:"url,omitempty" mapstructure:"url"`
	Secret  string        `json:"secret,omitempty" mapstructure:"secret"`
	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// Config configures a Hook manager.
type Config struct {
	Hooks  []Hook
	Client *http.Client
	Logger zerolog.Logger
}

// Manager executes configured hooks for lifecycle events.
type Manager struct {
	logger       zerolog.Logger
	client       *http.Client
	hooksByEvent map[string][]Hook
}

// NewManager validates hooks and indexes them by event.
func NewManager(cfg Config) (*Manager, error) {
	manager := &Manager{
		logger:       cfg.Logger.With().Str("component", "hooks").Logger(),
		client:       cfg.Client,
		hooksByEvent: make(map[string][]Hook),
	}
	if manager.client == nil {
		manager.client = &http.Client{}
	}

	for _, hook := range cfg.Hooks {
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		hasScript := strings.TrimSpace(hook.Script) != ""
		hasURL := strings.TrimSpace(hook.URL) != ""
		if hasScript == hasURL {
			return nil, fmt.Errorf("hook for event %q needs exactly one of script or url", event)
		}
		if hook.ID == "" {
			hook.ID = event
		}
		if hook.Timeout <= 0 {
			hook.Timeout = defaultTimeout
		}
		manager.hooksByEvent[event] = append(manager.hooksByEvent[event], hook)
	}

	return manager, nil
}

// Has reports whether any hook listens for event.
func (m *Manager) Has(event string) bool {
	return m != nil && len(m.hooksByEvent[event]) > 0
}

// Trigger executes hooks registered for an event, in configuration order.
// Failures are joined; one failing hook does not stop the others.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]interface{}) error {
	if m == nil {
		return nil
	}
	hooks := m.hooksByEvent[event]
	if len(hooks) == 0 {
		return nil
	}

	var errs []error
	for _, hook := range hooks {
		var err error
		if hook.URL != "" {
			err = m.post(ctx, event, hook, data)
		} else {
			err = m.executeScript(ctx, event, hook, data)
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("event", event).Str("hook_id", hook.ID).Msg("Hook failed")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) executeScript(ctx context.Context, event string, hook Hook, data map[string]interface{}) error {
	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = buildHookEnvironment(event, data)

	output, err := cmd.CombinedOutput()
	outputText := strings.TrimSpace(string(output))
	if err != nil {
		if outputText != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hook.ID, err, outputText)
		}
		return fmt.Errorf("hook %s failed: %w", hook.ID, err)
	}

	if outputText != "" {
		m.logger.Debug().
			Str("event", event).
			Str("hook_id", hook.ID).
			Str("output", outputText).
			Msg("Hook executed")
	}
	return nil
}

// Payload is the JSON body of a callback.
type Payload struct {
	Event     string                 `json:"event"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

func (m *Manager) post(ctx context.Context, event string, hook Hook, data map[string]interface{}) error {
	body, err := json.Marshal(Payload{Event: event, Timestamp: time.Now().UnixMilli(), Data: data})
	if err != nil {
		return fmt.Errorf("hook %s: failed to encode payload: %w", hook.ID, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("hook %s failed: %w", hook.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, hook.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("hook %s failed: %w", hook.ID, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hook %s failed: HTTP %d", hook.ID, resp.StatusCode)
	}
	return nil
}

// Sign computes the "sha256=<hex>" HMAC of body.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(body []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(body, secret)))
}

func buildHookEnvironment(event string, data map[string]interface{}) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "AUTOPILOT_HOOK_EVENT="+event)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		env = append(env, "AUTOPILOT_HOOK_DATA_"+normalizeEnvKey(key)+"="+fmt.Sprintf("%v", data[key]))
	}
	return env
}

func normalizeEnvKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}

	upper := strings.ToUpper(key)
	builder := strings.Builder{}
	builder.Grow(len(upper))
	for _, r := range upper {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			builder.WriteRune(r)
			continue
		}
		builder.WriteRune('_')
	}
	return builder.String()
}
