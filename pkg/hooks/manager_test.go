package hooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	t.Run("should reject hooks without an event", func(t *testing.T) {
		_, err := NewManager(Config{Hooks: []Hook{{Script: "true"}}})
		assert.Error(t, err)
	})

	t.Run("should require exactly one action", func(t *testing.T) {
		_, err := NewManager(Config{Hooks: []Hook{{Event: EventJobCompleted}}})
		assert.Error(t, err)
		_, err = NewManager(Config{Hooks: []Hook{{Event: EventJobCompleted, Script: "true", URL: "http://x"}}})
		assert.Error(t, err)
	})

	t.Run("should index hooks by event", func(t *testing.T) {
		m, err := NewManager(Config{Hooks: []Hook{{Event: EventJobFailed, Script: "true"}}})
		require.NoError(t, err)
		assert.True(t, m.Has(EventJobFailed))
		assert.False(t, m.Has(EventJobCompleted))
	})
}

func TestManager_Script(t *testing.T) {
	t.Run("should inject event data into the environment", func(t *testing.T) {
		outputPath := filepath.Join(t.TempDir(), "env.txt")
		m, err := NewManager(Config{
			Logger: zerolog.Nop(),
			Hooks: []Hook{{
				ID:     "record",
				Event:  EventJobCompleted,
				Script: "echo \"$AUTOPILOT_HOOK_EVENT:$AUTOPILOT_HOOK_DATA_JOB_ID\" > " + outputPath,
			}},
		})
		require.NoError(t, err)

		require.NoError(t, m.Trigger(context.Background(), EventJobCompleted, map[string]interface{}{"job_id": "j-42"}))

		content, err := os.ReadFile(outputPath)
		require.NoError(t, err)
		assert.Equal(t, "job:completed:j-42\n", string(content))
	})

	t.Run("should join errors of failing hooks", func(t *testing.T) {
		m, err := NewManager(Config{
			Logger: zerolog.Nop(),
			Hooks: []Hook{
				{ID: "fail-1", Event: EventJobFailed, Script: "exit 2"},
				{ID: "fail-2", Event: EventJobFailed, Script: "exit 3"},
			},
		})
		require.NoError(t, err)

		err = m.Trigger(context.Background(), EventJobFailed, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hook fail-1 failed")
		assert.Contains(t, err.Error(), "hook fail-2 failed")
	})

	t.Run("should kill scripts past their timeout", func(t *testing.T) {
		m, err := NewManager(Config{
			Logger: zerolog.Nop(),
			Hooks:  []Hook{{ID: "slow", Event: EventJobStarted, Script: "sleep 1", Timeout: 30 * time.Millisecond}},
		})
		require.NoError(t, err)

		err = m.Trigger(context.Background(), EventJobStarted, nil)
		require.Error(t, err)
		assert.True(t,
			strings.Contains(err.Error(), "deadline exceeded") || strings.Contains(err.Error(), "signal: killed"),
			"expected timeout-related error, got: %v", err,
		)
	})

	t.Run("should ignore events without hooks", func(t *testing.T) {
		m, err := NewManager(Config{})
		require.NoError(t, err)
		assert.NoError(t, m.Trigger(context.Background(), EventJobStarted, nil))

		var nilManager *Manager
		assert.NoError(t, nilManager.Trigger(context.Background(), EventJobStarted, nil))
	})
}

func TestManager_Callback(t *testing.T) {
	t.Run("should post a signed payload", func(t *testing.T) {
		var (
			gotBody      []byte
			gotSignature string
		)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			gotSignature = r.Header.Get(SignatureHeader)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		m, err := NewManager(Config{
			Logger: zerolog.Nop(),
			Hooks:  []Hook{{Event: EventJobCompleted, URL: srv.URL, Secret: "s3cret"}},
		})
		require.NoError(t, err)

		require.NoError(t, m.Trigger(context.Background(), EventJobCompleted, map[string]interface{}{"job_id": "j1"}))

		var payload Payload
		require.NoError(t, json.Unmarshal(gotBody, &payload))
		assert.Equal(t, EventJobCompleted, payload.Event)
		assert.Equal(t, "j1", payload.Data["job_id"])
		assert.True(t, Verify(gotBody, gotSignature, "s3cret"))
		assert.False(t, Verify(gotBody, gotSignature, "other"))
	})

	t.Run("should fail on non-2xx responses", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		m, err := NewManager(Config{Logger: zerolog.Nop(), Hooks: []Hook{{Event: EventJobFailed, URL: srv.URL}}})
		require.NoError(t, err)

		err = m.Trigger(context.Background(), EventJobFailed, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 500")
	})
}

func TestSign(t *testing.T) {
	sig := Sign([]byte(`{"a":1}`), "key")
	assert.True(t, strings.HasPrefix(sig, "sha256="))
	assert.Len(t, sig, len("sha256=")+64)
}
