package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/autopilot/pkg/agent"
	"github.com/harun/autopilot/pkg/events"
	"github.com/harun/autopilot/pkg/hooks"
	"github.com/harun/autopilot/pkg/moderation"
	"github.com/harun/autopilot/pkg/session"
)

type fakeRunner struct {
	run func(ctx context.Context, job agent.Job, sink events.Sink) (*agent.Result, error)
}

func (f *fakeRunner) Run(ctx context.Context, job agent.Job, sink events.Sink) (*agent.Result, error) {
	return f.run(ctx, job, sink)
}

type fakeHistory map[string][]session.Message

func (f fakeHistory) History(ctx context.Context, id string) ([]session.Message, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}
	if msgs, ok := f[id]; ok {
		return msgs, nil
	}
	return []session.Message{}, nil
}

func answerRunner(text string) *fakeRunner {
	return &fakeRunner{run: func(ctx context.Context, job agent.Job, sink events.Sink) (*agent.Result, error) {
		sink.Publish(events.Status("Iteration 1/10"))
		return &agent.Result{JobID: job.ID, SessionID: job.SessionID, Kind: agent.ResultAnswer, Text: text, Iterations: 1}, nil
	}}
}

func setupTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Runner == nil {
		cfg.Runner = answerRunner("Hello")
	}
	if cfg.History == nil {
		cfg.History = fakeHistory{}
	}
	cfg.Logger = zerolog.Nop()
	s, err := NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.baseCancel()
		s.inFlight.Wait()
	})
	return s, ts
}

func postJob(t *testing.T, ts *httptest.Server, body string, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/jobs", bytes.NewBufferString(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func waitForStatus(t *testing.T, s *Server, id string, want JobStatus) JobView {
	t.Helper()
	var view JobView
	require.Eventually(t, func() bool {
		job, ok := s.Jobs().Get(id)
		if !ok {
			return false
		}
		view = job.View()
		return view.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return view
}

func TestServer_Jobs(t *testing.T) {
	t.Run("should run a job and expose its result", func(t *testing.T) {
		s, ts := setupTestServer(t, Config{})

		resp := postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, "")
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		created := decode[CreateJobResponse](t, resp)
		assert.Equal(t, "s1", created.SessionID)
		assert.NotEmpty(t, created.JobID)

		waitForStatus(t, s, created.JobID, JobCompleted)

		resp, err := http.Get(ts.URL + "/v1/jobs/" + created.JobID)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		view := decode[JobView](t, resp)
		assert.Equal(t, JobCompleted, view.Status)
		require.NotNil(t, view.Result)
		assert.Equal(t, "Hello", view.Result.Text)
		assert.NotNil(t, view.FinishedAt)
	})

	t.Run("should generate a session id when none is given", func(t *testing.T) {
		_, ts := setupTestServer(t, Config{})

		resp := postJob(t, ts, `{"prompt":"hi"}`, "")
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		created := decode[CreateJobResponse](t, resp)
		assert.NoError(t, session.ValidateID(created.SessionID))
	})

	t.Run("should reject bad requests", func(t *testing.T) {
		_, ts := setupTestServer(t, Config{})

		for _, body := range []string{`not json`, `{"prompt":"  "}`, `{"sessionId":"../etc","prompt":"hi"}`} {
			resp := postJob(t, ts, body, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
			resp.Body.Close()
		}
	})

	t.Run("should reject prompts blocked by the filter", func(t *testing.T) {
		filter, err := moderation.New(moderation.Config{Enabled: true, BlockedKeywords: []string{"forbidden"}})
		require.NoError(t, err)
		_, ts := setupTestServer(t, Config{Filter: filter})

		resp := postJob(t, ts, `{"sessionId":"s1","prompt":"do the forbidden thing"}`, "")
		resp.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("should report failed jobs", func(t *testing.T) {
		runner := &fakeRunner{run: func(ctx context.Context, job agent.Job, sink events.Sink) (*agent.Result, error) {
			return nil, agent.ErrIterationLimit
		}}
		s, ts := setupTestServer(t, Config{Runner: runner})

		created := decode[CreateJobResponse](t, postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, ""))
		view := waitForStatus(t, s, created.JobID, JobFailed)
		assert.Equal(t, agent.ErrIterationLimit.Error(), view.Error)
		assert.Nil(t, view.Result)
	})

	t.Run("should cancel a running job", func(t *testing.T) {
		started := make(chan struct{})
		runner := &fakeRunner{run: func(ctx context.Context, job agent.Job, sink events.Sink) (*agent.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		s, ts := setupTestServer(t, Config{Runner: runner})

		created := decode[CreateJobResponse](t, postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, ""))
		<-started

		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/jobs/"+created.JobID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		waitForStatus(t, s, created.JobID, JobCancelled)
	})

	t.Run("should return 404 for unknown jobs", func(t *testing.T) {
		_, ts := setupTestServer(t, Config{})

		resp, err := http.Get(ts.URL + "/v1/jobs/missing")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("should list jobs", func(t *testing.T) {
		s, ts := setupTestServer(t, Config{})

		created := decode[CreateJobResponse](t, postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, ""))
		waitForStatus(t, s, created.JobID, JobCompleted)

		resp, err := http.Get(ts.URL + "/v1/jobs")
		require.NoError(t, err)
		views := decode[[]JobView](t, resp)
		require.Len(t, views, 1)
		assert.Equal(t, created.JobID, views[0].JobID)
	})
}

func TestServer_Auth(t *testing.T) {
	_, ts := setupTestServer(t, Config{SharedSecret: "s3cret"})

	t.Run("should reject requests without the secret", func(t *testing.T) {
		resp := postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, "")
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp = postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, "wrong")
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("should accept the bearer token", func(t *testing.T) {
		resp := postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, "s3cret")
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("should accept the token query parameter", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/v1/jobs?token=s3cret")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("should leave health open", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_RateLimit(t *testing.T) {
	_, ts := setupTestServer(t, Config{JobsPerMinute: 2})

	for i := 0; i < 2; i++ {
		resp := postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, "")
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp := postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_SessionHistory(t *testing.T) {
	history := fakeHistory{"s1": {session.NewUserMessage("hi"), session.NewAgentResponse("Hello")}}
	_, ts := setupTestServer(t, Config{History: history})

	t.Run("should return the stored messages", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/v1/sessions/s1/history")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		msgs := decode[[]session.Message](t, resp)
		require.Len(t, msgs, 2)
		assert.Equal(t, "Hello", msgs[1].Content)
	})

	t.Run("should reject invalid session ids", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/v1/sessions/bad..id/history")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestServer_EventStream(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, job agent.Job, sink events.Sink) (*agent.Result, error) {
		sink.Publish(events.ToolStream(events.StreamStdout, "line 1\n"))
		<-release
		sink.Publish(events.Canvas("<h1>Hi</h1>", "html"))
		return &agent.Result{JobID: job.ID, Kind: agent.ResultCanvas, Text: agent.CanvasAck}, nil
	}}
	s, ts := setupTestServer(t, Config{Runner: runner})

	created := decode[CreateJobResponse](t, postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, ""))
	waitForStatus(t, s, created.JobID, JobRunning)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/jobs/" + created.JobID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	close(release)

	var received []events.Event
	for {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "unexpected error: %v", err)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			assert.Equal(t, string(JobCompleted), closeErr.Text)
			break
		}
		received = append(received, e)
	}

	require.GreaterOrEqual(t, len(received), 3)
	assert.Equal(t, events.TypeStatus, received[0].Type)
	assert.Equal(t, events.TypeToolStream, received[1].Type)
	assert.Equal(t, "line 1\n", received[1].Data.Content)
	last := received[len(received)-1]
	assert.Equal(t, events.TypeCanvasOutput, last.Type)
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i].Seq, received[i-1].Seq)
	}
}

func TestServer_Hooks(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hook.txt")
	manager, err := hooks.NewManager(hooks.Config{
		Logger: zerolog.Nop(),
		Hooks: []hooks.Hook{{
			Event:  hooks.EventJobCompleted,
			Script: "echo \"$AUTOPILOT_HOOK_DATA_STATUS:$AUTOPILOT_HOOK_DATA_RESULT\" > " + out,
		}},
	})
	require.NoError(t, err)
	_, ts := setupTestServer(t, Config{Hooks: manager})

	resp := postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, "")
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && string(data) == "completed:Hello\n"
	}, 2*time.Second, 10*time.Millisecond)
}

// lockedBuffer is a log sink safe for use from job goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServer_HookFailure(t *testing.T) {
	manager, err := hooks.NewManager(hooks.Config{
		Logger: zerolog.Nop(),
		Hooks: []hooks.Hook{{
			ID:     "notify",
			Event:  hooks.EventJobCompleted,
			Script: "exit 3",
		}},
	})
	require.NoError(t, err)

	logs := &lockedBuffer{}
	s, err := NewServer(Config{
		Runner:  answerRunner("Hello"),
		History: fakeHistory{},
		Hooks:   manager,
		Logger:  zerolog.New(logs).Level(zerolog.InfoLevel),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.baseCancel()
		s.inFlight.Wait()
	})

	resp := postJob(t, ts, `{"sessionId":"s1","prompt":"hi"}`, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decode[CreateJobResponse](t, resp)

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Lifecycle hook failed")
	}, 2*time.Second, 10*time.Millisecond)

	out := logs.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"event":"job:completed"`)
	assert.Contains(t, out, `"job_id":"`+created.JobID+`"`)

	view := waitForStatus(t, s, created.JobID, JobCompleted)
	assert.Equal(t, "Hello", view.Result.Text, "a failed hook does not change the job outcome")
}

func TestServer_Idempotency(t *testing.T) {
	s, ts := setupTestServer(t, Config{})

	post := func(key string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/jobs", bytes.NewBufferString(`{"sessionId":"s1","prompt":"hi"}`))
		require.NoError(t, err)
		req.Header.Set(IdempotencyHeader, key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	t.Run("should replay the job for a repeated key", func(t *testing.T) {
		first := post("order-42")
		require.Equal(t, http.StatusAccepted, first.StatusCode)
		created := decode[CreateJobResponse](t, first)

		second := post("order-42")
		require.Equal(t, http.StatusOK, second.StatusCode)
		replayed := decode[CreateJobResponse](t, second)

		assert.Equal(t, created, replayed)
		waitForStatus(t, s, created.JobID, JobCompleted)
		assert.Len(t, s.Jobs().List(), 1)
	})

	t.Run("should start a new job for a new key", func(t *testing.T) {
		resp := post("order-43")
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		created := decode[CreateJobResponse](t, resp)
		waitForStatus(t, s, created.JobID, JobCompleted)
		assert.Len(t, s.Jobs().List(), 2)
	})

	t.Run("should reject an over-long key", func(t *testing.T) {
		resp := post(strings.Repeat("k", maxIdempotencyKeyLen+1))
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
