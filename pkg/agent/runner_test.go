package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/autopilot/pkg/commandqueue"
	"github.com/harun/autopilot/pkg/events"
	"github.com/harun/autopilot/pkg/provider"
	"github.com/harun/autopilot/pkg/session"
	"github.com/harun/autopilot/pkg/statestore"
	"github.com/harun/autopilot/pkg/toolexecutor"
)

// scriptedCompleter replies with the scripted texts in order and repeats
// the last one when the script runs out.
type scriptedCompleter struct {
	mu       sync.Mutex
	provider string
	replies  []string
	err      error
	requests []provider.Request
	block    bool
}

func (s *scriptedCompleter) GetCompletion(ctx context.Context, req provider.Request) (*provider.CompletionResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	n := len(s.requests)
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	idx := n - 1
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	name := s.provider
	if name == "" {
		name = "anthropic"
	}
	return &provider.CompletionResult{
		Text:     s.replies[idx],
		Provider: name,
		Usage:    provider.TokenUsage{InputTokens: 10, OutputTokens: 2},
	}, nil
}

func (s *scriptedCompleter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingSink) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	runner   *Runner
	sessions *session.Manager
	tools    *toolexecutor.ToolExecutor
	store    *statestore.Store
}

func setupTestRunner(t *testing.T, completer provider.Completer, mutate func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	sessions, err := session.NewManager(filepath.Join(dir, "sessions"))
	require.NoError(t, err)

	tools := toolexecutor.New()
	require.NoError(t, tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "echo",
		Description: "Echo the input",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
			return "echo: " + params["text"].(string), nil
		},
	}))
	require.NoError(t, tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "boom",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
			return nil, errors.New("disk on fire")
		},
	}))
	require.NoError(t, tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "remember",
		Description: "Set a working-context hint",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "value", Type: "string", Description: "Value", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, tc *toolexecutor.ToolContext) (interface{}, error) {
			tc.Session.SetContext("note", params["value"].(string))
			return "ok", nil
		},
	}))

	store, err := statestore.Open(statestore.Config{Path: filepath.Join(dir, "state.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queue := commandqueue.New()
	t.Cleanup(func() { queue.Close() })

	cfg := Config{
		Sessions:  sessions,
		Tools:     tools,
		Completer: completer,
		Queue:     queue,
		Store:     store,
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	return &testEnv{runner: runner, sessions: sessions, tools: tools, store: store}
}

func messageTypes(history []session.Message) []session.MessageType {
	out := make([]session.MessageType, 0, len(history))
	for _, m := range history {
		out = append(out, m.Type)
	}
	return out
}

func TestNewRunner(t *testing.T) {
	t.Run("should fail without session manager", func(t *testing.T) {
		_, err := NewRunner(Config{
			Tools:     toolexecutor.New(),
			Completer: &scriptedCompleter{},
			Queue:     commandqueue.New(),
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "session manager")
	})

	t.Run("should fail without completer", func(t *testing.T) {
		sessions, err := session.NewManager(t.TempDir())
		require.NoError(t, err)
		_, err = NewRunner(Config{
			Sessions: sessions,
			Tools:    toolexecutor.New(),
			Queue:    commandqueue.New(),
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "completer")
	})
}

func TestRunner_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the answer", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{`{"answer":"Hello"}`}}
		env := setupTestRunner(t, completer, nil)

		result, err := env.runner.Run(ctx, Job{SessionID: "s1", Prompt: "Say hello"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "Hello", result.Text)
		assert.Equal(t, ResultAnswer, result.Kind)
		assert.Equal(t, 1, result.Iterations)
		assert.NotEmpty(t, result.JobID)
		assert.Equal(t, 10, result.Usage.InputTokens)

		history, err := env.sessions.History(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []session.MessageType{
			session.TypeUser, session.TypeAgentThought, session.TypeAgentResponse,
		}, messageTypes(history))
		assert.True(t, history[1].Transient)

		sess, err := env.sessions.Load(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "anthropic", sess.ActiveProvider)
	})

	t.Run("should acknowledge canvas output", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			"```json\n{\"canvas\":{\"content\":\"<h1>Plan</h1>\",\"contentType\":\"text/html\"}}\n```",
		}}
		env := setupTestRunner(t, completer, nil)
		sink := &recordingSink{}

		result, err := env.runner.Run(ctx, Job{ID: "job-1", SessionID: "s1", Prompt: "Show the plan"}, sink)
		require.NoError(t, err)
		assert.Equal(t, CanvasAck, result.Text)
		assert.Equal(t, ResultCanvas, result.Kind)

		canvas := sink.ofType(events.TypeCanvasOutput)
		require.Len(t, canvas, 1)
		assert.Equal(t, "<h1>Plan</h1>", canvas[0].Content)
		assert.Equal(t, "text/html", canvas[0].ContentType)
		assert.Equal(t, "job-1", canvas[0].JobID)

		history, err := env.sessions.History(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, session.TypeCanvasOutput, history[len(history)-1].Type)
	})

	t.Run("should record protocol violations and continue", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			"I think the answer is 4",
			`{"thought":"x","answer":"y"}`,
			`{"answer":"4"}`,
		}}
		env := setupTestRunner(t, completer, nil)

		result, err := env.runner.Run(ctx, Job{SessionID: "s1", Prompt: "2+2?"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "4", result.Text)
		assert.Equal(t, 3, result.Iterations)

		history, err := env.sessions.History(ctx, "s1")
		require.NoError(t, err)
		var errs []session.Message
		for _, m := range history {
			if m.Type == session.TypeError {
				errs = append(errs, m)
			}
		}
		require.Len(t, errs, 2)
		assert.Contains(t, errs[0].Content, ErrProtocolViolation.Error())
	})

	t.Run("should run tools and feed results back", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			`{"thought":"I should echo"}`,
			`{"command":{"name":"echo","params":{"text":"hi"}}}`,
			`{"answer":"done"}`,
		}}
		env := setupTestRunner(t, completer, nil)

		result, err := env.runner.Run(ctx, Job{SessionID: "s1", Prompt: "echo hi"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "done", result.Text)

		history, err := env.sessions.History(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []session.MessageType{
			session.TypeUser,
			session.TypeAgentThought, session.TypeAgentThought,
			session.TypeAgentThought, session.TypeToolCall, session.TypeToolResult,
			session.TypeAgentThought, session.TypeAgentResponse,
		}, messageTypes(history))
		assert.Equal(t, "echo: hi", history[5].Content)
		assert.Equal(t, history[4].CallID, history[5].CallID)

		last := completer.requests[2]
		var rendered []string
		for _, m := range last.Messages {
			rendered = append(rendered, m.Content)
		}
		joined := strings.Join(rendered, "\n")
		assert.Contains(t, joined, "Result of echo:\necho: hi")
		assert.NotContains(t, joined, session.ThinkingContent)
		assert.Contains(t, last.SystemPrompt, "echo")
		assert.NotNil(t, last.Schema)
	})

	t.Run("should turn tool errors into results", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{
			`{"command":{"name":"boom"}}`,
			`{"command":{"name":"missing_tool","params":{}}}`,
			`{"answer":"gave up"}`,
		}}
		env := setupTestRunner(t, completer, nil)

		_, err := env.runner.Run(ctx, Job{SessionID: "s1", Prompt: "break it"}, nil)
		require.NoError(t, err)

		history, err := env.sessions.History(ctx, "s1")
		require.NoError(t, err)
		var results []session.Message
		for _, m := range history {
			if m.Type == session.TypeToolResult {
				results = append(results, m)
			}
		}
		require.Len(t, results, 2)
		assert.True(t, strings.HasPrefix(results[0].Content, ToolErrorPrefix))
		assert.Contains(t, results[0].Content, "disk on fire")
		assert.True(t, strings.HasPrefix(results[1].Content, ToolErrorPrefix))
		assert.Contains(t, results[1].Content, "tool not found")
	})

	t.Run("should stop at the iteration limit", func(t *testing.T) {
		completer := &scriptedCompleter{replies: []string{`{"thought":"still thinking"}`}}
		env := setupTestRunner(t, completer, func(c *Config) { c.MaxIterations = 3 })
		sink := &recordingSink{}

		_, err := env.runner.Run(ctx, Job{SessionID: "s1", Prompt: "loop"}, sink)
		assert.ErrorIs(t, err, ErrIterationLimit)
		assert.Equal(t, 3, completer.calls())

		errs := sink.ofType(events.TypeError)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Content, "iteration limit")

		history, err := env.sessions.History(ctx, "s1")
		require.NoError(t, err)
		markers := 0
		for _, m := range history {
			if m.Transient {
				markers++
			}
		}
		assert.Equal(t, 3, markers)
	})

	t.Run("should fail when every provider fails", func(t *testing.T) {
		completer := &scriptedCompleter{err: &provider.Error{
			Kind: provider.KindUnavailable,
			Err:  provider.ErrAllProvidersFailed,
		}}
		env := setupTestRunner(t, completer, nil)
		sink := &recordingSink{}

		_, err := env.runner.Run(ctx, Job{SessionID: "s1", Prompt: "hi"}, sink)
		assert.ErrorIs(t, err, provider.ErrAllProvidersFailed)
		assert.True(t, provider.IsFatal(err))
		assert.Len(t, sink.ofType(events.TypeError), 1)
	})

	t.Run("should persist working context set by tools", func(t *testing.T) {
		completer := &scriptedCompleter{provider: "openai", replies: []string{
			`{"command":{"name":"remember","params":{"value":"blue"}}}`,
			`{"answer":"noted"}`,
		}}
		env := setupTestRunner(t, completer, nil)

		_, err := env.runner.Run(ctx, Job{SessionID: "s1", Prompt: "remember blue"}, nil)
		require.NoError(t, err)

		sess, err := env.sessions.Load(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "blue", sess.Context["note"])
		assert.Equal(t, "openai", sess.ActiveProvider)
		assert.Contains(t, completer.requests[1].SystemPrompt, "- note: blue")
	})

	t.Run("should reject bad jobs", func(t *testing.T) {
		env := setupTestRunner(t, &scriptedCompleter{replies: []string{`{"answer":"x"}`}}, nil)

		_, err := env.runner.Run(ctx, Job{SessionID: "s1"}, nil)
		assert.ErrorIs(t, err, ErrEmptyPrompt)
		_, err = env.runner.Run(ctx, Job{SessionID: "../etc", Prompt: "x"}, nil)
		assert.ErrorIs(t, err, session.ErrInvalidSessionID)
	})
}

func TestRunner_Abort(t *testing.T) {
	completer := &scriptedCompleter{block: true}
	env := setupTestRunner(t, completer, nil)

	done := make(chan error, 1)
	go func() {
		_, err := env.runner.Run(context.Background(), Job{SessionID: "s1", Prompt: "wait"}, nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return env.runner.IsRunning("s1") && completer.calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, env.runner.Abort("s1"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after abort")
	}
	assert.False(t, env.runner.IsRunning("s1"))
	assert.False(t, env.runner.Abort("s1"))
}

func TestRunner_RecoveryHint(t *testing.T) {
	ctx := context.Background()
	completer := &scriptedCompleter{replies: []string{`{"answer":"resumed"}`}}
	env := setupTestRunner(t, completer, func(c *Config) {
		store, err := statestore.Open(statestore.Config{
			Path:         filepath.Join(t.TempDir(), "state.db"),
			Logger:       zerolog.Nop(),
			RecoveryIdle: time.Millisecond,
		})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		c.Store = store
	})

	ss := env.runner.store.Session("s1")
	_, err := ss.CreateProject(ctx, "site")
	require.NoError(t, err)
	task, err := ss.AddTask(ctx, "build", statestore.PriorityHigh, nil, 0)
	require.NoError(t, err)
	_, err = ss.UpdateTask(ctx, task.ID, statestore.TaskInProgress)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	sink := &recordingSink{}
	_, err = env.runner.Run(ctx, Job{SessionID: "s1", Prompt: "continue"}, sink)
	require.NoError(t, err)

	var statuses []string
	for _, e := range sink.ofType(events.TypeStatus) {
		statuses = append(statuses, e.Content)
	}
	assert.Contains(t, statuses, "Resuming interrupted work from saved project state")
	assert.Contains(t, completer.requests[0].SystemPrompt, "recovery_needed: true")
}

// countingProvider is an LLM client that fails with err or replies with
// reply, counting calls.
type countingProvider struct {
	name  string
	reply string
	err   error
	mu    sync.Mutex
	calls int
}

func (p *countingProvider) Provider() string { return p.name }

func (p *countingProvider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &provider.Response{Content: p.reply}, nil
}

func (p *countingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestSelector(t *testing.T, hierarchy []string, byProvider map[string]*countingProvider) *provider.Selector {
	t.Helper()
	keys := make([]provider.Key, 0, len(hierarchy))
	for _, name := range hierarchy {
		keys = append(keys, provider.Key{ID: name + "-key", Provider: name, Credential: "secret-" + name})
	}
	factory := func(c provider.Candidate) (provider.LLMProvider, error) {
		return byProvider[c.Provider], nil
	}
	s := provider.NewSelector(provider.Config{Hierarchy: hierarchy, Logger: zerolog.Nop()}, provider.NewMemoryKeyStore(), factory)
	require.NoError(t, s.SyncKeys(context.Background(), keys))
	return s
}

func TestRunner_ProviderFailover(t *testing.T) {
	ctx := context.Background()

	t.Run("should bound provider attempts by the iteration budget", func(t *testing.T) {
		hierarchy := []string{"p1", "p2", "p3", "p4", "p5"}
		fakes := make(map[string]*countingProvider, len(hierarchy))
		for _, name := range hierarchy {
			fakes[name] = &countingProvider{name: name, err: &provider.StatusError{
				Provider: name, StatusCode: 503, Err: errors.New("overloaded"),
			}}
		}
		selector := newTestSelector(t, hierarchy, fakes)
		env := setupTestRunner(t, selector, func(c *Config) { c.MaxIterations = 2 })

		_, err := env.runner.Run(ctx, Job{SessionID: "s1", Prompt: "hi"}, nil)
		assert.ErrorIs(t, err, provider.ErrAllProvidersFailed)

		total := 0
		for _, f := range fakes {
			total += f.count()
		}
		assert.Equal(t, 2, total)
		assert.Zero(t, fakes["p3"].count())
	})

	t.Run("should switch the active provider after an auth failure", func(t *testing.T) {
		fakes := map[string]*countingProvider{
			"anthropic": {name: "anthropic", err: &provider.StatusError{
				Provider: "anthropic", StatusCode: 401, Err: errors.New("invalid api key"),
			}},
			"openai": {name: "openai", reply: `{"answer":"from fallback"}`},
		}
		selector := newTestSelector(t, []string{"anthropic", "openai"}, fakes)
		env := setupTestRunner(t, selector, nil)

		result, err := env.runner.Run(ctx, Job{SessionID: "s1", Prompt: "hi"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "from fallback", result.Text)
		assert.Equal(t, "openai", result.Provider)
		assert.Equal(t, 1, fakes["anthropic"].count())

		sess, err := env.sessions.Load(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "openai", sess.ActiveProvider)
	})
}
