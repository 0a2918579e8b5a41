package coretools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/autopilot/pkg/commandqueue"
	"github.com/harun/autopilot/pkg/events"
	"github.com/harun/autopilot/pkg/sandbox"
	"github.com/harun/autopilot/pkg/statestore"
	"github.com/harun/autopilot/pkg/toolexecutor"
)

type fakeSession struct {
	id    string
	ctx   map[string]string
	store *statestore.SessionStore
}

func (f *fakeSession) ID() string                      { return f.id }
func (f *fakeSession) Context() map[string]string      { return f.ctx }
func (f *fakeSession) Store() *statestore.SessionStore { return f.store }
func (f *fakeSession) SetContext(key, value string) {
	if value == "" {
		delete(f.ctx, key)
		return
	}
	f.ctx[key] = value
}

type toolEnv struct {
	tools     *toolexecutor.ToolExecutor
	workspace string
	session   *fakeSession
	sink      *events.ChannelSink
	exec      *sandbox.Executor
}

func setupTools(t *testing.T) *toolEnv {
	t.Helper()
	workspace := t.TempDir()

	queue := commandqueue.New()
	t.Cleanup(func() { queue.Close() })
	exec, err := sandbox.NewExecutor(sandbox.Config{WorkspaceRoot: workspace}, queue)
	require.NoError(t, err)

	store, err := statestore.Open(statestore.Config{
		Path:   filepath.Join(t.TempDir(), "state.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tools := toolexecutor.New()
	require.NoError(t, RegisterCoreTools(tools, Options{Executor: exec}))

	return &toolEnv{
		tools:     tools,
		workspace: workspace,
		session:   &fakeSession{id: "s1", ctx: map[string]string{}, store: store.Session("s1")},
		sink:      events.NewChannelSink(256, nil),
		exec:      exec,
	}
}

func (e *toolEnv) call(t *testing.T, name string, params map[string]interface{}) (interface{}, error) {
	t.Helper()
	tc := &toolexecutor.ToolContext{
		Logger:  zerolog.Nop(),
		Session: e.session,
		Sink:    e.sink,
		Enqueue: func(ctx context.Context, command string) (*sandbox.DetachedAck, error) {
			return e.exec.Detach(ctx, command, e.sink)
		},
	}
	return e.tools.Dispatch(context.Background(), name, params, tc)
}

func TestRegisterCoreTools(t *testing.T) {
	env := setupTools(t)
	for _, name := range []string{
		"execute_command", "read_file", "write_file", "edit_file", "list_files",
		"create_project", "add_task", "update_task", "list_tasks",
		"create_recovery_point", "list_recovery_points", "restore_recovery_point",
		"set_context",
	} {
		assert.NotNil(t, env.tools.GetTool(name), name)
	}

	t.Run("should require an executor", func(t *testing.T) {
		assert.Error(t, RegisterCoreTools(toolexecutor.New(), Options{}))
	})
}

func TestExecuteCommand(t *testing.T) {
	env := setupTools(t)

	t.Run("should run in the foreground and stream output", func(t *testing.T) {
		out, err := env.call(t, "execute_command", map[string]interface{}{"command": "echo hello"})
		require.NoError(t, err)
		res := out.(map[string]interface{})
		assert.Equal(t, 0, res["exitCode"])
		assert.Equal(t, "hello\n", res["stdout"])

		e := <-env.sink.C
		assert.Equal(t, events.TypeToolStream, e.Type)
		assert.Equal(t, events.StreamStdout, e.Data.Type)
	})

	t.Run("should report denied commands as errors", func(t *testing.T) {
		_, err := env.call(t, "execute_command", map[string]interface{}{"command": "rm -rf /"})
		assert.ErrorIs(t, err, sandbox.ErrDangerousCommand)
	})

	t.Run("should return an ack for detached commands", func(t *testing.T) {
		out, err := env.call(t, "execute_command", map[string]interface{}{"command": "echo later", "detached": true})
		require.NoError(t, err)
		ack := out.(*sandbox.DetachedAck)
		assert.Equal(t, "enqueued", ack.Status)
		assert.NotEmpty(t, ack.TaskID)
	})
}

func TestFileTools(t *testing.T) {
	env := setupTools(t)

	t.Run("should write, read and edit files", func(t *testing.T) {
		_, err := env.call(t, "write_file", map[string]interface{}{"path": "site/index.html", "content": "<h1>old</h1>"})
		require.NoError(t, err)

		out, err := env.call(t, "edit_file", map[string]interface{}{"path": "site/index.html", "search": "old", "replace": "new"})
		require.NoError(t, err)
		assert.Equal(t, 1, out.(map[string]interface{})["occurrences"])

		_, err = env.call(t, "write_file", map[string]interface{}{"path": "site/index.html", "content": "\n", "append": true})
		require.NoError(t, err)

		out, err = env.call(t, "read_file", map[string]interface{}{"path": "site/index.html"})
		require.NoError(t, err)
		res := out.(map[string]interface{})
		assert.Equal(t, "<h1>new</h1>\n", res["content"])
		assert.Equal(t, false, res["truncated"])
	})

	t.Run("should truncate large reads", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(env.workspace, "big.txt"), []byte("0123456789"), 0644))
		out, err := env.call(t, "read_file", map[string]interface{}{"path": "big.txt", "max_bytes": 4})
		require.NoError(t, err)
		res := out.(map[string]interface{})
		assert.Equal(t, "0123", res["content"])
		assert.Equal(t, true, res["truncated"])
	})

	t.Run("should refuse paths outside the workspace", func(t *testing.T) {
		_, err := env.call(t, "read_file", map[string]interface{}{"path": "../../etc/passwd"})
		assert.ErrorIs(t, err, sandbox.ErrPathOutsideWorkspace)
		_, err = env.call(t, "write_file", map[string]interface{}{"path": "/tmp/escape.txt", "content": "x"})
		assert.ErrorIs(t, err, sandbox.ErrPathOutsideWorkspace)
	})

	t.Run("should list files", func(t *testing.T) {
		out, err := env.call(t, "list_files", map[string]interface{}{})
		require.NoError(t, err)
		entries := out.(map[string]interface{})["entries"].([]fileEntry)
		var paths []string
		for _, e := range entries {
			paths = append(paths, e.Path)
		}
		assert.Equal(t, []string{"big.txt", "site"}, paths)

		out, err = env.call(t, "list_files", map[string]interface{}{"recursive": true, "max_entries": 2})
		require.NoError(t, err)
		res := out.(map[string]interface{})
		assert.Len(t, res["entries"], 2)
		assert.Equal(t, true, res["truncated"])
	})
}

func TestStateTools(t *testing.T) {
	env := setupTools(t)

	t.Run("should report when no project exists", func(t *testing.T) {
		out, err := env.call(t, "list_tasks", map[string]interface{}{})
		require.NoError(t, err)
		assert.Equal(t, "No project exists for this session.", out)

		_, err = env.call(t, "add_task", map[string]interface{}{"content": "x"})
		assert.ErrorIs(t, err, statestore.ErrNoProject)
	})

	t.Run("should manage a project and its tasks", func(t *testing.T) {
		_, err := env.call(t, "create_project", map[string]interface{}{"name": "landing page"})
		require.NoError(t, err)

		out, err := env.call(t, "add_task", map[string]interface{}{
			"content":           "write copy",
			"priority":          "high",
			"estimated_minutes": "30",
		})
		require.NoError(t, err)
		task := out.(*statestore.Task)
		assert.Equal(t, statestore.PriorityHigh, task.Priority)
		assert.Equal(t, 30, task.EstimatedMinutes)

		_, err = env.call(t, "add_task", map[string]interface{}{"content": "ship", "dependencies": []interface{}{task.ID}})
		require.NoError(t, err)

		_, err = env.call(t, "update_task", map[string]interface{}{"task_id": task.ID, "status": "completed"})
		require.NoError(t, err)

		_, err = env.call(t, "update_task", map[string]interface{}{"task_id": task.ID, "status": "done"})
		var verr *toolexecutor.ValidationError
		assert.ErrorAs(t, err, &verr)

		out, err = env.call(t, "list_tasks", map[string]interface{}{})
		require.NoError(t, err)
		res := out.(map[string]interface{})
		project := res["project"].(*statestore.Project)
		assert.Equal(t, 50, project.Progress)
		assert.Len(t, res["tasks"], 2)
	})

	t.Run("should checkpoint and restore", func(t *testing.T) {
		out, err := env.call(t, "create_recovery_point", map[string]interface{}{"description": "half done"})
		require.NoError(t, err)
		pointID := out.(map[string]interface{})["id"].(string)

		_, err = env.call(t, "create_project", map[string]interface{}{"name": "something else"})
		require.NoError(t, err)

		out, err = env.call(t, "list_recovery_points", map[string]interface{}{})
		require.NoError(t, err)
		assert.Len(t, out, 1)

		_, err = env.call(t, "restore_recovery_point", map[string]interface{}{"point_id": pointID})
		require.NoError(t, err)

		out, err = env.call(t, "list_tasks", map[string]interface{}{})
		require.NoError(t, err)
		project := out.(map[string]interface{})["project"].(*statestore.Project)
		assert.Equal(t, "landing page", project.Name)

		_, err = env.call(t, "restore_recovery_point", map[string]interface{}{"point_id": "missing"})
		assert.ErrorIs(t, err, statestore.ErrRecoveryPointNotFound)
	})

	t.Run("should fail without a state store", func(t *testing.T) {
		env.session.store = nil
		_, err := env.call(t, "list_tasks", map[string]interface{}{})
		assert.ErrorIs(t, err, ErrNoStateStore)
	})
}

func TestSetContext(t *testing.T) {
	env := setupTools(t)

	_, err := env.call(t, "set_context", map[string]interface{}{"key": "framework", "value": "htmx"})
	require.NoError(t, err)
	assert.Equal(t, "htmx", env.session.ctx["framework"])

	_, err = env.call(t, "set_context", map[string]interface{}{"key": "framework", "value": ""})
	require.NoError(t, err)
	assert.NotContains(t, env.session.ctx, "framework")
}
