package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManager(t *testing.T) (*Manager, string) {
	dir := filepath.Join(t.TempDir(), "sessions")
	m, err := NewManager(dir)
	require.NoError(t, err)
	return m, dir
}

func TestManagerAppendAndLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("should round trip the history in order", func(t *testing.T) {
		m, _ := setupTestManager(t)
		call := NewToolCall("execute_command", map[string]interface{}{"command": "pwd"})

		require.NoError(t, m.Append(ctx, "s1", NewUserMessage("where am i")))
		require.NoError(t, m.Append(ctx, "s1", call))
		require.NoError(t, m.Append(ctx, "s1", NewToolResult(call, "/work")))
		require.NoError(t, m.Append(ctx, "s1", NewAgentResponse("in /work")))

		sess, err := m.Load(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, sess.History, 4)
		assert.Equal(t, TypeUser, sess.History[0].Type)
		assert.Equal(t, "pwd", sess.History[1].Params["command"])
		assert.Equal(t, call.CallID, sess.History[2].CallID)
		assert.Equal(t, "in /work", sess.History[3].Content)
	})

	t.Run("should return an empty session when nothing was written", func(t *testing.T) {
		m, _ := setupTestManager(t)
		sess, err := m.Load(ctx, "fresh")
		require.NoError(t, err)
		assert.Empty(t, sess.History)
		assert.NotNil(t, sess.Context)
	})

	t.Run("should enforce tool pairing against stored history", func(t *testing.T) {
		m, _ := setupTestManager(t)
		require.NoError(t, m.Append(ctx, "s1", NewToolCall("a", nil)))
		assert.ErrorIs(t, m.Append(ctx, "s1", NewToolCall("b", nil)), ErrUnmatchedToolCall)
	})

	t.Run("should skip corrupt lines", func(t *testing.T) {
		m, dir := setupTestManager(t)
		require.NoError(t, m.Append(ctx, "s1", NewUserMessage("one")))

		f, err := os.OpenFile(filepath.Join(dir, "s1.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
		require.NoError(t, err)
		_, err = f.WriteString("{not json\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		require.NoError(t, m.Append(ctx, "s1", NewUserMessage("two")))

		history, err := m.History(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "two", history[1].Content)
	})

	t.Run("should reject unsafe ids", func(t *testing.T) {
		m, _ := setupTestManager(t)
		for _, id := range []string{"", "../x", "a/b", "a\\b", "a\x00b"} {
			assert.ErrorIs(t, m.Append(ctx, id, NewUserMessage("x")), ErrInvalidSessionID, id)
		}
	})

	t.Run("should keep concurrent appends whole", func(t *testing.T) {
		m, _ := setupTestManager(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, m.Append(ctx, "busy", NewThought("x")))
			}()
		}
		wg.Wait()

		history, err := m.History(ctx, "busy")
		require.NoError(t, err)
		assert.Len(t, history, 20)
	})
}

func TestManagerMeta(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)

	sess := New("s1")
	sess.SetContext("project", "p-1")
	sess.ActiveProvider = "openai"
	require.NoError(t, m.SaveMeta(ctx, sess))

	loaded, err := m.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "openai", loaded.ActiveProvider)
	assert.Equal(t, "p-1", loaded.Context["project"])
}

func TestManagerDeleteListPrune(t *testing.T) {
	ctx := context.Background()
	m, dir := setupTestManager(t)

	require.NoError(t, m.Append(ctx, "old", NewUserMessage("x")))
	require.NoError(t, m.Append(ctx, "new", NewUserMessage("y")))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.jsonl"), past, past))

	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "new", infos[0].ID)

	removed, err := m.PruneOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	require.NoError(t, m.Delete(ctx, "new"))
	infos, err = m.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}
