package events

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeShape(t *testing.T) {
	t.Run("should nest tool stream payloads under data", func(t *testing.T) {
		raw, err := json.Marshal(ToolStream(StreamStdout, "hello\n"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"tool_stream","data":{"type":"stdout","content":"hello\n"}}`, string(raw))
	})

	t.Run("should put canvas content at the top level", func(t *testing.T) {
		raw, err := json.Marshal(Canvas("<h1>x</h1>", "html"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"agent_canvas_output","content":"<h1>x</h1>","contentType":"html"}`, string(raw))
	})

	t.Run("should encode status and error as content", func(t *testing.T) {
		raw, err := json.Marshal(Error("boom"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"error","content":"boom"}`, string(raw))
	})
}

func TestSinks(t *testing.T) {
	t.Run("should stamp the job id", func(t *testing.T) {
		var got Event
		sink := WithJob(SinkFunc(func(e Event) { got = e }), "job-1")
		sink.Publish(Status("working"))
		assert.Equal(t, "job-1", got.JobID)
	})

	t.Run("should drop when the channel is full", func(t *testing.T) {
		dropped := 0
		sink := NewChannelSink(1, func() { dropped++ })
		sink.Publish(Status("a"))
		sink.Publish(Status("b"))

		assert.Equal(t, 1, dropped)
		e := <-sink.C
		assert.Equal(t, "a", e.Content)
		assert.NotZero(t, e.Timestamp)
	})

	t.Run("should tee to all sinks", func(t *testing.T) {
		var a, b int
		sink := Tee(SinkFunc(func(Event) { a++ }), nil, SinkFunc(func(Event) { b++ }))
		sink.Publish(Status("x"))
		assert.Equal(t, 1, a)
		assert.Equal(t, 1, b)
	})
}

func TestBroadcaster(t *testing.T) {
	logger := zerolog.Nop()

	t.Run("should number events and replay the backlog", func(t *testing.T) {
		b := NewBroadcaster(logger)
		b.Publish(Status("one"))
		b.Publish(Status("two"))

		ch, cancel := b.Subscribe()
		defer cancel()
		b.Publish(Status("three"))

		var seqs []int64
		for i := 0; i < 3; i++ {
			seqs = append(seqs, (<-ch).Seq)
		}
		assert.Equal(t, []int64{1, 2, 3}, seqs)
	})

	t.Run("should close subscribers on close", func(t *testing.T) {
		b := NewBroadcaster(logger)
		ch, _ := b.Subscribe()
		b.Close()

		_, ok := <-ch
		assert.False(t, ok)

		late, _ := b.Subscribe()
		_, ok = <-late
		assert.False(t, ok)
	})

	t.Run("should never block a publisher on a stalled subscriber", func(t *testing.T) {
		b := NewBroadcaster(logger)
		_, cancel := b.Subscribe()
		defer cancel()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b.Publish(ToolStream(StreamStdout, "x"))
			}
		}()
		wg.Wait()

		assert.Len(t, b.Backlog(), defaultBacklog)
	})

	t.Run("should stop delivery after cancel", func(t *testing.T) {
		b := NewBroadcaster(logger)
		ch, cancel := b.Subscribe()
		cancel()
		cancel()
		b.Publish(Status("after"))

		_, ok := <-ch
		assert.False(t, ok)
	})
}
