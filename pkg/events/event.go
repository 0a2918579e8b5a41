// Package events defines the envelopes a job streams to its observers and
// the one-way sinks that carry them.
package events

import "time"

// Type identifies an event envelope.
type Type string

const (
	TypeToolStream   Type = "tool_stream"
	TypeCanvasOutput Type = "agent_canvas_output"
	TypeStatus       Type = "status"
	TypeError        Type = "error"
)

// Stream names for tool_stream events.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// StreamData is the payload of a tool_stream event.
type StreamData struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Event is one envelope. tool_stream events carry Data; the others carry
// Content, plus ContentType for canvas output.
type Event struct {
	Type        Type        `json:"type"`
	JobID       string      `json:"jobId,omitempty"`
	Seq         int64       `json:"seq,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"`
	Content     string      `json:"content,omitempty"`
	ContentType string      `json:"contentType,omitempty"`
	Data        *StreamData `json:"data,omitempty"`
}

func ToolStream(stream, content string) Event {
	return Event{Type: TypeToolStream, Data: &StreamData{Type: stream, Content: content}}
}

func Canvas(content, contentType string) Event {
	return Event{Type: TypeCanvasOutput, Content: content, ContentType: contentType}
}

func Status(content string) Event {
	return Event{Type: TypeStatus, Content: content}
}

func Error(content string) Event {
	return Event{Type: TypeError, Content: content}
}

func stamp(e Event) Event {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	return e
}
