package events

// Sink receives events. Publish must not block the caller: implementations
// drop rather than wait.
type Sink interface {
	Publish(Event)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// SinkFunc adapts a function to Sink. The function must return quickly.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// WithJob stamps every event with jobID before passing it on.
func WithJob(sink Sink, jobID string) Sink {
	if sink == nil {
		sink = NopSink{}
	}
	return SinkFunc(func(e Event) {
		if e.JobID == "" {
			e.JobID = jobID
		}
		sink.Publish(e)
	})
}

// Tee publishes to every non-nil sink.
func Tee(sinks ...Sink) Sink {
	var out []Sink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return SinkFunc(func(e Event) {
		for _, s := range out {
			s.Publish(e)
		}
	})
}

// ChannelSink forwards events into a buffered channel and drops them when
// the buffer is full.
type ChannelSink struct {
	C       chan Event
	dropped func()
}

func NewChannelSink(size int, onDrop func()) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{C: make(chan Event, size), dropped: onDrop}
}

func (s *ChannelSink) Publish(e Event) {
	select {
	case s.C <- stamp(e):
	default:
		if s.dropped != nil {
			s.dropped()
		}
	}
}
