package events

import (
	"sync"
	"sync/atomic"

	"github.com/harun/autopilot/internal/observability"
	"github.com/rs/zerolog"
)

const (
	defaultBacklog    = 256
	defaultSubscriber = 128
)

// Broadcaster fans events of one job out to any number of subscribers.
// Every event gets a sequence number; a bounded backlog lets late
// subscribers catch up. Slow subscribers lose events instead of stalling
// the job.
type Broadcaster struct {
	logger zerolog.Logger
	seq    atomic.Int64

	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	backlog []Event
	limit   int
	closed  bool
}

func NewBroadcaster(logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger,
		subs:   make(map[int]chan Event),
		limit:  defaultBacklog,
	}
}

// Publish implements Sink.
func (b *Broadcaster) Publish(e Event) {
	e = stamp(e)
	e.Seq = b.seq.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.backlog = append(b.backlog, e)
	if len(b.backlog) > b.limit {
		b.backlog = b.backlog[len(b.backlog)-b.limit:]
	}

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			observability.RecordEventDropped()
			b.logger.Warn().Int("subscriber", id).Int64("seq", e.Seq).Str("type", string(e.Type)).Msg("Subscriber full, dropping event")
		}
	}
}

// Subscribe returns a channel that first replays the backlog and then
// receives new events. The channel is closed by cancel or Close.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := defaultSubscriber
	if len(b.backlog) > size {
		size = len(b.backlog) + defaultSubscriber
	}
	ch := make(chan Event, size)
	for _, e := range b.backlog {
		ch <- e
	}
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Backlog returns a copy of the retained events.
func (b *Broadcaster) Backlog() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.backlog))
	copy(out, b.backlog)
	return out
}

// Close ends every subscription. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
