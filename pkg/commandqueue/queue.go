package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/autopilot/internal/observability"
	"github.com/harun/autopilot/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DetachedLane carries fire-and-forget shell commands.
	DetachedLane = "detached"

	defaultLaneCapacity = 100
)

var (
	ErrQueueClosed = errors.New("command queue closed")
	ErrLaneFull    = errors.New("lane is full")
	ErrLaneCleared = errors.New("lane cleared")
)

// SessionLane names the lane that serializes runs of one session.
func SessionLane(sessionID string) string {
	return "session-" + sessionID
}

// Task is one unit of queued work.
type Task func(ctx context.Context) (interface{}, error)

type taskResult struct {
	value interface{}
	err   error
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type laneState struct {
	mu          sync.Mutex
	concurrency int
	capacity    int
	queue       []*taskRecord
	running     map[string]context.CancelFunc
}

// Event reports queue activity to handlers registered with On.
type Event struct {
	Type     string // enqueued, started, completed
	Lane     string
	TaskID   string
	Duration time.Duration
	Value    interface{}
	Err      error
}

// EventHandler is called synchronously; it must not block.
type EventHandler func(Event)

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	mu     sync.RWMutex
	lanes  map[string]*laneState
	seq    uint64
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[string][]EventHandler
}

func New() *CommandQueue {
	observability.EnsureRegistered()
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:    make(map[string]*laneState),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]EventHandler),
	}
}

func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.RLock()
	ls, ok := cq.lanes[name]
	cq.mu.RUnlock()
	if ok {
		return ls
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if ls, ok = cq.lanes[name]; ok {
		return ls
	}
	ls = &laneState{
		concurrency: 1,
		capacity:    defaultLaneCapacity,
		running:     make(map[string]context.CancelFunc),
	}
	cq.lanes[name] = ls
	log.Debug().Str("lane", name).Msg("Lane initialized")
	return ls
}

func (cq *CommandQueue) push(ctx context.Context, lane string, task Task) (*taskRecord, error) {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrQueueClosed
	}
	cq.seq++
	id := fmt.Sprintf("%s-%d", lane, cq.seq)
	cq.mu.Unlock()

	ls := cq.lane(lane)
	record := &taskRecord{
		id:         id,
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}

	ls.mu.Lock()
	if len(ls.queue) >= ls.capacity {
		ls.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrLaneFull, lane)
	}
	ls.queue = append(ls.queue, record)
	size := len(ls.queue)
	ls.mu.Unlock()

	observability.RecordQueueEnqueue(lane, size)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", id).
		Int("queueSize", size).
		Msg("Task enqueued")
	cq.emit(Event{Type: "enqueued", Lane: lane, TaskID: id})

	cq.process(lane)
	return record, nil
}

// Enqueue runs task in lane and waits for its result. If ctx ends while the
// task is still queued it is withdrawn and ctx.Err() is returned; a running
// task sees ctx cancelled.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "autopilot.commandqueue", "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	record, err := cq.push(ctx, lane, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	select {
	case res := <-record.result:
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		return res.value, res.err
	case <-ctx.Done():
		if cq.withdraw(lane, record.id) {
			return nil, ctx.Err()
		}
		// Already running: the task observes the same ctx.
		res := <-record.result
		return res.value, res.err
	}
}

// Submit queues task and returns its id without waiting. The outcome is
// delivered to "completed" handlers.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	record, err := cq.push(ctx, lane, task)
	if err != nil {
		return "", err
	}
	return record.id, nil
}

func (cq *CommandQueue) withdraw(lane, id string) bool {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, r := range ls.queue {
		if r.id == id {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			observability.SetQueueSize(lane, len(ls.queue))
			return true
		}
	}
	return false
}

func (cq *CommandQueue) process(lane string) {
	ls := cq.lane(lane)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for len(ls.running) < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		runCtx, cancel := context.WithCancel(record.ctx)
		stop := context.AfterFunc(cq.ctx, cancel)
		ls.running[record.id] = func() {
			stop()
			cancel()
		}

		cq.wg.Add(1)
		go cq.execute(lane, record, runCtx)
	}
}

func (cq *CommandQueue) execute(lane string, record *taskRecord, ctx context.Context) {
	defer cq.wg.Done()

	ctx, span := tracing.StartSpan(ctx, "autopilot.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	cq.emit(Event{Type: "started", Lane: lane, TaskID: record.id})
	start := time.Now()
	value, err := cq.run(ctx, record.task)
	duration := time.Since(start)

	ls := cq.lane(lane)
	ls.mu.Lock()
	if release, ok := ls.running[record.id]; ok {
		release()
		delete(ls.running, record.id)
	}
	size := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Err(err).Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, size)
	cq.emit(Event{Type: "completed", Lane: lane, TaskID: record.id, Duration: duration, Value: value, Err: err})

	cq.process(lane)
}

// run executes task and converts a panic into an error so a bad task cannot
// take the lane down.
func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// SetConcurrency updates the concurrency limit for a lane
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	ls := cq.lane(lane)
	ls.mu.Lock()
	ls.concurrency = concurrency
	ls.mu.Unlock()
	cq.process(lane)
}

// SetCapacity bounds how many tasks may wait in a lane.
func (cq *CommandQueue) SetCapacity(lane string, capacity int) {
	ls := cq.lane(lane)
	ls.mu.Lock()
	ls.capacity = capacity
	ls.mu.Unlock()
}

// Cancel cancels a running task or withdraws a queued one.
func (cq *CommandQueue) Cancel(lane, taskID string) bool {
	ls := cq.lane(lane)
	ls.mu.Lock()
	release, running := ls.running[taskID]
	ls.mu.Unlock()
	if running {
		release()
		return true
	}
	if cq.withdraw(lane, taskID) {
		cq.emit(Event{Type: "completed", Lane: lane, TaskID: taskID, Err: context.Canceled})
		return true
	}
	return false
}

// ClearLane rejects every queued task of a lane and returns how many.
func (cq *CommandQueue) ClearLane(lane string) int {
	ls := cq.lane(lane)
	ls.mu.Lock()
	cleared := ls.queue
	ls.queue = nil
	ls.mu.Unlock()

	for _, r := range cleared {
		r.result <- taskResult{err: ErrLaneCleared}
		cq.emit(Event{Type: "completed", Lane: lane, TaskID: r.id, Err: ErrLaneCleared})
	}
	observability.SetQueueSize(lane, 0)
	if len(cleared) > 0 {
		log.Info().Str("lane", lane).Int("cleared", len(cleared)).Msg("Lane cleared")
	}
	return len(cleared)
}

// LaneStats describes one lane.
type LaneStats struct {
	Queued      int `json:"queued"`
	Running     int `json:"running"`
	Concurrency int `json:"concurrency"`
}

// Stats returns statistics for all lanes
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, ls := range cq.lanes {
		ls.mu.Lock()
		stats[name] = LaneStats{Queued: len(ls.queue), Running: len(ls.running), Concurrency: ls.concurrency}
		ls.mu.Unlock()
	}
	return stats
}

// IsBusy reports whether a lane has queued or running tasks.
func (cq *CommandQueue) IsBusy(lane string) bool {
	cq.mu.RLock()
	ls, ok := cq.lanes[lane]
	cq.mu.RUnlock()
	if !ok {
		return false
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue) > 0 || len(ls.running) > 0
}

// On registers an event handler for a specific event type
func (cq *CommandQueue) On(eventType string, handler EventHandler) {
	cq.handlersMu.Lock()
	defer cq.handlersMu.Unlock()
	cq.handlers[eventType] = append(cq.handlers[eventType], handler)
}

func (cq *CommandQueue) emit(event Event) {
	cq.handlersMu.RLock()
	handlers := cq.handlers[event.Type]
	cq.handlersMu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

// Close rejects queued tasks, cancels running ones and waits for them.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	names := make([]string, 0, len(cq.lanes))
	for name := range cq.lanes {
		names = append(names, name)
	}
	cq.mu.Unlock()

	for _, name := range names {
		ls := cq.lane(name)
		ls.mu.Lock()
		queued := ls.queue
		ls.queue = nil
		ls.mu.Unlock()
		for _, r := range queued {
			r.result <- taskResult{err: ErrQueueClosed}
		}
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}
