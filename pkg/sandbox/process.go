package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"
)

// DefaultMaxOutputBytes caps each of stdout and stderr.
const DefaultMaxOutputBytes = 10 * 1024 * 1024

// Spec describes one shell invocation.
type Spec struct {
	Command        string
	Shell          string
	Dir            string
	Env            map[string]string
	MaxOutputBytes int
}

// Result is the outcome of a finished process. A non-zero ExitCode is data,
// not an error.
type Result struct {
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// DataFunc receives output chunks as they arrive. It runs on the copy
// goroutine and must not block.
type DataFunc func(stream, chunk string)

// Process owns one child process. It can be cancelled at any point after
// Start; the first cancellation reason wins and is what Wait reports.
type Process struct {
	spec   Spec
	onData DataFunc

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	reason  error
	startAt time.Time

	stdout *streamBuffer
	stderr *streamBuffer
	done   chan struct{}
	result Result
	err    error
}

// NewProcess prepares a process; nothing is spawned until Start.
func NewProcess(spec Spec) *Process {
	if spec.Shell == "" {
		spec.Shell = "/bin/sh"
	}
	if spec.MaxOutputBytes <= 0 {
		spec.MaxOutputBytes = DefaultMaxOutputBytes
	}
	p := &Process{spec: spec, done: make(chan struct{})}
	p.stdout = newStreamBuffer("stdout", spec.MaxOutputBytes, p)
	p.stderr = newStreamBuffer("stderr", spec.MaxOutputBytes, p)
	return p
}

// OnData registers the chunk callback. Call it before Start.
func (p *Process) OnData(fn DataFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onData = fn
}

// Start spawns the child in its own process group.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	cmd := exec.Command(p.spec.Shell, "-c", p.spec.Command)
	cmd.Dir = p.spec.Dir
	cmd.Env = buildEnv(p.spec.Env)
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)

	p.startAt = time.Now()
	if err := cmd.Start(); err != nil {
		close(p.done)
		p.err = fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		return p.err
	}
	p.cmd = cmd

	go p.wait()
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.stdout.flush()
	p.stderr.flush()

	p.mu.Lock()
	defer p.mu.Unlock()

	p.result = Result{
		ExitCode: 0,
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
		Duration: time.Since(p.startAt),
	}
	var exitErr *exec.ExitError
	switch {
	case p.reason != nil:
		p.result.ExitCode = -1
		p.err = p.reason
	case err == nil:
	case errors.As(err, &exitErr):
		p.result.ExitCode = exitErr.ExitCode()
	default:
		p.result.ExitCode = -1
		p.err = err
	}
	close(p.done)
}

// Cancel kills the whole process group and records reason as the outcome.
// It is a no-op once the process has exited.
func (p *Process) Cancel(reason error) {
	if reason == nil {
		reason = ErrCancelled
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	if p.reason != nil || p.cmd == nil {
		return
	}
	p.reason = reason
	killProcessGroup(p.cmd)
}

// Done is closed when the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits. A ctx cancellation kills the child
// and reports ErrCancelled; the timeout, when positive, kills it and
// reports ErrExecutionTimeout.
func (p *Process) Wait(ctx context.Context, timeout time.Duration) (Result, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		p.Cancel(ErrCancelled)
		<-p.done
	case <-timer:
		p.Cancel(fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout))
		<-p.done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.err
}

func (p *Process) emit(stream, chunk string) {
	p.mu.Lock()
	fn := p.onData
	p.mu.Unlock()
	if fn != nil && chunk != "" {
		fn(stream, chunk)
	}
}

// streamBuffer keeps up to limit bytes of one stream, forwards chunks on
// UTF-8 boundaries and cancels the process once the limit is crossed.
type streamBuffer struct {
	name  string
	limit int
	owner *Process

	mu       sync.Mutex
	buf      bytes.Buffer
	pending  []byte
	overflow bool
}

func newStreamBuffer(name string, limit int, owner *Process) *streamBuffer {
	return &streamBuffer{name: name, limit: limit, owner: owner}
}

func (s *streamBuffer) Write(b []byte) (int, error) {
	s.mu.Lock()
	if s.overflow {
		s.mu.Unlock()
		return len(b), nil
	}
	keep := b
	room := s.limit - s.buf.Len()
	if len(keep) > room {
		keep = keep[:room]
		s.overflow = true
	}
	s.buf.Write(keep)

	data := append(s.pending, keep...)
	cut := len(data)
	for cut > 0 && cut > len(data)-utf8.UTFMax && !utf8.Valid(data[:cut]) {
		cut--
	}
	if !utf8.Valid(data[:cut]) {
		cut = len(data)
	}
	chunk := string(data[:cut])
	s.pending = append([]byte(nil), data[cut:]...)
	overflow := s.overflow
	s.mu.Unlock()

	s.owner.emit(s.name, chunk)
	if overflow {
		s.owner.Cancel(fmt.Errorf("%w: %s over %d bytes", ErrOutputLimitExceeded, s.name, s.limit))
	}
	return len(b), nil
}

func (s *streamBuffer) flush() {
	s.mu.Lock()
	chunk := string(s.pending)
	s.pending = nil
	s.mu.Unlock()
	s.owner.emit(s.name, chunk)
}

func (s *streamBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}
