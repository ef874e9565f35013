// Package memorybackend is an in-memory reference implementation of
// session.Backend used by tests and local development. It simulates a
// terminal buffer and a busy/idle prompt cycle without shelling out to a
// real runtime, the way the teacher's cmd/mock-agent fakes an agent over
// stdio for integration tests.
package memorybackend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/crewly/crewlyd/internal/session"
)

// sessionState tracks one simulated terminal.
type sessionState struct {
	mu        sync.Mutex
	lines     []string
	busyUntil time.Time
}

// Backend is a concurrency-safe, in-process session.Backend. BusyFor
// controls how long a session appears non-idle after receiving input,
// simulating a runtime "thinking" before returning to its prompt.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	BusyFor  time.Duration
}

var _ session.Backend = (*Backend)(nil)

// New creates an empty in-memory backend. A zero BusyFor means sessions
// report idle immediately after any write.
func New() *Backend {
	return &Backend{
		sessions: make(map[string]*sessionState),
		BusyFor:  0,
	}
}

// CreateSession registers a new session, ready to receive writes.
func (b *Backend) CreateSession(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[name] = &sessionState{lines: []string{fmt.Sprintf("[session %s started]", name)}}
}

// RemoveSession tears down a session, simulating the runtime exiting.
func (b *Backend) RemoveSession(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, name)
}

func (b *Backend) get(name string) (*sessionState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[name]
	return s, ok
}

func (b *Backend) SessionExists(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := b.get(name)
	return ok, nil
}

func (b *Backend) Send(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, ok := b.get(name)
	if !ok {
		return fmt.Errorf("memorybackend: session %q does not exist", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, strings.Split(strings.TrimRight(string(data), "\n"), "\n")...)
	if b.BusyFor > 0 {
		s.busyUntil = time.Now().Add(b.BusyFor)
	}
	return nil
}

// SendPayloadThenEnter writes text, waits interWriteDelayMillis, then
// writes a standalone newline, mirroring the two-phase write real
// interactive runtimes require.
func (b *Backend) SendPayloadThenEnter(ctx context.Context, name, text string, interWriteDelayMillis int) error {
	if err := b.Send(ctx, name, []byte(text)); err != nil {
		return err
	}

	delay := time.Duration(interWriteDelayMillis) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	return b.Send(ctx, name, []byte("\n"))
}

func (b *Backend) Snapshot(ctx context.Context, name string, lines int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s, ok := b.get(name)
	if !ok {
		return "", fmt.Errorf("memorybackend: session %q does not exist", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if lines <= 0 || lines >= len(s.lines) {
		return strings.Join(s.lines, "\n"), nil
	}
	return strings.Join(s.lines[len(s.lines)-lines:], "\n"), nil
}

func (b *Backend) IsPromptIdle(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s, ok := b.get(name)
	if !ok {
		return false, fmt.Errorf("memorybackend: session %q does not exist", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().After(s.busyUntil), nil
}
