package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of one realtime session.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateStreaming  State = "streaming"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

var ErrInvalidTransition = errors.New("invalid session transition")

// Config is the negotiated session configuration.
type Config struct {
	Modalities []string `json:"modalities,omitempty"`
	Model      string   `json:"model,omitempty"`
	Voice      string   `json:"voice,omitempty"`
}

// Session owns the lifecycle state for exactly one transport connection.
// All other components read it through Snapshot and never mutate it.
type Session struct {
	mu           sync.Mutex
	id           string
	state        State
	cfg          Config
	lastErr      error
	startedAt    time.Time
	transitionAt time.Time
}

// Snapshot is a read-only copy of the session for callers outside the
// state machine.
type Snapshot struct {
	ID           string    `json:"session_id"`
	State        State     `json:"state"`
	Config       Config    `json:"config"`
	StartedAt    time.Time `json:"started_at"`
	TransitionAt time.Time `json:"transition_at"`
}

// New creates a session in Connecting with a fresh identifier. Reconnection
// always goes through New, so a resumed stream carries a new session ID.
func New(cfg Config) *Session {
	now := time.Now().UTC()
	return &Session{
		id:           uuid.NewString(),
		state:        StateConnecting,
		cfg:          cfg,
		startedAt:    now,
		transitionAt: now,
	}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		State:        s.state,
		Config:       s.cfg,
		StartedAt:    s.startedAt,
		TransitionAt: s.transitionAt,
	}
}

// Err returns the error that drove the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// MarkOpen records the handshake ack: Connecting -> Open.
func (s *Session) MarkOpen() error {
	return s.transition(StateOpen, StateConnecting)
}

// MarkStreaming records the first committed input: Open -> Streaming.
// Already Streaming is a no-op, so repeated commits within one response
// window are harmless.
func (s *Session) MarkStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStreaming {
		return nil
	}
	return s.transitionLocked(StateStreaming, StateOpen)
}

// MarkResponseDone records response completion: Streaming -> Open.
func (s *Session) MarkResponseDone() error {
	return s.transition(StateOpen, StateStreaming)
}

// BeginClose moves any live state to Closing. On a session that is already
// Closing or terminal it is a no-op, so Close is idempotent end to end.
func (s *Session) BeginClose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosing, StateClosed, StateFailed:
		return nil
	}
	s.setLocked(StateClosing)
	return nil
}

// MarkClosed records the transport close ack: Closing -> Closed.
func (s *Session) MarkClosed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	return s.transitionLocked(StateClosed, StateClosing)
}

// Fail moves the session to the terminal Failed state from anywhere except
// an already terminal state, recording the cause.
func (s *Session) Fail(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed, StateFailed:
		return
	}
	s.lastErr = cause
	s.setLocked(StateFailed)
}

// Terminal reports whether the session can never leave its current state.
func (s *Session) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateClosed || s.state == StateFailed
}

func (s *Session) transition(next State, allowed ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next, allowed...)
}

func (s *Session) transitionLocked(next State, allowed ...State) error {
	for _, a := range allowed {
		if s.state == a {
			s.setLocked(next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
}

func (s *Session) setLocked(next State) {
	s.state = next
	s.transitionAt = time.Now().UTC()
}
