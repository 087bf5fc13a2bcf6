package journal

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("journal: session not found")

// Session statuses as persisted.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Event kinds written by the gateway.
const (
	KindSessionStart = "session_start"
	KindUserMessage  = "user_message"
	KindAssistant    = "assistant_message"
	KindToolCall     = "tool_call"
	KindToolResult   = "tool_result"
	KindErrorEvent   = "error_event"
	KindSessionEnd   = "session_end"
)

// SessionRecord is one logical conversation with the upstream endpoint.
type SessionRecord struct {
	ID              string     `json:"session_id"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
	Summary         string     `json:"summary,omitempty"`
}

// EventRecord is one journaled event, ordered per session by Seq.
type EventRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Seq        int       `json:"sequence_num"`
	Kind       string    `json:"kind"`
	Role       string    `json:"role,omitempty"`
	Content    string    `json:"content,omitempty"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists sessions and their event journals.
type Store interface {
	StartSession(ctx context.Context, sessionID string) error
	// AppendEvent assigns the event ID and the next per-session sequence
	// number, returning the stored record.
	AppendEvent(ctx context.Context, rec EventRecord) (EventRecord, error)
	FinishSession(ctx context.Context, sessionID, status, summary string, duration time.Duration) error
	Session(ctx context.Context, sessionID string) (SessionRecord, error)
	Events(ctx context.Context, sessionID string) ([]EventRecord, error)
	Close() error
}
