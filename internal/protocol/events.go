package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies tagged frames on the upstream realtime wire.
type EventType string

const (
	// Outbound (client -> upstream).
	TypeSessionUpdate    EventType = "session_update"
	TypeInputAudioAppend EventType = "input_audio_append"
	TypeInputAudioCommit EventType = "input_audio_commit"
	TypeInputText        EventType = "input_text"
	TypeResponseCreate   EventType = "response_create"
	TypeToolResult       EventType = "tool_result"
	TypeSessionClose     EventType = "session_close"

	// Inbound (upstream -> client).
	TypeSessionCreated     EventType = "session_created"
	TypeResponseTextDelta  EventType = "response_text_delta"
	TypeResponseAudioDelta EventType = "response_audio_delta"
	TypeResponseDone       EventType = "response_done"
	TypeToolCall           EventType = "tool_call"
	TypeUpstreamError      EventType = "error"
)

var ErrMalformedEvent = errors.New("malformed upstream event")

// Envelope carries the tag shared by every frame. Unknown extra fields are
// ignored so the upstream schema can evolve without breaking us.
type Envelope struct {
	Type EventType `json:"type"`
}

// OutboundEvent is a tagged payload queued for the upstream endpoint. The
// caller owns it until submitted; the multiplexer owns it until acked.
type OutboundEvent struct {
	ID      string    `json:"event_id,omitempty"`
	Type    EventType `json:"type"`
	Payload json.RawMessage
}

// InboundEvent is a tagged payload received from the upstream endpoint.
type InboundEvent struct {
	Type EventType
	Raw  []byte
}

// NewOutboundEvent marshals the payload and tags it. The payload must encode
// to a JSON object so the tag can be injected alongside its fields.
func NewOutboundEvent(t EventType, payload any) (OutboundEvent, error) {
	if payload == nil {
		return OutboundEvent{Type: t, Payload: json.RawMessage(`{}`)}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return OutboundEvent{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	if len(raw) < 2 || raw[0] != '{' {
		return OutboundEvent{}, fmt.Errorf("%s payload must be a JSON object", t)
	}
	return OutboundEvent{Type: t, Payload: raw}, nil
}

// Frame renders the event as one wire frame: the payload object with the tag
// and event id merged in.
func (e OutboundEvent) Frame() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &fields); err != nil {
			return nil, fmt.Errorf("frame %s: %w", e.Type, err)
		}
	}
	typeRaw, _ := json.Marshal(e.Type)
	fields["type"] = typeRaw
	if e.ID != "" {
		idRaw, _ := json.Marshal(e.ID)
		fields["event_id"] = idRaw
	}
	return json.Marshal(fields)
}

// ParseServerEvent validates the envelope of one inbound frame. Unknown tags
// are returned as-is; the multiplexer decides how to surface them. A frame
// that is not a JSON object with a string type is a protocol error.
func ParseServerEvent(raw []byte) (InboundEvent, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return InboundEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return InboundEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return InboundEvent{Type: env.Type, Raw: raw}, nil
}

// SessionUpdate negotiates session configuration with the upstream endpoint.
type SessionUpdate struct {
	Modalities []string `json:"modalities,omitempty"`
	Model      string   `json:"model,omitempty"`
	Voice      string   `json:"voice,omitempty"`
}

type InputAudioAppend struct {
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate,omitempty"`
}

type InputText struct {
	Text string `json:"text"`
}

type ResponseCreate struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type SessionCreated struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Model     string    `json:"model,omitempty"`
	ExpiresAt int64     `json:"expires_at,omitempty"`
}

type ResponseTextDelta struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id,omitempty"`
	Delta      string    `json:"delta"`
}

type ResponseAudioDelta struct {
	Type        EventType `json:"type"`
	ResponseID  string    `json:"response_id,omitempty"`
	AudioBase64 string    `json:"audio_base64"`
	Format      string    `json:"format,omitempty"`
}

type ResponseDone struct {
	Type       EventType `json:"type"`
	ResponseID string    `json:"response_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// ToolCall asks the client side to execute a tool and report back.
type ToolCall struct {
	Type       EventType       `json:"type"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult carries the outcome of an executed tool call back upstream.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type UpstreamError struct {
	Type    EventType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}
