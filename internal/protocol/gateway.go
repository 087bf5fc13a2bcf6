package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies gateway websocket payload variants (browser side).
type MessageType string

const (
	TypeClientText       MessageType = "message"
	TypeClientAudioChunk MessageType = "audio_chunk"
	TypeClientToolResult MessageType = "tool_result"
	TypeClientControl    MessageType = "control"

	TypeServerText       MessageType = "text"
	TypeServerAudioChunk MessageType = "assistant_audio_chunk"
	TypeServerToolUse    MessageType = "tool_use"
	TypeServerDone       MessageType = "done"
	TypeServerError      MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type gatewayEnvelope struct {
	Type MessageType `json:"type"`
}

type ClientText struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
}

// ClientToolResult reports the outcome of a tool call the server asked the
// client to execute via a tool_use frame.
type ClientToolResult struct {
	Type       MessageType     `json:"type"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type ServerText struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
	Chunk   bool        `json:"chunk,omitempty"`
}

type ServerAudioChunk struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format,omitempty"`
	AudioBase64 string      `json:"audio_base64"`
}

// ServerToolUse relays an upstream tool call to the client for execution.
type ServerToolUse struct {
	Type       MessageType     `json:"type"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

type ServerDone struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

type ServerError struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates one frame from a gateway client.
func ParseClientMessage(raw []byte) (any, error) {
	var env gatewayEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Content == "" {
			return nil, errors.New("invalid message: empty content")
		}
		return msg, nil
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid audio_chunk")
		}
		return msg, nil
	case TypeClientToolResult:
		var msg ClientToolResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ToolCallID == "" {
			return nil, errors.New("invalid tool_result: missing tool_call_id")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid control: missing action")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
