package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// MockDialer returns loopback connections that imitate the upstream
// endpoint: handshake ack, echoed text deltas, a done frame. It lets the
// gateway and probe run end to end without credentials.
type MockDialer struct {
	// FailConnects makes the next n Connect calls fail, for exercising the
	// reconnect path in tests.
	mu           sync.Mutex
	failConnects int
	dials        int
}

func NewMockDialer() *MockDialer { return &MockDialer{} }

// FailNextConnects makes the next n dials return a *ConnectError.
func (d *MockDialer) FailNextConnects(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failConnects = n
}

// Dials reports how many Connect calls were made.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *MockDialer) Connect(_ context.Context, endpoint, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.failConnects > 0 {
		d.failConnects--
		d.mu.Unlock()
		return nil, &ConnectError{Endpoint: endpoint, Err: errors.New("mock dial refused")}
	}
	d.mu.Unlock()
	return newMockConn(), nil
}

type mockConn struct {
	mu         sync.Mutex
	frames     chan []byte
	closed     bool
	pending    []string
	audioBytes int
}

func newMockConn() *mockConn {
	return &mockConn{frames: make(chan []byte, 256)}
}

func (c *mockConn) Send(frame []byte) error {
	var env struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		AudioBase64 string `json:"audio_base64"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return &SendError{Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &SendError{Err: ErrClosed}
	}

	switch env.Type {
	case "session_update":
		c.emit(map[string]any{
			"type":       "session_created",
			"session_id": "mock-" + ulid.Make().String(),
			"model":      "mock-realtime",
		})
	case "input_text":
		c.pending = append(c.pending, env.Text)
	case "input_audio_append":
		if raw, err := base64.StdEncoding.DecodeString(env.AudioBase64); err == nil {
			c.audioBytes += len(raw)
		}
	case "input_audio_commit":
		if c.audioBytes > 0 {
			c.pending = append(c.pending, fmt.Sprintf("(%d bytes of audio)", c.audioBytes))
			c.audioBytes = 0
		}
	case "response_create":
		c.respond()
	}
	return nil
}

// respond streams a word-by-word echo of the pending input, then done.
func (c *mockConn) respond() {
	input := strings.TrimSpace(strings.Join(c.pending, " "))
	c.pending = nil
	if input == "" {
		input = "nothing yet"
	}
	responseID := "resp-" + ulid.Make().String()
	for _, word := range strings.Fields("You said: " + input) {
		c.emit(map[string]any{
			"type":        "response_text_delta",
			"response_id": responseID,
			"delta":       word + " ",
		})
	}
	c.emit(map[string]any{
		"type":        "response_done",
		"response_id": responseID,
		"reason":      "completed",
	})
}

func (c *mockConn) emit(v map[string]any) {
	raw, _ := json.Marshal(v)
	select {
	case c.frames <- raw:
	default:
	}
}

func (c *mockConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			return nil, ErrClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.frames)
	return nil
}
