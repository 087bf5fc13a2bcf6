package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func receiveFrame(t *testing.T, c Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	return frame
}

func TestMockConnHandshake(t *testing.T) {
	conn, err := NewMockDialer().Connect(context.Background(), "wss://mock", "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if err := conn.Send([]byte(`{"type":"session_update"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame := receiveFrame(t, conn)
	if frame["type"] != "session_created" {
		t.Fatalf("type = %v, want session_created", frame["type"])
	}
	if sid, _ := frame["session_id"].(string); sid == "" {
		t.Fatalf("session_created missing session_id")
	}
}

func TestMockConnEchoesTextTurn(t *testing.T) {
	conn, err := NewMockDialer().Connect(context.Background(), "wss://mock", "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if err := conn.Send([]byte(`{"type":"input_text","text":"hello"}`)); err != nil {
		t.Fatalf("Send input_text: %v", err)
	}
	if err := conn.Send([]byte(`{"type":"response_create"}`)); err != nil {
		t.Fatalf("Send response_create: %v", err)
	}

	var text string
	for {
		frame := receiveFrame(t, conn)
		switch frame["type"] {
		case "response_text_delta":
			delta, _ := frame["delta"].(string)
			text += delta
		case "response_done":
			if frame["reason"] != "completed" {
				t.Fatalf("reason = %v, want completed", frame["reason"])
			}
			if text != "You said: hello " {
				t.Fatalf("assembled text = %q", text)
			}
			return
		default:
			t.Fatalf("unexpected frame type %v", frame["type"])
		}
	}
}

func TestMockConnSendAfterClose(t *testing.T) {
	conn, err := NewMockDialer().Connect(context.Background(), "wss://mock", "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err = conn.Send([]byte(`{"type":"input_text","text":"x"}`))
	var sendErr *SendError
	if !errors.As(err, &sendErr) || !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close error = %v, want *SendError wrapping ErrClosed", err)
	}

	if _, err := conn.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive after close error = %v, want ErrClosed", err)
	}
}

func TestMockConnReceiveHonorsContext(t *testing.T) {
	conn, err := NewMockDialer().Connect(context.Background(), "wss://mock", "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := conn.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive error = %v, want DeadlineExceeded", err)
	}
}

func TestMockDialerFailNextConnects(t *testing.T) {
	d := NewMockDialer()
	d.FailNextConnects(2)

	for i := 0; i < 2; i++ {
		_, err := d.Connect(context.Background(), "wss://mock", "")
		var connectErr *ConnectError
		if !errors.As(err, &connectErr) {
			t.Fatalf("dial %d error = %v, want *ConnectError", i, err)
		}
	}
	if _, err := d.Connect(context.Background(), "wss://mock", ""); err != nil {
		t.Fatalf("third dial should succeed, got %v", err)
	}
	if d.Dials() != 3 {
		t.Fatalf("Dials() = %d, want 3", d.Dials())
	}
}
