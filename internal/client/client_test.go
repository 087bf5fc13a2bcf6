package client

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/rtbridge/internal/protocol"
	"github.com/ent0n29/rtbridge/internal/reconnect"
	"github.com/ent0n29/rtbridge/internal/session"
	"github.com/ent0n29/rtbridge/internal/transport"
)

// scriptConn is a scriptable loopback connection: it acks the handshake,
// records every sent frame, and lets the test inject server frames or kill
// the stream.
type scriptConn struct {
	mu     sync.Mutex
	frames chan []byte
	closed bool
	sent   []map[string]any

	stall     chan struct{}
	stallOnce sync.Once
	stalled   chan struct{}
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		frames:  make(chan []byte, 64),
		stalled: make(chan struct{}),
	}
}

func (c *scriptConn) Send(frame []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		return &transport.SendError{Err: err}
	}
	typ, _ := decoded["type"].(string)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &transport.SendError{Err: transport.ErrClosed}
	}
	c.sent = append(c.sent, decoded)
	if typ == string(protocol.TypeSessionUpdate) {
		c.emitLocked(map[string]any{"type": "session_created", "session_id": "up-1", "model": "m"})
	}
	stall := c.stall
	c.mu.Unlock()

	if stall != nil && typ != string(protocol.TypeSessionUpdate) {
		c.stallOnce.Do(func() { close(c.stalled) })
		<-stall
	}
	return nil
}

func (c *scriptConn) emitLocked(v map[string]any) {
	raw, _ := json.Marshal(v)
	select {
	case c.frames <- raw:
	default:
	}
}

func (c *scriptConn) inject(v map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.emitLocked(v)
}

func (c *scriptConn) injectRaw(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.frames <- raw:
	default:
	}
}

func (c *scriptConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-c.frames:
		if !ok {
			return nil, transport.ErrClosed
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.frames)
	return nil
}

// sentOfType returns the recorded frames with the given tag.
func (c *scriptConn) sentOfType(typ protocol.EventType) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.sent {
		if f["type"] == string(typ) {
			out = append(out, f)
		}
	}
	return out
}

type scriptDialer struct {
	mu       sync.Mutex
	conns    []*scriptConn
	failNext int
	failAll  bool
	stall    chan struct{}
}

func (d *scriptDialer) Connect(_ context.Context, endpoint, _ string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAll || d.failNext > 0 {
		if d.failNext > 0 {
			d.failNext--
		}
		return nil, &transport.ConnectError{Endpoint: endpoint, Err: errors.New("refused")}
	}
	c := newScriptConn()
	c.stall = d.stall
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *scriptDialer) conn(i int) *scriptConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *scriptDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testOptions(d transport.Dialer) Options {
	return Options{
		Endpoint: "wss://test",
		Dialer:   d,
		Session:  session.Config{Modalities: []string{"text"}, Model: "m"},
		Reconnect: reconnect.Policy{
			Base:        time.Millisecond,
			Cap:         5 * time.Millisecond,
			MaxAttempts: 3,
			Rand:        rand.New(rand.NewSource(7)),
		},
		HandshakeTimeout: 2 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDialOpensSession(t *testing.T) {
	d := &scriptDialer{}
	c, err := Dial(context.Background(), testOptions(d))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	snap := c.Session()
	if snap.State != session.StateOpen {
		t.Fatalf("state = %s, want %s", snap.State, session.StateOpen)
	}
	if got := d.conn(0).sentOfType(protocol.TypeSessionUpdate); len(got) != 1 {
		t.Fatalf("session_update frames = %d, want 1", len(got))
	}
}

func TestDialRequiresEndpoint(t *testing.T) {
	if _, err := Dial(context.Background(), Options{Dialer: &scriptDialer{}}); err == nil {
		t.Fatalf("Dial without endpoint should fail")
	}
}

func TestAppendAudioMovesOpenToStreaming(t *testing.T) {
	d := &scriptDialer{}
	c, err := Dial(context.Background(), testOptions(d))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.AppendAudio([]byte{0, 1, 2, 3}, 16000); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}

	waitFor(t, "audio frame on the wire", func() bool {
		return len(d.conn(0).sentOfType(protocol.TypeInputAudioAppend)) == 1
	})
	waitFor(t, "streaming state", func() bool {
		return c.Session().State == session.StateStreaming
	})

	frame := d.conn(0).sentOfType(protocol.TypeInputAudioAppend)[0]
	if b64, _ := frame["audio_base64"].(string); b64 == "" {
		t.Fatalf("audio frame missing audio_base64: %v", frame)
	}
}

func TestResponseDoneReturnsToOpen(t *testing.T) {
	d := &scriptDialer{}
	c, err := Dial(context.Background(), testOptions(d))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var deltas []string
	var mu sync.Mutex
	doneCh := make(chan struct{}, 1)
	c.Subscribe(protocol.TypeResponseTextDelta, func(evt protocol.InboundEvent) {
		var d protocol.ResponseTextDelta
		_ = json.Unmarshal(evt.Raw, &d)
		mu.Lock()
		deltas = append(deltas, d.Delta)
		mu.Unlock()
	})
	c.Subscribe(protocol.TypeResponseDone, func(protocol.InboundEvent) {
		select {
		case doneCh <- struct{}{}:
		default:
		}
	})

	if err := c.SendText("hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := c.CreateResponse(""); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	waitFor(t, "streaming state", func() bool {
		return c.Session().State == session.StateStreaming
	})

	conn := d.conn(0)
	conn.inject(map[string]any{"type": "response_text_delta", "response_id": "r1", "delta": "hel"})
	conn.inject(map[string]any{"type": "response_text_delta", "response_id": "r1", "delta": "lo"})
	conn.inject(map[string]any{"type": "response_done", "response_id": "r1", "reason": "completed"})

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("response_done never dispatched")
	}
	waitFor(t, "open state after response done", func() bool {
		return c.Session().State == session.StateOpen
	})

	mu.Lock()
	got := strings.Join(deltas, "")
	mu.Unlock()
	if got != "hello" {
		t.Fatalf("deltas assembled to %q, want hello", got)
	}
}

func TestSubmitBackpressureFailsFast(t *testing.T) {
	stall := make(chan struct{})
	d := &scriptDialer{stall: stall}
	opts := testOptions(d)
	opts.QueueSize = 1
	c, err := Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// First event occupies the writer, which blocks inside Send.
	if err := c.SendText("one"); err != nil {
		t.Fatalf("SendText one: %v", err)
	}
	select {
	case <-d.conn(0).stalled:
	case <-time.After(2 * time.Second):
		t.Fatalf("writer never reached Send")
	}

	// Second fills the queue; third must fail fast, not block.
	if err := c.SendText("two"); err != nil {
		t.Fatalf("SendText two: %v", err)
	}
	if err := c.SendText("three"); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("SendText three error = %v, want ErrBackpressure", err)
	}

	close(stall)
	c.Close()
}

func TestReconnectReplaysBacklogOnce(t *testing.T) {
	d := &scriptDialer{}
	c, err := Dial(context.Background(), testOptions(d))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	firstID := c.Session().ID
	if err := c.SendText("remember me"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	waitFor(t, "text frame on first conn", func() bool {
		return len(d.conn(0).sentOfType(protocol.TypeInputText)) == 1
	})
	sentID := d.conn(0).sentOfType(protocol.TypeInputText)[0]["event_id"]

	// Kill the transport under the client. Two dials fail before the third
	// connection comes up, still within the configured attempts.
	d.mu.Lock()
	d.failNext = 2
	d.mu.Unlock()
	d.conn(0).Close()

	waitFor(t, "reconnected session", func() bool {
		snap := c.Session()
		return snap.State == session.StateOpen && snap.ID != firstID
	})

	// The unacknowledged event rides again on the new connection with the
	// same event ID.
	waitFor(t, "replayed frame on new conn", func() bool {
		conn := d.conn(1)
		return conn != nil && len(conn.sentOfType(protocol.TypeInputText)) == 1
	})
	replayed := d.conn(1).sentOfType(protocol.TypeInputText)[0]
	if replayed["event_id"] != sentID {
		t.Fatalf("replayed event_id = %v, want %v", replayed["event_id"], sentID)
	}

	// A second reconnect must not replay the same event again.
	secondID := c.Session().ID
	d.conn(1).Close()
	waitFor(t, "second reconnect", func() bool {
		snap := c.Session()
		return snap.State == session.StateOpen && snap.ID != secondID
	})
	if got := d.conn(2).sentOfType(protocol.TypeInputText); len(got) != 0 {
		t.Fatalf("second reconnect replayed %d events, want 0", len(got))
	}
}

func TestReconnectExhaustionIsUnrecoverable(t *testing.T) {
	d := &scriptDialer{}
	opts := testOptions(d)
	opts.Reconnect.MaxAttempts = 1
	c, err := Dial(context.Background(), opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	d.mu.Lock()
	d.failAll = true
	d.mu.Unlock()
	d.conn(0).Close()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("client never reached a terminal state")
	}
	if !errors.Is(c.Err(), reconnect.ErrUnrecoverable) {
		t.Fatalf("Err() = %v, want ErrUnrecoverable", c.Err())
	}
	if c.Session().State != session.StateFailed {
		t.Fatalf("state = %s, want %s", c.Session().State, session.StateFailed)
	}
	if err := c.SendText("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after failure error = %v, want ErrClosed", err)
	}
}

func TestNonRetryableUpstreamErrorIsTerminal(t *testing.T) {
	d := &scriptDialer{}
	c, err := Dial(context.Background(), testOptions(d))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	d.conn(0).inject(map[string]any{"type": "error", "code": "invalid_api_key", "message": "bad key"})

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("client never reached a terminal state")
	}
	var uerr *UpstreamError
	if !errors.As(c.Err(), &uerr) || uerr.Code != "invalid_api_key" {
		t.Fatalf("Err() = %v, want UpstreamError invalid_api_key", c.Err())
	}
	if d.connCount() != 1 {
		t.Fatalf("dials = %d, want 1 (no reconnect on terminal error)", d.connCount())
	}
}

func TestMalformedFrameIsTerminal(t *testing.T) {
	d := &scriptDialer{}
	c, err := Dial(context.Background(), testOptions(d))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	d.conn(0).injectRaw([]byte(`{"delta":"no tag"}`))

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("client never reached a terminal state")
	}
	if !errors.Is(c.Err(), protocol.ErrMalformedEvent) {
		t.Fatalf("Err() = %v, want ErrMalformedEvent", c.Err())
	}
}

func TestUnknownTagReachesUnknownSubscriber(t *testing.T) {
	d := &scriptDialer{}
	c, err := Dial(context.Background(), testOptions(d))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	got := make(chan protocol.EventType, 1)
	c.SubscribeUnknown(func(evt protocol.InboundEvent) {
		select {
		case got <- evt.Type:
		default:
		}
	})

	// A known but unsubscribed tag stays off the unknown path; only the
	// genuinely unknown tag that follows it on the same stream surfaces.
	d.conn(0).inject(map[string]any{"type": "session_created", "session_id": "up-2"})
	d.conn(0).inject(map[string]any{"type": "conversation.item.created"})

	select {
	case typ := <-got:
		if typ != "conversation.item.created" {
			t.Fatalf("unknown tag = %q", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("unknown event never surfaced")
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	d := &scriptDialer{}
	c, err := Dial(context.Background(), testOptions(d))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	got := make(chan protocol.ToolCall, 1)
	c.Subscribe(protocol.TypeToolCall, func(evt protocol.InboundEvent) {
		var call protocol.ToolCall
		if err := json.Unmarshal(evt.Raw, &call); err != nil {
			return
		}
		select {
		case got <- call:
		default:
		}
	})

	d.conn(0).inject(map[string]any{
		"type":         "tool_call",
		"tool_call_id": "tc-1",
		"tool_name":    "get_time",
		"arguments":    map[string]any{"tz": "UTC"},
	})

	var call protocol.ToolCall
	select {
	case call = <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("tool call never dispatched")
	}
	if call.ToolCallID != "tc-1" || call.ToolName != "get_time" {
		t.Fatalf("tool call = %+v", call)
	}

	if err := c.SendToolResult("tc-1", "get_time", json.RawMessage(`{"now":"12:00"}`)); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}
	waitFor(t, "tool result on the wire", func() bool {
		return len(d.conn(0).sentOfType(protocol.TypeToolResult)) == 1
	})
	frame := d.conn(0).sentOfType(protocol.TypeToolResult)[0]
	if frame["tool_call_id"] != "tc-1" {
		t.Fatalf("tool result frame = %v", frame)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d := &scriptDialer{}
	c, err := Dial(context.Background(), testOptions(d))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Session().State != session.StateClosed {
		t.Fatalf("state = %s, want %s", c.Session().State, session.StateClosed)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.SendText("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after close error = %v, want ErrClosed", err)
	}
}

func TestEndToEndAgainstMockUpstream(t *testing.T) {
	c, err := Dial(context.Background(), Options{
		Endpoint:         "wss://mock",
		Dialer:           transport.NewMockDialer(),
		Session:          session.Config{Modalities: []string{"text"}},
		Reconnect:        reconnect.DefaultPolicy(),
		HandshakeTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	var mu sync.Mutex
	var text strings.Builder
	done := make(chan struct{}, 1)
	c.Subscribe(protocol.TypeResponseTextDelta, func(evt protocol.InboundEvent) {
		var d protocol.ResponseTextDelta
		_ = json.Unmarshal(evt.Raw, &d)
		mu.Lock()
		text.WriteString(d.Delta)
		mu.Unlock()
	})
	c.Subscribe(protocol.TypeResponseDone, func(protocol.InboundEvent) {
		select {
		case done <- struct{}{}:
		default:
		}
	})

	if err := c.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := c.CreateResponse(""); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("mock upstream never completed the response")
	}
	mu.Lock()
	got := strings.TrimSpace(text.String())
	mu.Unlock()
	if got != "You said: hello" {
		t.Fatalf("assembled response = %q", got)
	}
}
