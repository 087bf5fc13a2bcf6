package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/rtbridge/internal/mux"
	"github.com/ent0n29/rtbridge/internal/observability"
	"github.com/ent0n29/rtbridge/internal/protocol"
	"github.com/ent0n29/rtbridge/internal/reconnect"
	"github.com/ent0n29/rtbridge/internal/session"
	"github.com/ent0n29/rtbridge/internal/transport"
)

// ErrBackpressure is returned by Submit when the outbound queue is full.
// Re-exported so callers do not import the mux package.
var ErrBackpressure = mux.ErrBackpressure

var ErrClosed = errors.New("client: closed")

// inboundTags is the receive-side protocol contract. Anything else is
// surfaced through SubscribeUnknown and counted as unknown.
var inboundTags = []protocol.EventType{
	protocol.TypeSessionCreated,
	protocol.TypeResponseTextDelta,
	protocol.TypeResponseAudioDelta,
	protocol.TypeResponseDone,
	protocol.TypeToolCall,
	protocol.TypeUpstreamError,
}

// UpstreamError is a structured error event from the remote endpoint.
type UpstreamError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %s: %s", e.Code, e.Message)
}

// Options configures one realtime client.
type Options struct {
	Endpoint   string
	Credential string
	// Dialer defaults to the websocket dialer.
	Dialer  transport.Dialer
	Session session.Config
	// QueueSize bounds the outbound queue; Submit fails fast beyond it.
	QueueSize        int
	Reconnect        reconnect.Policy
	HandshakeTimeout time.Duration
	// Metrics is optional; nil disables instrumentation.
	Metrics *observability.Metrics
}

// Client manages one bidirectional realtime session: a single reader and a
// single writer cooperating over the multiplexer queues, with bounded
// reconnection and at-most-once replay of unacknowledged events.
type Client struct {
	opts Options
	mux  *mux.Mux

	mu          sync.Mutex
	sess        *session.Session
	conn        transport.Conn
	terminalErr error
	commitAt    time.Time
	awaitDelta  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects, performs the session handshake, and starts the I/O loops.
// The returned client is in the Open state.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("client: endpoint is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewWebsocketDialer()
	}
	if opts.Reconnect.MaxAttempts <= 0 {
		opts.Reconnect = reconnect.DefaultPolicy()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	c := &Client{
		opts: opts,
		mux:  mux.New(opts.QueueSize),
		done: make(chan struct{}),
	}
	c.mux.Recognize(inboundTags...)

	sess, conn, err := c.connectOnce(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sess = sess
	c.conn = conn
	c.mu.Unlock()
	c.countSession("opened")
	c.gaugeSessions(+1)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(runCtx)
	return c, nil
}

// Subscribe registers a handler for one inbound event tag.
func (c *Client) Subscribe(tag protocol.EventType, fn mux.Handler) {
	c.mux.Subscribe(tag, fn)
}

// SubscribeUnknown registers a handler for unrecognized tags, so protocol
// drift is observable instead of silently dropped.
func (c *Client) SubscribeUnknown(fn mux.Handler) {
	c.mux.SubscribeUnknown(fn)
}

// Session returns a read-only snapshot of the current session.
func (c *Client) Session() session.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Snapshot()
}

// Done closes when the client reaches a terminal state.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, if any, once Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalErr
}

// Submit queues one outbound event. Fails fast with ErrBackpressure when
// the queue is full and ErrClosed once the session is terminal.
func (c *Client) Submit(evt protocol.OutboundEvent) error {
	c.mu.Lock()
	terminal := c.sess.Terminal()
	c.mu.Unlock()
	if terminal {
		return ErrClosed
	}
	err := c.mux.Submit(evt)
	switch {
	case errors.Is(err, mux.ErrBackpressure):
		if c.opts.Metrics != nil {
			c.opts.Metrics.Backpressure.Inc()
		}
		return err
	case errors.Is(err, mux.ErrClosed):
		return ErrClosed
	}
	return err
}

// AppendAudio queues one chunk of input audio.
func (c *Client) AppendAudio(pcm []byte, sampleRate int) error {
	evt, err := protocol.NewOutboundEvent(protocol.TypeInputAudioAppend, protocol.InputAudioAppend{
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		SampleRate:  sampleRate,
	})
	if err != nil {
		return err
	}
	return c.Submit(evt)
}

// CommitInput marks the buffered input complete.
func (c *Client) CommitInput() error {
	evt, err := protocol.NewOutboundEvent(protocol.TypeInputAudioCommit, nil)
	if err != nil {
		return err
	}
	return c.Submit(evt)
}

// SendText queues one text input item.
func (c *Client) SendText(text string) error {
	evt, err := protocol.NewOutboundEvent(protocol.TypeInputText, protocol.InputText{Text: text})
	if err != nil {
		return err
	}
	return c.Submit(evt)
}

// SendToolResult reports the outcome of an upstream tool call.
func (c *Client) SendToolResult(toolCallID, toolName string, result json.RawMessage) error {
	evt, err := protocol.NewOutboundEvent(protocol.TypeToolResult, protocol.ToolResult{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Result:     result,
	})
	if err != nil {
		return err
	}
	return c.Submit(evt)
}

// CreateResponse asks the upstream endpoint to produce a response.
func (c *Client) CreateResponse(instructions string) error {
	evt, err := protocol.NewOutboundEvent(protocol.TypeResponseCreate, protocol.ResponseCreate{
		Modalities:   c.opts.Session.Modalities,
		Instructions: instructions,
	})
	if err != nil {
		return err
	}
	return c.Submit(evt)
}

// Close tears the session down: Closing, then Closed once the loops stop.
// Closing an already-closed client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	sess := c.sess
	cancel := c.cancel
	c.mu.Unlock()

	sess.BeginClose()
	if cancel != nil {
		cancel()
	}
	<-c.done
	return nil
}

// connectOnce dials and completes the session handshake, returning a fresh
// session in the Open state.
func (c *Client) connectOnce(ctx context.Context) (*session.Session, transport.Conn, error) {
	sess := session.New(c.opts.Session)
	started := time.Now()

	conn, err := c.opts.Dialer.Connect(ctx, c.opts.Endpoint, c.opts.Credential)
	if err != nil {
		return nil, nil, err
	}

	update, err := protocol.NewOutboundEvent(protocol.TypeSessionUpdate, protocol.SessionUpdate{
		Modalities: c.opts.Session.Modalities,
		Model:      c.opts.Session.Model,
		Voice:      c.opts.Session.Voice,
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	frame, err := update.Frame()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := conn.Send(frame); err != nil {
		conn.Close()
		return nil, nil, err
	}
	c.countEvent("outbound", protocol.TypeSessionUpdate)

	hsCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	for {
		raw, err := conn.Receive(hsCtx)
		if err != nil {
			conn.Close()
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, &transport.ConnectError{Endpoint: c.opts.Endpoint, Err: errors.New("handshake timeout")}
			}
			return nil, nil, err
		}
		evt, perr := protocol.ParseServerEvent(raw)
		if perr != nil {
			conn.Close()
			return nil, nil, perr
		}
		c.countEvent("inbound", evt.Type)

		switch evt.Type {
		case protocol.TypeSessionCreated:
			if err := sess.MarkOpen(); err != nil {
				conn.Close()
				return nil, nil, err
			}
			if c.opts.Metrics != nil {
				c.opts.Metrics.Window.ObserveDuration(observability.StageConnectToOpen, time.Since(started))
			}
			c.mux.Dispatch(evt)
			return sess, conn, nil
		case protocol.TypeUpstreamError:
			var ue protocol.UpstreamError
			_ = json.Unmarshal(evt.Raw, &ue)
			conn.Close()
			c.mux.Dispatch(evt)
			uerr := &UpstreamError{Code: ue.Code, Message: ue.Message, Retryable: reconnect.RetryableUpstreamCode(ue.Code)}
			if uerr.Retryable {
				return nil, nil, &transport.ConnectError{Endpoint: c.opts.Endpoint, Err: uerr}
			}
			return nil, nil, uerr
		default:
			// Pre-handshake noise; surface it but keep waiting for the ack.
			c.mux.Dispatch(evt)
		}
	}
}

// run owns the connection lifecycle: pump until failure, then apply the
// reconnect policy; only retry exhaustion or a terminal error stops it.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.gaugeSessions(-1)

	attempt := 0
	for {
		err := c.pump(ctx)

		if ctx.Err() != nil || err == nil {
			c.finishClose()
			return
		}

		var uerr *UpstreamError
		if errors.As(err, &uerr) && !uerr.Retryable {
			c.failTerminal(err)
			return
		}
		if !reconnect.Retryable(err) && !errors.As(err, &uerr) {
			c.failTerminal(err)
			return
		}

		// The dying session is terminal; the reconnect produces a new one
		// with a fresh identifier.
		c.mu.Lock()
		c.sess.Fail(err)
		c.mu.Unlock()
		c.countSession("transport_failed")

		reconnectStart := time.Now()
		reconnected := false
		for !reconnected {
			if attempt >= c.opts.Reconnect.MaxAttempts {
				c.failTerminal(fmt.Errorf("%w after %d attempts: %v", reconnect.ErrUnrecoverable, attempt, err))
				c.countReconnect("exhausted")
				return
			}
			wait := c.opts.Reconnect.Backoff(attempt)
			attempt++

			select {
			case <-ctx.Done():
				c.finishClose()
				return
			case <-time.After(wait):
			}

			sess, conn, derr := c.connectOnce(ctx)
			if derr != nil {
				c.countReconnect("failed")
				var duerr *UpstreamError
				if errors.As(derr, &duerr) && !duerr.Retryable {
					c.failTerminal(derr)
					return
				}
				if !reconnect.Retryable(derr) {
					c.failTerminal(derr)
					return
				}
				err = derr
				continue
			}

			c.mu.Lock()
			c.sess = sess
			c.conn = conn
			c.mu.Unlock()
			c.countReconnect("success")
			c.countSession("opened")
			if c.opts.Metrics != nil {
				c.opts.Metrics.Window.ObserveDuration(observability.StageReconnectTotal, time.Since(reconnectStart))
			}

			if rerr := c.replayBacklog(conn); rerr != nil {
				err = rerr
				continue
			}
			attempt = 0
			reconnected = true
		}
	}
}

// pump runs one reader and one writer against the current connection until
// either fails. Returns nil only on clean shutdown.
func (c *Client) pump(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go c.writeLoop(pumpCtx, conn, errCh)
	go c.readLoop(pumpCtx, conn, errCh)

	err := <-errCh
	cancel()
	conn.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) writeLoop(ctx context.Context, conn transport.Conn, errCh chan<- error) {
	for {
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
			return
		case evt, ok := <-c.mux.Outbound():
			if !ok {
				errCh <- context.Canceled
				return
			}
			frame, err := evt.Frame()
			if err != nil {
				log.Printf("drop unframeable outbound event %s: %v", evt.Type, err)
				continue
			}
			// Pending before the write: a frame that dies on the wire is
			// exactly what replay is for.
			c.mux.MarkSent(evt)
			if err := conn.Send(frame); err != nil {
				errCh <- err
				return
			}
			c.countEvent("outbound", evt.Type)
			c.afterOutbound(evt.Type)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn transport.Conn, errCh chan<- error) {
	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			errCh <- err
			return
		}
		evt, perr := protocol.ParseServerEvent(raw)
		if perr != nil {
			// Malformed frames are protocol errors, never swallowed and
			// never retried.
			errCh <- perr
			return
		}
		c.countEvent("inbound", evt.Type)

		switch evt.Type {
		case protocol.TypeResponseTextDelta, protocol.TypeResponseAudioDelta:
			c.observeFirstDelta()
		case protocol.TypeResponseDone:
			c.mu.Lock()
			sess := c.sess
			commitAt := c.commitAt
			c.mu.Unlock()
			if err := sess.MarkResponseDone(); err == nil {
				c.countSession("response_done")
			}
			if c.opts.Metrics != nil && !commitAt.IsZero() {
				c.opts.Metrics.Window.ObserveDuration(observability.StageResponseTotal, time.Since(commitAt))
			}
			// Response completion acknowledges everything in flight.
			c.mux.AckAll()
		case protocol.TypeUpstreamError:
			var ue protocol.UpstreamError
			_ = json.Unmarshal(evt.Raw, &ue)
			c.mux.Dispatch(evt)
			errCh <- &UpstreamError{Code: ue.Code, Message: ue.Message, Retryable: reconnect.RetryableUpstreamCode(ue.Code)}
			return
		}

		c.dispatch(evt)
	}
}

func (c *Client) dispatch(evt protocol.InboundEvent) {
	if evt.Type == protocol.TypeUpstreamError {
		return // already dispatched before teardown
	}
	known := false
	for _, tag := range inboundTags {
		if evt.Type == tag {
			known = true
			break
		}
	}
	if !known && c.opts.Metrics != nil {
		c.opts.Metrics.UnknownEvents.Inc()
	}
	c.mux.Dispatch(evt)
}

// afterOutbound applies lifecycle effects of a sent event: the first input
// frame moves Open to Streaming.
func (c *Client) afterOutbound(t protocol.EventType) {
	switch t {
	case protocol.TypeInputAudioAppend, protocol.TypeInputText:
		c.mu.Lock()
		sess := c.sess
		c.mu.Unlock()
		_ = sess.MarkStreaming()
	case protocol.TypeInputAudioCommit, protocol.TypeResponseCreate:
		c.mu.Lock()
		sess := c.sess
		c.commitAt = time.Now()
		c.awaitDelta = true
		c.mu.Unlock()
		_ = sess.MarkStreaming()
	}
}

func (c *Client) observeFirstDelta() {
	c.mu.Lock()
	await := c.awaitDelta
	commitAt := c.commitAt
	c.awaitDelta = false
	c.mu.Unlock()
	if await && c.opts.Metrics != nil && !commitAt.IsZero() {
		c.opts.Metrics.ObserveFirstDelta(time.Since(commitAt))
	}
}

func (c *Client) replayBacklog(conn transport.Conn) error {
	backlog := c.mux.ReplayBacklog()
	for _, evt := range backlog {
		frame, err := evt.Frame()
		if err != nil {
			continue
		}
		if err := conn.Send(frame); err != nil {
			return err
		}
		c.countEvent("replayed", evt.Type)
	}
	if len(backlog) > 0 {
		log.Printf("replayed %d unacknowledged events after reconnect", len(backlog))
	}
	return nil
}

func (c *Client) finishClose() {
	c.mu.Lock()
	sess := c.sess
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	sess.BeginClose()
	_ = sess.MarkClosed()
	c.mux.Close()
	c.countSession("closed")
}

func (c *Client) failTerminal(err error) {
	c.mu.Lock()
	c.sess.Fail(err)
	c.terminalErr = err
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.mux.Close()
	c.countSession("failed")
	log.Printf("session terminal: %v", err)
}

func (c *Client) countEvent(direction string, t protocol.EventType) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Events.WithLabelValues(direction, string(t)).Inc()
	}
}

func (c *Client) countSession(event string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (c *Client) countReconnect(outcome string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.Reconnects.WithLabelValues(outcome).Inc()
	}
}

func (c *Client) gaugeSessions(delta float64) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.ActiveSessions.Add(delta)
	}
}
