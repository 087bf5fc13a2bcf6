package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

const receiveBuffer = 256

// WebsocketDialer connects over websocket, presenting the credential as a
// bearer token. A zero value uses websocket.DefaultDialer.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{Dialer: websocket.DefaultDialer}
}

func (d *WebsocketDialer) Connect(ctx context.Context, endpoint, credential string) (Conn, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}

	headers := http.Header{}
	if strings.TrimSpace(credential) != "" {
		headers.Set("Authorization", "Bearer "+credential)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}

	c := &wsConn{conn: conn, frames: make(chan []byte, receiveBuffer)}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	frames    chan []byte
}

func (c *wsConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
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

func (c *wsConn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		retErr = c.conn.Close()
	})
	return retErr
}

func (c *wsConn) readLoop() {
	defer close(c.frames)
	defer c.Close()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			// Binary frames are not part of the wire contract; audio rides
			// base64 inside JSON frames.
			continue
		}
		c.frames <- data
	}
}
