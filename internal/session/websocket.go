package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"procodus.dev/sensor-monitor/internal/hub"
)

// WebSocket timing defaults.
const (
	DefaultWriteWait  = 10 * time.Second
	DefaultPongWait   = 60 * time.Second
	DefaultPingPeriod = (DefaultPongWait * 9) / 10
)

// WebSocketOptions tunes a WebSocketTransport.
type WebSocketOptions struct {
	// Envelope wraps each message with its channel name.
	Envelope   bool
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

// WebSocketTransport pushes messages as text frames. A background reader
// detects the client going away and pings keep idle connections alive.
type WebSocketTransport struct {
	conn *websocket.Conn
	opts WebSocketOptions

	closed chan struct{}
	once   sync.Once
}

// NewWebSocketTransport takes ownership of conn.
func NewWebSocketTransport(conn *websocket.Conn, opts WebSocketOptions) *WebSocketTransport {
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = (opts.PongWait * 9) / 10
	}

	t := &WebSocketTransport{
		conn:   conn,
		opts:   opts,
		closed: make(chan struct{}),
	}
	go t.readPump()
	go t.pingPump()
	return t
}

// Name implements Transport.
func (t *WebSocketTransport) Name() string { return "websocket" }

// Closed implements Transport.
func (t *WebSocketTransport) Closed() <-chan struct{} { return t.closed }

// Send implements Transport. Sends must come from a single goroutine.
func (t *WebSocketTransport) Send(_ context.Context, channel hub.Channel, msg []byte) error {
	if t.opts.Envelope {
		var err error
		if msg, err = Wrap(channel, msg); err != nil {
			return err
		}
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a close frame and releases the connection.
func (t *WebSocketTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.opts.WriteWait),
		)
		err = t.conn.Close()
	})
	return err
}

// readPump discards client messages; its only job is noticing disconnects
// and processing pongs.
func (t *WebSocketTransport) readPump() {
	defer t.Close()

	_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	})
	for {
		if _, _, err := t.conn.NextReader(); err != nil {
			return
		}
	}
}

func (t *WebSocketTransport) pingPump() {
	ticker := time.NewTicker(t.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.opts.WriteWait)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.Close()
				return
			}
		}
	}
}
