package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/roomrelay/internal/protocol"
	"github.com/markus-barta/roomrelay/internal/telemetry"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// DefaultSendBuffer is the per-connection outbound queue length.
	DefaultSendBuffer = 256
)

// Handler processes the inbound messages of one connection.
type Handler interface {
	// HandleMessage is called for every inbound message, in arrival order.
	// Returning false closes the connection.
	HandleMessage(ctx context.Context, msg *protocol.Message) bool
	// Closed is called once after the transport is gone.
	Closed()
}

// Conn is a WebSocket connection to an agent or controller.
type Conn struct {
	id      string
	ws      *websocket.Conn
	log     zerolog.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	send   chan []byte
	closed bool

	done chan struct{} // closed once the read pump has finished
}

// NewConn wraps an upgraded WebSocket.
func NewConn(ws *websocket.Conn, log zerolog.Logger, metrics *telemetry.Metrics, sendBuffer int) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	id := uuid.NewString()
	return &Conn{
		id:      id,
		ws:      ws,
		log:     log.With().Str("component", "conn").Str("conn", id).Logger(),
		metrics: metrics,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Enqueue queues data for the writer without blocking.
func (c *Conn) Enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Reply sends a message to this connection only.
func (c *Conn) Reply(msgType string, payload any) bool {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.log.Error().Err(err).Str("type", msgType).Msg("failed to encode reply")
		return false
	}
	return c.Enqueue(data)
}

// Close stops accepting messages. Already queued messages are still written,
// then the socket is closed.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Start runs the read and write pumps. It returns immediately.
// Cancelling ctx closes the connection: queued messages are flushed, a close
// frame is sent and the socket is dropped after writeWait at the latest.
func (c *Conn) Start(ctx context.Context, h Handler) {
	c.metrics.ActiveConnections.Add(ctx, 1)
	go c.writePump()
	go c.readPump(ctx, h)
	go c.closeOnCancel(ctx)
}

// Done is closed after the connection has left its rooms and the handler
// has been told.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) closeOnCancel(ctx context.Context) {
	select {
	case <-c.done:
		return
	case <-ctx.Done():
	}

	c.log.Debug().Msg("closing connection on shutdown")
	c.Close()

	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		_ = c.ws.Close()
	}
}

// readPump reads messages from the WebSocket connection.
func (c *Conn) readPump(ctx context.Context, h Handler) {
	defer func() {
		c.Close()
		_ = c.ws.Close()
		h.Closed()
		c.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)
		c.log.Debug().Msg("connection closed")
		close(c.done)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		// Closing: discard input until the writer has flushed and hung up.
		if c.isClosed() {
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("failed to parse message")
			c.Reply(protocol.TypeError, protocol.ErrorPayload{
				Code:    protocol.CodeInvalidPayload,
				Message: "message is not a JSON envelope",
			})
			c.Close()
			continue
		}

		if !h.HandleMessage(ctx, &msg) {
			c.Close()
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Queue closed: everything before the close has been written.
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
