package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/roomrelay/internal/protocol"
	"github.com/rs/zerolog"
)

// LinkObserver is told when the relay link comes up or goes down.
type LinkObserver interface {
	RelayUp()
	RelayDown()
}

// ErrNotConnected is returned by SendMessage while the link is down.
var ErrNotConnected = errors.New("not connected")

const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	closeGracePeriod = 5 * time.Second
	inboxSize        = 100
)

// Link keeps one WebSocket to the relay open, redialing after every drop.
// Registration is the observer's job once RelayUp fires.
type Link struct {
	url      string
	log      zerolog.Logger
	observer LinkObserver
	dialer   websocket.Dialer
	inbox    chan *protocol.Message
	retry    retryDelay

	mu   sync.Mutex
	conn *websocket.Conn // nil while down
}

// NewLink returns a link to url. Nothing is dialed until Run.
func NewLink(url string, log zerolog.Logger, observer LinkObserver) *Link {
	return &Link{
		url:      url,
		log:      log.With().Str("component", "link").Logger(),
		observer: observer,
		dialer:   websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		inbox:    make(chan *protocol.Message, inboxSize),
		retry:    newRetryDelay(time.Second, time.Minute),
	}
}

// Run dials, serves and redials until ctx is cancelled.
func (l *Link) Run(ctx context.Context) {
	for ctx.Err() == nil {
		conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := l.retry.next()
			l.log.Error().Err(err).Dur("retry_in", wait).Msg("relay unreachable")
			sleepCtx(ctx, wait)
			continue
		}

		l.retry.reset()
		l.serve(ctx, conn)
		sleepCtx(ctx, l.retry.next())
	}
}

// serve owns conn until it drops. Incoming frames go to the inbox.
func (l *Link) serve(ctx context.Context, conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	go l.keepAlive(ctx, conn, stop)
	defer func() {
		close(stop)
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		_ = conn.Close()
		l.observer.RelayDown()
	}()

	l.log.Debug().Str("url", l.url).Msg("link up")
	l.observer.RelayUp()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.Error().Err(err).Msg("link read failed")
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.log.Error().Err(err).Str("data", string(data)).Msg("unparseable frame")
			continue
		}
		l.log.Debug().Str("type", msg.Type).Msg("frame in")

		select {
		case l.inbox <- &msg:
		default:
			l.log.Warn().Str("type", msg.Type).Msg("inbox full, frame dropped")
		}
	}
}

// keepAlive pings conn until stop closes. After ctx is cancelled the relay
// gets closeGracePeriod to answer the close frame before conn is dropped.
func (l *Link) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			sleepUntil(stop, closeGracePeriod)
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				l.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// SendMessage encodes and writes one message.
func (l *Link) SendMessage(msgType string, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// Messages returns the inbox.
func (l *Link) Messages() <-chan *protocol.Message {
	return l.inbox
}

// Close sends a normal close frame. The read side ends when the relay answers.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}

	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
	if err := l.conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(closeGracePeriod)); err != nil {
		_ = l.conn.Close()
		return err
	}
	return nil
}

// retryDelay doubles from min up to max.
type retryDelay struct {
	min, max, cur time.Duration
}

func newRetryDelay(min, max time.Duration) retryDelay {
	return retryDelay{min: min, max: max, cur: min}
}

func (r *retryDelay) next() time.Duration {
	d := r.cur
	r.cur = min(r.cur*2, r.max)
	return d
}

func (r *retryDelay) reset() { r.cur = r.min }

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func sleepUntil(stop <-chan struct{}, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
	case <-t.C:
	}
}
