package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultPath is where a spectator relay serves the Dolphin message stream.
const DefaultPath = "/spectate"

// WebsocketConn speaks the Dolphin spectator message protocol as JSON text
// frames over a websocket, as exposed by a local spectator relay.
type WebsocketConn struct {
	path   string
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu     sync.Mutex
	status Status
	ws     *websocket.Conn
	cancel context.CancelFunc
	cursor uint64

	handlersMu     sync.RWMutex
	statusHandlers []func(Status)
	msgHandlers    []func(Message)
	errHandlers    []func(error)
}

// NewWebsocketConn returns a disconnected connection for the given URL path.
func NewWebsocketConn(path string, logger zerolog.Logger) *WebsocketConn {
	if path == "" {
		path = DefaultPath
	}
	return &WebsocketConn{
		path: path,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "telemetry.websocket").Logger(),
	}
}

func (c *WebsocketConn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *WebsocketConn) OnStatusChange(f func(Status)) {
	c.handlersMu.Lock()
	c.statusHandlers = append(c.statusHandlers, f)
	c.handlersMu.Unlock()
}

func (c *WebsocketConn) OnMessage(f func(Message)) {
	c.handlersMu.Lock()
	c.msgHandlers = append(c.msgHandlers, f)
	c.handlersMu.Unlock()
}

func (c *WebsocketConn) OnError(f func(error)) {
	c.handlersMu.Lock()
	c.errHandlers = append(c.errHandlers, f)
	c.handlersMu.Unlock()
}

// Connect dials in the background. Calling it while not disconnected does nothing.
func (c *WebsocketConn) Connect(host string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: c.path}

	c.mu.Lock()
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.status = StatusConnecting
	c.mu.Unlock()

	c.notifyStatus(StatusConnecting)
	go c.run(ctx, u.String())
	return nil
}

// Disconnect closes the socket. The Disconnected status is reported by the
// reader goroutine once it exits.
func (c *WebsocketConn) Disconnect() error {
	c.mu.Lock()
	cancel, ws := c.cancel, c.ws
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	werr := ws.WriteControl(websocket.CloseMessage, msg, deadline)
	cerr := ws.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) && !errors.Is(werr, net.ErrClosed) {
		return werr
	}
	if cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		return cerr
	}
	return nil
}

func (c *WebsocketConn) run(ctx context.Context, target string) {
	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.finish(ctx, fmt.Errorf("dial %s: %w", target, err))
		return
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		_ = ws.Close()
		c.finish(ctx, nil)
		return
	}
	c.ws = ws
	c.status = StatusConnected
	cursor := c.cursor
	c.mu.Unlock()

	if err := ws.WriteJSON(Message{Type: MessageConnectRequest, Cursor: cursor}); err != nil {
		_ = ws.Close()
		c.finish(ctx, fmt.Errorf("connect request: %w", err))
		return
	}
	c.notifyStatus(StatusConnected)

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			_ = ws.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.finish(ctx, err)
			return
		}
		if msg.NextCursor != 0 {
			c.mu.Lock()
			c.cursor = msg.NextCursor
			c.mu.Unlock()
		}
		c.notifyMessage(msg)
	}
}

// finish reports err unless the disconnect was requested, then goes Disconnected.
func (c *WebsocketConn) finish(ctx context.Context, err error) {
	c.mu.Lock()
	c.ws = nil
	c.cancel = nil
	c.status = StatusDisconnected
	c.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		c.notifyError(err)
	}
	c.notifyStatus(StatusDisconnected)
}

func (c *WebsocketConn) notifyStatus(s Status) {
	c.handlersMu.RLock()
	hs := c.statusHandlers
	c.handlersMu.RUnlock()
	for _, h := range hs {
		h(s)
	}
}

func (c *WebsocketConn) notifyMessage(m Message) {
	c.handlersMu.RLock()
	hs := c.msgHandlers
	c.handlersMu.RUnlock()
	for _, h := range hs {
		h(m)
	}
}

func (c *WebsocketConn) notifyError(err error) {
	c.handlersMu.RLock()
	hs := c.errHandlers
	c.handlersMu.RUnlock()
	for _, h := range hs {
		h(err)
	}
}
