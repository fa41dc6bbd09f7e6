package thunderpush

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Time allowed to write a single frame to the client.
const writeWait = 10 * time.Second

type connState int

const (
	stateOpen connState = iota
	stateAuthenticated
)

func (s connState) String() string {
	if s == stateAuthenticated {
		return "authenticated"
	}
	return "open"
}

// A connection is one client session. The reader goroutine owns the protocol
// state machine; the writer goroutine drains send onto the socket.
type connection struct {
	id        string
	ws        *websocket.Conn
	server    *Server
	created   time.Time // Timestamp for when connection was opened
	clientIP  string
	userAgent string
	logger    *zap.Logger

	mu     sync.Mutex
	send   chan []byte // Buffered channel of outbound messages
	closed bool
	state  connState
	userID string
	hub    *Hub

	msgsSent atomic.Uint64 // Msgs the connection has written (all time)
}

// ConnectionStatus is a snapshot of a single client session.
type ConnectionStatus struct {
	ID        string `json:"id"`
	Tenant    string `json:"tenant,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	State     string `json:"state"`
	Created   int64  `json:"created_at"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent"`
	MsgsSent  uint64 `json:"msgs_sent"`
}

func newConnection(s *Server, ws *websocket.Conn, r *http.Request) *connection {
	id := uuid.NewString()
	return &connection{
		id:        id,
		ws:        ws,
		server:    s,
		created:   time.Now(),
		clientIP:  r.RemoteAddr,
		userAgent: r.UserAgent(),
		logger:    s.logger.With(zap.String("conn", id)),
		send:      make(chan []byte, s.conf.ConnBufSize),
	}
}

func (c *connection) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ConnectionStatus{
		ID:        c.id,
		UserID:    c.userID,
		State:     c.state.String(),
		Created:   c.created.Unix(),
		ClientIP:  c.clientIP,
		UserAgent: c.userAgent,
		MsgsSent:  c.msgsSent.Load(),
	}
	if c.hub != nil {
		st.Tenant = c.hub.PublicKey()
	}
	return st
}

// Send enqueues payload without blocking. A session whose buffer is full is
// considered stalled and gets closed; the teardown path then removes it from
// its hub.
func (c *connection) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.logger.Warn("send buffer is full, closing connection",
			zap.Int("buffer", cap(c.send)))
		c.closeLocked()
		return false
	}
}

// Close stops the session. Frames already queued are still written before the
// socket is closed. Safe to call more than once.
func (c *connection) Close() {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
}

func (c *connection) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// reader processes inbound frames one at a time, in order, until the socket
// fails or is closed, then tears the session down.
func (c *connection) reader() {
	defer c.teardown()

	pongWait := 2 * c.server.conf.PingInterval
	c.ws.SetReadLimit(c.server.conf.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read error", zap.Error(err))
			}
			return
		}
		c.handleFrame(string(frame))
	}
}

// writer writes queued frames to the socket, pinging the client periodically
// so idle sessions are not dropped by intermediaries. It exits when send is
// closed or a write fails; either way the session refuses further frames.
func (c *connection) writer() {
	ticker := time.NewTicker(c.server.conf.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("error writing msg to client, closing", zap.Error(err))
				return
			}
			c.msgsSent.Add(1)

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("error writing ping to client, closing", zap.Error(err))
				return
			}
		}
	}
}

// teardown runs when the transport is gone. It always removes the session
// from its hub (a no-op if it never authenticated) before closing it.
func (c *connection) teardown() {
	c.mu.Lock()
	hub, userID := c.hub, c.userID
	c.mu.Unlock()

	if hub != nil {
		hub.UnsubscribeUser(c)
	}
	c.Close()
	c.logger.Debug("connection closed", zap.String("user", userID))
}

func (c *connection) handleFrame(frame string) {
	if c.isClosed() {
		return
	}
	c.logger.Debug("got message", zap.String("frame", frame))

	msg := parseMessage(frame)
	var err error
	switch {
	case msg.cmd == cmdUnknown:
		err = fmt.Errorf("%w: unknown command %q", ErrMalformedCommand, msg.token)
	case !msg.hasArg:
		err = fmt.Errorf("%w: %s without argument", ErrMalformedCommand, msg.cmd)
	case msg.cmd == cmdConnect:
		err = c.handleConnect(msg.arg)
	case msg.cmd == cmdSubscribe:
		err = c.handleSubscribe(msg.arg)
	}

	if err != nil {
		c.server.metrics.Command(msg.cmd.String(), "rejected")
		if isProtocolError(err) {
			c.logger.Warn("received invalid message", zap.String("frame", frame), zap.Error(err))
		} else {
			c.logger.Info("connect refused", zap.Error(err))
		}
		return
	}
	c.server.metrics.Command(msg.cmd.String(), "ok")
}

func (c *connection) handleConnect(arg string) error {
	c.mu.Lock()
	state, bound := c.state, c.userID
	c.mu.Unlock()
	if state == stateAuthenticated {
		return fmt.Errorf("%w: already connected as %q", ErrProtocolViolation, bound)
	}

	userID, publicKey, err := connectArgs(arg)
	if err != nil {
		return err
	}

	hub, err := c.server.registry.Resolve(publicKey)
	if err != nil {
		// the client is told its key was not good, then dropped
		c.server.metrics.WrongKey()
		c.Send(wrongKeyMsg)
		c.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: session closed during CONNECT", ErrProtocolViolation)
	}
	c.hub, c.userID, c.state = hub, userID, stateAuthenticated
	c.mu.Unlock()

	hub.SubscribeUser(c, userID)
	c.logger.Debug("user connected",
		zap.String("tenant", hub.PublicKey()), zap.String("user", userID))
	return nil
}

func (c *connection) handleSubscribe(arg string) error {
	c.mu.Lock()
	state, hub := c.state, c.hub
	c.mu.Unlock()
	if state != stateAuthenticated {
		return fmt.Errorf("%w: SUBSCRIBE %q", ErrNotAuthenticated, arg)
	}

	for _, ch := range subscribeArgs(arg) {
		hub.SubscribeToChannel(c, ch)
	}
	return nil
}

// isProtocolError reports whether err is one of the errors that are handled
// locally on the connection rather than surfaced to the client.
func isProtocolError(err error) bool {
	return errors.Is(err, ErrMalformedCommand) ||
		errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrNotAuthenticated)
}
