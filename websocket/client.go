package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/config"
	"github.com/abdelmounim-dev/metrics-pooler/metrics"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrInvalidState     = errors.New("invalid connection state transition")
)

// State is the lifecycle stage of a connection. Transitions only move
// forward.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Connection represents one live websocket client. Outbound frames go
// through a bounded queue drained by a single writer goroutine, so no other
// goroutine ever writes to the socket.
type Connection struct {
	ID        string
	CreatedAt time.Time

	conn *websocket.Conn
	cfg  config.WebSocketConfig
	log  *zap.Logger
	ctx  context.Context

	cancel context.CancelFunc

	mu       sync.RWMutex
	identity Identity

	state        atomic.Int32
	lastActivity atomic.Int64
	violations   atomic.Int32

	send          chan []byte
	done          chan struct{}
	writerDone    chan struct{}
	writerStarted atomic.Bool

	timerMu        sync.Mutex
	activityTimer  *time.Timer
	handshakeTimer *time.Timer

	closeOnce   sync.Once
	closeCode   int
	closeReason string
	onClose     []func(*Connection)
}

// NewConnection wraps an upgraded websocket.
func NewConnection(id string, conn *websocket.Conn, cfg config.WebSocketConfig, log *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	buffer := cfg.SendBuffer
	if buffer < 1 {
		buffer = 1
	}
	c := &Connection{
		ID:         id,
		CreatedAt:  time.Now().UTC(),
		conn:       conn,
		cfg:        cfg,
		log:        log.With(zap.String("connection_id", id)),
		ctx:        ctx,
		cancel:     cancel,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// OnClose registers fn to run once the connection is closed. Hooks must be
// registered before Start.
func (c *Connection) OnClose(fn func(*Connection)) {
	c.onClose = append(c.onClose, fn)
}

// Start launches the writer and arms the handshake and activity timers.
func (c *Connection) Start() {
	c.conn.SetReadDeadline(time.Now().Add(c.readWindow()))
	c.conn.SetPongHandler(c.pongHandler)

	c.timerMu.Lock()
	c.activityTimer = time.AfterFunc(seconds(c.cfg.ActivityTimeout), c.onActivityTimeout)
	if c.cfg.HandshakeTimeout > 0 {
		c.handshakeTimer = time.AfterFunc(seconds(c.cfg.HandshakeTimeout), c.onHandshakeTimeout)
	}
	c.timerMu.Unlock()

	c.writerStarted.Store(true)
	go c.writePump()
}

// Context is cancelled when the connection starts closing.
func (c *Connection) Context() context.Context { return c.ctx }

func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) transition(from, to State) error {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrInvalidState, from, to, c.State())
	}
	return nil
}

// Authenticate records the resolved identity and stops the handshake timer.
func (c *Connection) Authenticate(identity Identity) error {
	if err := c.transition(StateConnecting, StateAuthenticated); err != nil {
		return err
	}
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()

	c.timerMu.Lock()
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	c.timerMu.Unlock()
	return nil
}

// Activate marks the connection as joined to its tenant room.
func (c *Connection) Activate() error {
	return c.transition(StateAuthenticated, StateActive)
}

func (c *Connection) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Connection) TenantID() string { return c.Identity().TenantID }

func (c *Connection) UserID() string { return c.Identity().UserID }

// RecordViolation counts a rate limit rejection and returns the total.
func (c *Connection) RecordViolation() int {
	return int(c.violations.Add(1))
}

// Touch records client activity: it extends the read deadline and resets
// the inactivity timer.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
	c.conn.SetReadDeadline(time.Now().Add(c.readWindow()))

	c.timerMu.Lock()
	if c.activityTimer != nil {
		c.activityTimer.Reset(seconds(c.cfg.ActivityTimeout))
	}
	c.timerMu.Unlock()
}

// LastActivityTime returns the time of last activity
func (c *Connection) LastActivityTime() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) readWindow() time.Duration {
	return seconds(c.cfg.PingInterval + c.cfg.PongTimeout)
}

// pongHandler keeps the transport alive. With KeepAlive a pong also counts
// as activity; otherwise only client frames do.
func (c *Connection) pongHandler(string) error {
	if c.cfg.KeepAlive {
		c.Touch()
		return nil
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c.conn.SetReadDeadline(time.Now().Add(c.readWindow()))
}

func (c *Connection) onActivityTimeout() {
	c.log.Info("connection idle, closing")
	metrics.Evictions.WithLabelValues("idle").Inc()
	c.Close(websocket.ClosePolicyViolation, "inactivity timeout")
}

func (c *Connection) onHandshakeTimeout() {
	if c.State() != StateConnecting {
		return
	}
	c.log.Info("no join-tenant within handshake timeout")
	metrics.Evictions.WithLabelValues("handshake_timeout").Inc()
	c.Fail(CodeUnauthorized, "handshake timeout", "")
}

// Enqueue queues frame for the writer without blocking. It fails with
// ErrConnectionClosed once the connection is closing and with
// ErrSendQueueFull when the client is not keeping up.
func (c *Connection) Enqueue(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// SendError queues an error frame. Failures are ignored; the connection is
// already going away.
func (c *Connection) SendError(code, message, requestID string) {
	_ = c.Enqueue(ErrorFrame{Type: FrameError, RequestID: requestID, Code: code, Message: message})
}

// Fail sends an error frame and closes the connection. Queued frames,
// including the error, are flushed before the close frame.
func (c *Connection) Fail(code, message, requestID string) {
	c.SendError(code, message, requestID)
	closeCode := websocket.ClosePolicyViolation
	if code == CodeInternal {
		closeCode = websocket.CloseInternalServerErr
	}
	c.Close(closeCode, message)
}

func (c *Connection) writePump() {
	defer close(c.writerDone)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("writer panicked", zap.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(seconds(c.cfg.PingInterval))
	defer ticker.Stop()
	writeTimeout := seconds(c.cfg.WriteTimeout)

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				go c.Close(websocket.CloseInternalServerErr, "write failure")
				return
			}
			metrics.MessagesSent.Inc()

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				go c.Close(websocket.CloseInternalServerErr, "ping failure")
				return
			}

		case <-c.done:
			c.flush(writeTimeout)
			c.writeClose(writeTimeout)
			return
		}
	}
}

// flush writes whatever is already queued, all within one write deadline.
func (c *Connection) flush(writeTimeout time.Duration) {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	for {
		select {
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			metrics.MessagesSent.Inc()
		default:
			return
		}
	}
}

func (c *Connection) writeClose(writeTimeout time.Duration) {
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(c.closeCode, c.closeReason),
		time.Now().Add(writeTimeout),
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug("error sending close message", zap.Error(err))
	}
}

// Close moves the connection to Closing, flushes and closes the socket, runs
// the cleanup hooks and ends in Closed. It is safe to call any number of
// times from any goroutine except the writer.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.closeCode = code
		c.closeReason = reason

		c.timerMu.Lock()
		if c.activityTimer != nil {
			c.activityTimer.Stop()
		}
		if c.handshakeTimer != nil {
			c.handshakeTimer.Stop()
		}
		c.timerMu.Unlock()

		c.cancel()
		close(c.done)

		if c.writerStarted.Load() {
			<-c.writerDone
		} else {
			c.writeClose(seconds(c.cfg.WriteTimeout))
		}
		c.conn.Close()

		for _, fn := range c.onClose {
			fn(c)
		}
		c.state.Store(int32(StateClosed))
		c.log.Debug("connection closed", zap.Int("code", code), zap.String("reason", reason))
	})
}
