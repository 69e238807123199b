package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/metrics-pooler/aggregation"
	"github.com/abdelmounim-dev/metrics-pooler/config"
	"github.com/abdelmounim-dev/metrics-pooler/metrics"
	"github.com/abdelmounim-dev/metrics-pooler/room"
	"github.com/abdelmounim-dev/metrics-pooler/subscription"
)

const requestTimeout = 5 * time.Second

// Admission decides whether a tenant may open a connection and whether a
// connection may subscribe.
type Admission interface {
	AllowConnection(ctx context.Context, tenantID string) (bool, error)
	AllowSubscribe(ctx context.Context, connectionID string) (bool, error)
}

// HandlerOptions bundles the collaborators of a Handler.
type HandlerOptions struct {
	WebSocket     config.WebSocketConfig
	MaxViolations int
	Manager       *ClientManager
	Rooms         *room.Registry
	Engine        *subscription.Engine
	Admission     Admission
	Resolver      IdentityResolver
	Log           *zap.Logger
}

// Handler accepts websocket connections and applies client requests to the
// room registry and subscription engine.
type Handler struct {
	cfg           config.WebSocketConfig
	maxViolations int
	manager       *ClientManager
	rooms         *room.Registry
	engine        *subscription.Engine
	admission     Admission
	resolver      IdentityResolver
	upgrader      websocket.Upgrader
	log           *zap.Logger
}

func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		cfg:           opts.WebSocket,
		maxViolations: opts.MaxViolations,
		manager:       opts.Manager,
		rooms:         opts.Rooms,
		engine:        opts.Engine,
		admission:     opts.Admission,
		resolver:      opts.Resolver,
		log:           opts.Log.With(zap.String("module", "gateway")),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: seconds(opts.WebSocket.HandshakeTimeout),
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket handles incoming websocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.cfg.MaxConnections > 0 && h.manager.Count() >= h.cfg.MaxConnections {
		metrics.Evictions.WithLabelValues("capacity").Inc()
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	if h.cfg.MessageSizeLimit > 0 {
		conn.SetReadLimit(int64(h.cfg.MessageSizeLimit))
	}

	c := NewConnection(uuid.NewString(), conn, h.cfg, h.log)
	c.OnClose(h.cleanup)
	h.manager.AddClient(c)
	h.manager.IncreaseWaitGroup()
	defer h.manager.DecreaseWaitGroup()

	c.Start()
	h.readLoop(c)
}

// cleanup runs once per connection when it closes.
func (h *Handler) cleanup(c *Connection) {
	removed := h.engine.RemoveConnection(c.ID)
	h.rooms.Leave(c.ID)
	h.manager.RemoveClient(c)
	c.log.Info("connection cleaned up",
		zap.String("tenant_id", c.TenantID()),
		zap.Int("subscriptions_removed", removed),
	)
}

func (h *Handler) readLoop(c *Connection) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("reader panicked", zap.Any("panic", r))
			c.Close(websocket.CloseInternalServerErr, "internal error")
		}
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				c.log.Debug("read error", zap.Error(err))
			}
			c.Close(websocket.CloseNormalClosure, "client disconnected")
			return
		}
		metrics.MessagesReceived.Inc()
		c.Touch()

		h.dispatch(c, msg)
		if c.State() >= StateClosing {
			return
		}
	}
}

func (h *Handler) dispatch(c *Connection, msg []byte) {
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		c.log.Info("malformed frame", zap.Error(err))
		c.Fail(CodeBadRequest, "malformed frame", "")
		return
	}

	switch req.Action {
	case ActionJoinTenant:
		h.handleJoin(c, req)
	case ActionSubscribe:
		h.handleSubscribe(c, req)
	case ActionUnsubscribe:
		h.handleUnsubscribe(c, req)
	case ActionPing:
		_ = c.Enqueue(PongFrame{Type: FramePong, RequestID: req.RequestID})
	default:
		c.SendError(CodeBadRequest, "unknown action", req.RequestID)
	}
}

func (h *Handler) handleJoin(c *Connection, req Request) {
	if c.State() != StateConnecting {
		c.SendError(CodeBadRequest, "already joined", req.RequestID)
		return
	}
	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()

	identity, err := h.resolver.Resolve(ctx, JoinRequest{
		TenantID:  req.TenantID,
		AuthToken: req.AuthToken,
		UserID:    req.UserID,
	})
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_credentials").Inc()
		c.log.Info("join rejected", zap.Error(err))
		c.Fail(CodeUnauthorized, "invalid credentials", req.RequestID)
		return
	}
	if err := c.Authenticate(identity); err != nil {
		c.SendError(CodeBadRequest, "already joined", req.RequestID)
		return
	}

	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = identity.TenantID
	}
	log := c.log.With(zap.String("tenant_id", identity.TenantID), zap.String("user_id", identity.UserID))
	if tenantID != identity.TenantID {
		metrics.AuthFailures.WithLabelValues("tenant_mismatch").Inc()
		log.Warn("join rejected: tenant mismatch", zap.String("requested_tenant", tenantID))
		c.Fail(CodeForbidden, "tenant mismatch", req.RequestID)
		return
	}

	allowed, err := h.admission.AllowConnection(ctx, identity.TenantID)
	if !allowed {
		if err != nil {
			c.Fail(CodeInternal, "admission control unavailable", req.RequestID)
			return
		}
		log.Info("join rejected: tenant connection rate exceeded")
		c.Fail(CodeRateLimited, "too many connections for tenant", req.RequestID)
		return
	}

	if err := h.rooms.Join(room.Member{ConnectionID: c.ID, TenantID: identity.TenantID}, tenantID); err != nil {
		code := CodeBadRequest
		if errors.Is(err, room.ErrTenantMismatch) {
			code = CodeForbidden
		}
		c.Fail(code, err.Error(), req.RequestID)
		return
	}
	if err := c.Activate(); err != nil {
		// Closed while joining; cleanup may already have run.
		h.rooms.Leave(c.ID)
		return
	}

	if err := h.manager.RegisterPresence(ctx, c); err != nil {
		log.Warn("failed to register presence", zap.Error(err))
	}
	metrics.AuthSuccess.Inc()
	log.Info("joined tenant")

	_ = c.Enqueue(JoinedFrame{
		Type:         FrameJoined,
		RequestID:    req.RequestID,
		ConnectionID: c.ID,
		TenantID:     identity.TenantID,
		UserID:       identity.UserID,
	})
}

func (h *Handler) handleSubscribe(c *Connection, req Request) {
	if c.State() != StateActive {
		c.SendError(CodeUnauthorized, "join a tenant first", req.RequestID)
		return
	}
	if len(req.Filters) == 0 {
		c.SendError(CodeBadRequest, "at least one filter is required", req.RequestID)
		return
	}

	ctx, cancel := context.WithTimeout(c.Context(), requestTimeout)
	defer cancel()
	allowed, err := h.admission.AllowSubscribe(ctx, c.ID)
	if !allowed {
		if err != nil {
			c.SendError(CodeInternal, "admission control unavailable", req.RequestID)
			return
		}
		if n := c.RecordViolation(); h.maxViolations > 0 && n >= h.maxViolations {
			metrics.Evictions.WithLabelValues("rate_limit").Inc()
			c.log.Warn("closing connection after repeated rate limit violations", zap.Int("violations", n))
			c.Fail(CodeRateLimited, "too many rate limit violations", req.RequestID)
			return
		}
		c.SendError(CodeRateLimited, "subscribe rate exceeded", req.RequestID)
		return
	}

	identity := c.Identity()
	owner := subscription.Owner{ConnectionID: c.ID, TenantID: identity.TenantID}
	handles := make([]subscription.Handle, 0, len(req.Filters))
	rollback := func() {
		for _, handle := range handles {
			_ = h.engine.Unsubscribe(handle)
		}
	}

	for _, params := range req.Filters {
		if !identity.CanAccess("subscribe", params.Metric) {
			rollback()
			c.SendError(CodeForbidden, "metric not permitted: "+params.Metric, req.RequestID)
			return
		}
		if params.Granularity != "" {
			if _, err := aggregation.ParseGranularity(params.Granularity); err != nil {
				rollback()
				c.SendError(CodeInvalidFilter, err.Error(), req.RequestID)
				return
			}
		}
		handle, err := h.engine.Subscribe(owner, params.Filter())
		if err != nil {
			rollback()
			c.SendError(codeFor(err), err.Error(), req.RequestID)
			return
		}
		handles = append(handles, handle)
	}

	if c.State() >= StateClosing {
		rollback()
		return
	}

	ids := make([]string, len(handles))
	for i, handle := range handles {
		ids[i] = handle.ID
	}
	h.manager.RefreshSessionTTL(ctx, c)
	_ = c.Enqueue(SubscribedFrame{Type: FrameSubscribed, RequestID: req.RequestID, SubscriptionIDs: ids})
}

func (h *Handler) handleUnsubscribe(c *Connection, req Request) {
	if c.State() != StateActive {
		c.SendError(CodeUnauthorized, "join a tenant first", req.RequestID)
		return
	}
	if err := h.engine.Unsubscribe(subscription.Handle{ConnectionID: c.ID, ID: req.SubscriptionID}); err != nil {
		c.SendError(codeFor(err), "subscription not found", req.RequestID)
		return
	}
	_ = c.Enqueue(UnsubscribedFrame{Type: FrameUnsubscribed, RequestID: req.RequestID, SubscriptionID: req.SubscriptionID})
}
