package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callcore-backend/internal/database"
	"callcore-backend/internal/domain"
	"callcore-backend/internal/middleware"
	"callcore-backend/internal/notify"
	"callcore-backend/internal/service/call"
	"callcore-backend/internal/service/quality"
	apperrors "callcore-backend/pkg/errors"
	"callcore-backend/pkg/response"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256

	// DefaultMaxConnections bounds concurrent websocket clients per instance
	DefaultMaxConnections = 1000
	// DefaultResubscribeInterval is how often a lost Redis subscription is retried
	DefaultResubscribeInterval = 5 * time.Second
)

// AccessChecker resolves a user's access to a conversation
type AccessChecker interface {
	Check(ctx context.Context, conversationID, userID uuid.UUID) (*call.Access, error)
}

// CallReader loads calls for validating client quality reports
type CallReader interface {
	GetCallSession(ctx context.Context, callID, requesterID uuid.UUID) (*domain.Call, error)
}

// QualityReporter accepts client-side stats reports
type QualityReporter interface {
	Report(ctx context.Context, target quality.Target, data []byte, checkedAt time.Time) error
	Monitoring(key domain.ConnectionKey) bool
	Stop(key domain.ConnectionKey)
}

// Metrics receives websocket counters
type Metrics interface {
	SetWebSocketConnections(count int)
	RecordWebSocketMessage(msgType, direction string)
	RecordWebSocketError(err string)
}

// Config holds hub settings
type Config struct {
	MaxConnections      int
	AllowedOrigins      []string
	ResubscribeInterval time.Duration
}

// EventHub forwards call and quality events to the websocket clients of each
// conversation, and feeds client stats reports into the quality monitor.
// Events reach it through the Redis conversation channels or, while Redis is
// degraded, directly through Deliver.
type EventHub struct {
	conversations map[uuid.UUID]map[*Client]bool
	mu            sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *domain.Envelope
	done       chan struct{}

	redis    *database.RedisClient
	access   AccessChecker
	calls    CallReader
	reporter QualityReporter
	metrics  Metrics
	log      *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader

	// ctx outlives single connections; samplers started from reports use it
	ctx       context.Context
	semaphore chan struct{}
	clients   int
}

// Client is one websocket connection subscribed to a conversation
type Client struct {
	hub            *EventHub
	conn           *websocket.Conn
	send           chan []byte
	userID         uuid.UUID
	conversationID uuid.UUID

	// reportingCall and checkedAt are owned by readPump
	reportingCall uuid.UUID
	checkedAt     time.Time

	mu     sync.Mutex
	closed bool
}

// InboundMessage is the closed set of messages clients may send
type InboundMessage struct {
	Type   string          `json:"type"`
	CallID uuid.UUID       `json:"call_id,omitempty"`
	Stats  json.RawMessage `json:"stats,omitempty"`
}

// ControlMessage is sent for pings and rejected inbound messages
type ControlMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Inbound and control message types
const (
	MessageQualityStats = "quality:stats"
	MessagePing         = "ping"
	MessagePong         = "pong"
	MessageError        = "error"
)

// NewEventHub creates a hub. redis and metrics may be nil.
func NewEventHub(cfg Config, redis *database.RedisClient, access AccessChecker, calls CallReader, reporter QualityReporter, metrics Metrics, log *zap.Logger) *EventHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.ResubscribeInterval <= 0 {
		cfg.ResubscribeInterval = DefaultResubscribeInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &EventHub{
		conversations: make(map[uuid.UUID]map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		broadcast:     make(chan *domain.Envelope, sendBuffer),
		done:          make(chan struct{}),
		redis:         redis,
		access:        access,
		calls:         calls,
		reporter:      reporter,
		metrics:       metrics,
		log:           log.Named("events"),
		cfg:           cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     middleware.AllowedOrigin(cfg.AllowedOrigins),
		},
		ctx:       context.Background(),
		semaphore: make(chan struct{}, cfg.MaxConnections),
	}
}

// Run dispatches events until ctx is done, then closes every client.
// It also keeps the Redis pattern subscription alive.
func (h *EventHub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
	defer close(h.done)

	if h.redis != nil {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.conversations {
				for client := range clients {
					client.close()
				}
			}
			h.conversations = make(map[uuid.UUID]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.conversations[client.conversationID] == nil {
				h.conversations[client.conversationID] = make(map[*Client]bool)
			}
			h.conversations[client.conversationID][client] = true
			h.clients++
			h.metrics.SetWebSocketConnections(h.clients)
			h.mu.Unlock()

		case client := <-h.unregister:
			h.remove(client)

		case env := <-h.broadcast:
			h.dispatch(env)
		}
	}
}

// Deliver hands an envelope to local clients. Implements notify.LocalDeliverer.
func (h *EventHub) Deliver(env *domain.Envelope) {
	select {
	case h.broadcast <- env:
	case <-h.done:
	}
}

func (h *EventHub) baseContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ctx
}

// Connections returns the number of registered clients
func (h *EventHub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients
}

func (h *EventHub) remove(client *Client) {
	h.mu.Lock()
	clients, ok := h.conversations[client.conversationID]
	if !ok || !clients[client] {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	client.close()
	if len(clients) == 0 {
		delete(h.conversations, client.conversationID)
	}
	h.clients--
	h.metrics.SetWebSocketConnections(h.clients)
	h.mu.Unlock()
}

func (h *EventHub) dispatch(env *domain.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.log.Error("Failed to marshal envelope", zap.String("event", string(env.Event)), zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.conversations[env.ConversationID] {
		if client.enqueue(payload) {
			h.metrics.RecordWebSocketMessage(string(env.Event), "outbound")
		} else {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn("Dropping slow websocket client",
			zap.String("user_id", client.userID.String()),
			zap.String("conversation_id", client.conversationID.String()))
		h.metrics.RecordWebSocketError("slow_consumer")
		h.remove(client)
	}
}

// subscribe keeps one pattern subscription over every conversation channel,
// retrying while Redis is degraded
func (h *EventHub) subscribe(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.ResubscribeInterval)
	defer ticker.Stop()

	for {
		if pubsub := h.redis.SafePSubscribe(ctx, notify.ChannelPattern); pubsub != nil {
			if _, err := pubsub.Receive(ctx); err != nil {
				h.log.Warn("Failed to subscribe to call event channels", zap.Error(err))
			} else {
				h.log.Info("Subscribed to call event channels", zap.String("pattern", notify.ChannelPattern))
				h.consume(ctx, pubsub.Channel())
			}
			_ = pubsub.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *EventHub) consume(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env domain.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				h.log.Warn("Failed to unmarshal call event",
					zap.String("channel", msg.Channel),
					zap.Error(err))
				continue
			}
			h.Deliver(&env)
		}
	}
}

// ServeWS upgrades a member of the requested conversation to an event stream
// GET /v1/calls/ws?conversation_id=
func (h *EventHub) ServeWS(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	conversationID, err := uuid.Parse(c.Query("conversation_id"))
	if err != nil {
		response.FromError(c, apperrors.InvalidInputError("conversation_id must be a valid UUID"))
		return
	}

	access, err := h.access.Check(c.Request.Context(), conversationID, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if err := access.RequireMember(); err != nil {
		response.FromError(c, err)
		return
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		h.log.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.cfg.MaxConnections))
		h.metrics.RecordWebSocketError("capacity")
		response.ServiceUnavailable(c, "Server at capacity, please try again later")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		h.log.Warn("WebSocket upgrade failed",
			zap.String("conversation_id", conversationID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		h.metrics.RecordWebSocketError("upgrade")
		return
	}

	client := &Client{
		hub:            h,
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		userID:         userID,
		conversationID: conversationID,
	}

	select {
	case h.register <- client:
	case <-h.done:
		<-h.semaphore
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		if c.reportingCall != uuid.Nil {
			c.hub.reporter.Stop(domain.ConnectionKey{CallID: c.reportingCall, UserID: c.userID})
		}
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		<-c.hub.semaphore
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("WebSocket connection closed",
					zap.String("conversation_id", c.conversationID.String()),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(ControlMessage{Type: MessageError, Code: string(apperrors.ErrCodeInvalidInput), Message: "malformed message"})
			continue
		}
		c.hub.metrics.RecordWebSocketMessage(msg.Type, "inbound")
		c.handle(&msg)
	}
}

func (c *Client) handle(msg *InboundMessage) {
	switch msg.Type {
	case MessagePing:
		c.reply(ControlMessage{Type: MessagePong})
	case MessageQualityStats:
		if err := c.reportStats(msg); err != nil {
			appErr := apperrors.GetAppError(err)
			c.reply(ControlMessage{Type: MessageError, Code: string(appErr.Code), Message: appErr.Message})
		}
	default:
		c.reply(ControlMessage{Type: MessageError, Code: string(apperrors.ErrCodeInvalidInput), Message: "unknown message type"})
	}
}

// reportStats checks that the sender is joined to a live call of this
// conversation, then forwards the report. The check is repeated when the call
// changes or when the monitor has stopped the connection since.
func (c *Client) reportStats(msg *InboundMessage) error {
	if msg.CallID == uuid.Nil || len(msg.Stats) == 0 {
		return apperrors.InvalidInputError("quality:stats requires call_id and stats")
	}

	base := c.hub.baseContext()
	ctx, cancel := context.WithTimeout(base, writeWait)
	defer cancel()

	target := quality.Target{
		ConnectionKey:  domain.ConnectionKey{CallID: msg.CallID, UserID: c.userID},
		ConversationID: c.conversationID,
	}

	if msg.CallID != c.reportingCall || !c.hub.reporter.Monitoring(target.ConnectionKey) {
		if err := c.checkReportingCall(ctx, msg.CallID); err != nil {
			return err
		}
	}

	err := c.hub.reporter.Report(base, target, msg.Stats, c.checkedAt)
	if errors.Is(err, quality.ErrMonitoringStopped) {
		// stopped between the check and the report
		if err := c.checkReportingCall(ctx, msg.CallID); err != nil {
			return err
		}
		err = c.hub.reporter.Report(base, target, msg.Stats, c.checkedAt)
	}
	if errors.Is(err, quality.ErrMonitoringStopped) {
		return apperrors.ParticipantNotFoundError()
	}
	if err != nil {
		return apperrors.InvalidInputError(err.Error())
	}
	return nil
}

// checkReportingCall confirms the sender is joined to callID and makes it the
// connection's reporting call
func (c *Client) checkReportingCall(ctx context.Context, callID uuid.UUID) error {
	checkedAt := time.Now()
	session, err := c.hub.calls.GetCallSession(ctx, callID, c.userID)
	if err != nil {
		return err
	}
	if session.ConversationID != c.conversationID {
		return apperrors.InvalidInputError("call belongs to another conversation")
	}
	if session.Status.IsTerminal() {
		c.clearReportingCall(callID)
		return apperrors.CallEndedError(string(session.Status))
	}
	p := session.Participant(c.userID)
	if p == nil || p.Status != domain.ParticipantJoined {
		c.clearReportingCall(callID)
		return apperrors.ParticipantNotFoundError()
	}

	if c.reportingCall != uuid.Nil && c.reportingCall != callID {
		c.hub.reporter.Stop(domain.ConnectionKey{CallID: c.reportingCall, UserID: c.userID})
	}
	c.reportingCall = callID
	c.checkedAt = checkedAt
	return nil
}

func (c *Client) clearReportingCall(callID uuid.UUID) {
	if c.reportingCall == callID {
		c.reportingCall = uuid.Nil
		c.checkedAt = time.Time{}
	}
}

func (c *Client) reply(msg ControlMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// enqueue reports false when the client is closed or its buffer is full
func (c *Client) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type noopMetrics struct{}

func (noopMetrics) SetWebSocketConnections(int)            {}
func (noopMetrics) RecordWebSocketMessage(string, string) {}
func (noopMetrics) RecordWebSocketError(string)            {}
