package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/internal/signal"
	"teleconsult-backend/pkg/constants"
	apperrors "teleconsult-backend/pkg/errors"
	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/metrics"
)

// SessionAuthorizer gates room entry on session state and join window
type SessionAuthorizer interface {
	AuthorizeJoin(ctx context.Context, sessionID, userID uuid.UUID) (*domain.CallSession, error)
}

// TranscriptArchiver persists in-call chat messages. Implementations
// must tolerate being called concurrently.
type TranscriptArchiver interface {
	Save(message *domain.ChatMessage) error
}

// PresenceTracker mirrors room membership into shared state
type PresenceTracker interface {
	MarkPresent(ctx context.Context, roomID string, userID uuid.UUID) error
	MarkAbsent(ctx context.Context, roomID string, userID uuid.UUID) error
	Refresh(ctx context.Context, roomID string) error
}

// SignalingServer terminates the consult WebSocket endpoint and feeds
// the room registry
type SignalingServer struct {
	registry    *signal.Registry
	authorizer  SessionAuthorizer
	transcripts TranscriptArchiver
	presence    PresenceTracker
	metrics     *metrics.Metrics

	// Concurrency limit for WebSocket connections on this instance
	maxConnections int
	semaphore      chan struct{}

	connMu    sync.Mutex
	connCount int
}

// NewSignalingServer creates a signaling server. transcripts and
// presence may be nil when those stores are not configured.
func NewSignalingServer(registry *signal.Registry, authorizer SessionAuthorizer, transcripts TranscriptArchiver, presence PresenceTracker, m *metrics.Metrics) *SignalingServer {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_SIGNALING_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	return &SignalingServer{
		registry:       registry,
		authorizer:     authorizer,
		transcripts:    transcripts,
		presence:       presence,
		metrics:        m,
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}
}

var signalingUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin header
			return true
		}
		for _, allowed := range allowedOrigins() {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

func allowedOrigins() []string {
	raw := os.Getenv("CORS_ALLOWED_ORIGINS")
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	origins := strings.Split(raw, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	return origins
}

// client is one WebSocket connection in a consult room
type client struct {
	server *SignalingServer
	conn   *websocket.Conn
	send   chan []byte

	userID      uuid.UUID
	displayName string
	sessionID   uuid.UUID
	roomID      string

	closeOnce sync.Once
}

// ID implements signal.Participant
func (c *client) ID() uuid.UUID { return c.userID }

// DisplayName implements signal.Participant
func (c *client) DisplayName() string { return c.displayName }

// Deliver implements signal.Participant. Never blocks; a full buffer
// means the connection is too slow and the message is dropped.
func (c *client) Deliver(msg *signal.Envelope) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// ServeWS handles WebSocket requests for consult signaling.
// GET /v1/consults/ws?session_id=<uuid>, authenticated.
func (s *SignalingServer) ServeWS(c *gin.Context) {
	select {
	case s.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", s.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server at capacity, please try again later"})
		return
	}

	// The slot is held for the lifetime of the connection. Once the
	// pumps start, readPump's teardown releases it; until then every
	// early return releases it here.
	handedOff := false
	defer func() {
		if !handedOff {
			s.releaseSlot()
		}
	}()

	sessionIDStr := c.Query("session_id")
	if sessionIDStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}

	sessionID, err := uuid.Parse(sessionIDStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
		return
	}

	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	displayName := ""
	if nameVal, ok := c.Get("display_name"); ok {
		displayName, _ = nameVal.(string)
	}

	// Session state and join window are checked before the upgrade so
	// the client gets a proper HTTP error instead of a dropped socket
	session, err := s.authorizer.AuthorizeJoin(c.Request.Context(), sessionID, userID)
	if err != nil {
		if appErr := apperrors.AsAppError(err); appErr != nil {
			c.JSON(appErr.StatusCode, gin.H{"error": appErr.Message, "code": string(appErr.Code)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to authorize join"})
		return
	}

	conn, err := signalingUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	cl := &client{
		server:      s,
		conn:        conn,
		send:        make(chan []byte, constants.SignalingSendBuffer),
		userID:      userID,
		displayName: displayName,
		sessionID:   sessionID,
		roomID:      session.RoomID,
	}

	peerPresent, err := s.registry.Join(session.RoomID, cl)
	if err != nil {
		if appErr := apperrors.AsAppError(err); appErr != nil {
			cl.writeDirect(signal.ErrorEnvelope(string(appErr.Code), appErr.Message))
		}
		conn.Close()
		return
	}

	s.trackConnect()

	if s.presence != nil {
		if err := s.presence.MarkPresent(c.Request.Context(), session.RoomID, userID); err != nil {
			logger.Warn("Failed to mark presence", zap.Error(err))
		}
	}

	// Tell the joiner whether someone is already waiting so it knows to
	// start negotiation
	if peerPresent {
		cl.Deliver(&signal.Envelope{
			Type:      signal.TypePeerAlreadyPresent,
			RoomID:    session.RoomID,
			Timestamp: time.Now(),
		})
	}

	handedOff = true
	go cl.writePump()
	go cl.readPump()
}

func (s *SignalingServer) releaseSlot() {
	<-s.semaphore
}

// writeDirect writes one message synchronously, used before the pumps start
func (c *client) writeDirect(msg *signal.Envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
	c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump reads messages from the WebSocket and dispatches them to the
// registry. Runs until the connection drops or the client leaves.
func (c *client) readPump() {
	defer func() {
		c.server.registry.Leave(c.roomID, c.userID)
		if c.server.presence != nil {
			if err := c.server.presence.MarkAbsent(context.Background(), c.roomID, c.userID); err != nil {
				logger.Warn("Failed to clear presence", zap.Error(err))
			}
		}
		c.server.trackDisconnect()
		c.closeSend()
		c.conn.Close()
		c.server.releaseSlot()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval + constants.WebSocketWriteTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval + constants.WebSocketWriteTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("room_id", c.roomID),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var msg signal.Envelope
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("room_id", c.roomID),
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			c.Deliver(signal.ErrorEnvelope("INVALID_MESSAGE", "message is not valid JSON"))
			continue
		}

		c.recordMessage(msg.Type)

		switch msg.Type {
		case signal.TypeSignal:
			c.server.registry.Relay(c.roomID, c.userID, &msg)

		case signal.TypeChat:
			if msg.Body == "" {
				continue
			}
			chat := c.server.registry.Chat(c.roomID, c, msg.Body)
			if chat != nil {
				c.server.archiveChat(c.sessionID, chat)
			}

		case signal.TypeLeave:
			return

		case signal.TypeJoin:
			// Join is implicit in the connection; repeated joins are
			// acknowledged with current room state
			c.Deliver(&signal.Envelope{
				Type:      signal.TypePeerAlreadyPresent,
				RoomID:    c.roomID,
				Timestamp: time.Now(),
			})

		default:
			c.Deliver(signal.ErrorEnvelope("UNKNOWN_TYPE", "unsupported message type: "+msg.Type))
		}
	}
}

// writePump writes queued messages and keeps the connection alive with
// pings
func (c *client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if c.server.presence != nil {
				if err := c.server.presence.Refresh(context.Background(), c.roomID); err != nil {
					logger.Debug("Presence refresh failed", zap.Error(err))
				}
			}
		}
	}
}

// archiveChat persists a chat message asynchronously. Archive failures
// are logged, never surfaced to the call.
func (s *SignalingServer) archiveChat(sessionID uuid.UUID, msg *signal.Envelope) {
	if s.transcripts == nil {
		return
	}

	entry := &domain.ChatMessage{
		SessionID:  sessionID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Body:       msg.Body,
		SentAt:     msg.Timestamp,
	}

	go func() {
		if err := s.transcripts.Save(entry); err != nil {
			logger.Warn("Failed to archive chat message",
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
		}
	}()
}

func (c *client) recordMessage(msgType string) {
	if c.server.metrics != nil {
		c.server.metrics.RecordWebSocketMessage(msgType, "inbound")
	}
}

func (s *SignalingServer) trackConnect() {
	s.connMu.Lock()
	s.connCount++
	count := s.connCount
	s.connMu.Unlock()
	if s.metrics != nil {
		s.metrics.SetWebSocketConnections(count)
	}
}

func (s *SignalingServer) trackDisconnect() {
	s.connMu.Lock()
	s.connCount--
	count := s.connCount
	s.connMu.Unlock()
	if s.metrics != nil {
		s.metrics.SetWebSocketConnections(count)
	}
}
