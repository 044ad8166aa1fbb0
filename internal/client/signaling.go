// Package client implements the native consult call client: signaling
// transport, peer connection management, media capture and the call
// lifecycle controller. Coupling to the server is via the wire envelope
// in internal/signal only.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teleconsult-backend/internal/signal"
	"teleconsult-backend/pkg/constants"
	apperrors "teleconsult-backend/pkg/errors"
	"teleconsult-backend/pkg/logger"
)

// SignalingClient is one WebSocket connection to the signaling server.
// Inbound envelopes are surfaced on Events; outbound sends are
// serialized internally.
type SignalingClient struct {
	conn   *websocket.Conn
	events chan *signal.Envelope

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// DialSignaling connects to the consult signaling endpoint with a
// bounded number of attempts. A rejection from the server (bad token,
// closed window, full room) fails immediately; network errors retry
// with linear backoff until the attempts are exhausted.
func DialSignaling(ctx context.Context, serverURL, token string, sessionID uuid.UUID) (*SignalingClient, error) {
	wsURL, err := signalingURL(serverURL, sessionID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: constants.SignalingDialTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	var lastErr error
	for attempt := 1; attempt <= constants.MaxSignalingReconnects; attempt++ {
		conn, resp, err := dialer.DialContext(ctx, wsURL, header)
		if err == nil {
			return newSignalingClient(conn), nil
		}
		lastErr = err

		// The server answered but refused the upgrade. Retrying will
		// not change its mind.
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, apperrors.ConnectionFailedError(
				fmt.Sprintf("signaling server rejected join: %s", resp.Status))
		}

		logger.Warn("Signaling dial failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", constants.MaxSignalingReconnects),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}

	return nil, apperrors.SignalingUnavailableError(lastErr)
}

func signalingURL(serverURL string, sessionID uuid.UUID) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", apperrors.InvalidInputError("invalid server URL: " + err.Error())
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/v1/consults/ws"
	q := u.Query()
	q.Set("session_id", sessionID.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newSignalingClient(conn *websocket.Conn) *SignalingClient {
	c := &SignalingClient{
		conn:   conn,
		events: make(chan *signal.Envelope, constants.SignalingSendBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events returns the inbound envelope stream. The channel is closed
// when the connection drops or Close is called.
func (c *SignalingClient) Events() <-chan *signal.Envelope {
	return c.events
}

func (c *SignalingClient) readLoop() {
	defer func() {
		close(c.events)
		c.Close()
	}()

	for {
		var msg signal.Envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				logger.Debug("Signaling connection closed", zap.Error(err))
			}
			return
		}
		select {
		case c.events <- &msg:
		case <-c.done:
			return
		}
	}
}

// SendSignal relays an opaque negotiation payload to the peer
func (c *SignalingClient) SendSignal(payload json.RawMessage) error {
	return c.write(&signal.Envelope{
		Type:    signal.TypeSignal,
		Payload: payload,
	})
}

// SendChat relays an in-call chat message. The server echoes it back
// as chat_message so the local transcript appends on the echo.
func (c *SignalingClient) SendChat(body string) error {
	return c.write(&signal.Envelope{
		Type: signal.TypeChat,
		Body: body,
	})
}

// SendLeave announces departure before closing
func (c *SignalingClient) SendLeave() error {
	return c.write(&signal.Envelope{Type: signal.TypeLeave})
}

func (c *SignalingClient) write(msg *signal.Envelope) error {
	select {
	case <-c.done:
		return apperrors.ConnectionFailedError("signaling connection closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
	return c.conn.WriteJSON(msg)
}

// Close tears down the connection. Idempotent.
func (c *SignalingClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
