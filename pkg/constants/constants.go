// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single WebSocket write
	WebSocketWriteTimeout = 10 * time.Second

	// DisconnectGracePeriod is how long a client waits for a dropped peer
	// connection to self-heal before forcing call teardown
	DisconnectGracePeriod = 5 * time.Second

	// SignalingDialTimeout bounds a single signaling connection attempt
	SignalingDialTimeout = 10 * time.Second

	// PushTokenExpiry is how long a registered push token set lives
	// without refresh
	PushTokenExpiry = 30 * 24 * time.Hour

	// PresenceTTL is how long an in-call presence mark survives without
	// a heartbeat refresh
	PresenceTTL = 90 * time.Second
)

// Join-window policy defaults (relative to the appointment's scheduled time)
const (
	// JoinWindowBefore is how early a participant may enter the call
	JoinWindowBefore = 10 * time.Minute

	// JoinWindowAfter is how late a participant may still enter the call
	JoinWindowAfter = 30 * time.Minute
)

// Signaling limits
const (
	// MaxRoomParticipants is the hard capacity of a consult room.
	// A consultation has exactly two sides; a third join is rejected.
	MaxRoomParticipants = 2

	// SignalingSendBuffer is the per-client outbound message queue size
	SignalingSendBuffer = 256

	// MaxSignalingReconnects bounds client reconnect attempts before
	// the connection is reported as failed
	MaxSignalingReconnects = 3
)
