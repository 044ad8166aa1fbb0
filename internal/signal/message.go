package signal

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message types exchanged over the signaling channel.
// Client to server: join, signal, chat, leave.
// Server to client: peer_already_present, peer_joined, peer_left,
// signal, chat_message, error.
const (
	TypeJoin               = "join"
	TypeSignal             = "signal"
	TypeChat               = "chat"
	TypeLeave              = "leave"
	TypePeerAlreadyPresent = "peer_already_present"
	TypePeerJoined         = "peer_joined"
	TypePeerLeft           = "peer_left"
	TypeChatMessage        = "chat_message"
	TypeError              = "error"
)

// Envelope is the wire format for all signaling traffic. The Payload
// field carries opaque WebRTC data (SDP offers/answers, ICE candidates)
// that the server relays without inspecting.
type Envelope struct {
	Type       string          `json:"type"`
	RoomID     string          `json:"room_id,omitempty"`
	SenderID   uuid.UUID       `json:"sender_id,omitempty"`
	SenderName string          `json:"sender_name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Body       string          `json:"body,omitempty"`
	Code       string          `json:"code,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitempty"`
}

// ErrorEnvelope builds a server-to-client error message
func ErrorEnvelope(code, body string) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Code:      code,
		Body:      body,
		Timestamp: time.Now(),
	}
}
