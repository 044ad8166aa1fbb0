package signal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"teleconsult-backend/pkg/constants"
	apperrors "teleconsult-backend/pkg/errors"
	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/metrics"
)

// Participant is one connected side of a consult room. Deliver must not
// block; implementations enqueue onto a bounded send buffer and report
// false when the buffer is full or the connection is gone.
type Participant interface {
	ID() uuid.UUID
	DisplayName() string
	Deliver(msg *Envelope) bool
}

// Registry tracks the active consult rooms on this instance. Rooms hold
// at most two participants and exist only while someone is connected;
// all durable state lives in the session store.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*room
	metrics *metrics.Metrics
}

type room struct {
	mu           sync.Mutex
	id           string
	participants []Participant
}

// NewRegistry creates an empty room registry. m may be nil in tests.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		rooms:   make(map[string]*room),
		metrics: m,
	}
}

// getOrCreate returns the room for id, creating it under the registry lock
func (r *Registry) getOrCreate(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID}
		r.rooms[roomID] = rm
	}
	return rm
}

// Join adds a participant to a room. It returns whether a peer was
// already present so the caller can tell the joiner. The room lock
// serializes concurrent joins: one caller lands first and is told the
// room is empty, the other is told a peer is present, and the occupant
// gets a peer_joined notification. A third participant is rejected
// without disturbing the two in the call. A reconnect by a user already
// in the room replaces their stale connection.
func (r *Registry) Join(roomID string, p Participant) (peerPresent bool, err error) {
	rm := r.getOrCreate(roomID)

	// Metrics and the room gauge stay outside the room critical section:
	// the gauge reads the room count under the registry lock, and Leave's
	// empty-room cleanup nests the room lock inside the registry lock, so
	// touching the registry lock while holding rm.mu would invert that
	// order.
	peerPresent, outcome, err := rm.admit(p)

	r.recordJoin(outcome)

	switch outcome {
	case joinReconnect:
		logger.Info("Participant reconnected to room",
			zap.String("room_id", roomID),
			zap.String("user_id", p.ID().String()))
		return peerPresent, nil

	case joinRejected:
		if r.metrics != nil {
			r.metrics.RecordCapacityRejection()
		}
		return false, err
	}

	r.updateRoomGauge()

	logger.Info("Participant joined room",
		zap.String("room_id", roomID),
		zap.String("user_id", p.ID().String()),
		zap.Bool("peer_present", peerPresent))

	return peerPresent, nil
}

const (
	joinOK        = "ok"
	joinReconnect = "reconnect"
	joinRejected  = "rejected"
)

// admit adds p under the room lock and classifies the outcome. Only the
// room lock is held here; callers record metrics afterwards.
func (rm *room) admit(p Participant) (peerPresent bool, outcome string, err error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	// Same user reconnecting: drop the stale handle, keep the slot
	for i, existing := range rm.participants {
		if existing.ID() == p.ID() {
			rm.participants[i] = p
			return len(rm.participants) == 2, joinReconnect, nil
		}
	}

	if len(rm.participants) >= constants.MaxRoomParticipants {
		return false, joinRejected, apperrors.RoomCapacityExceededError(rm.id)
	}

	rm.participants = append(rm.participants, p)
	peerPresent = len(rm.participants) == 2

	if peerPresent {
		// The first occupant learns about the newcomer. The newcomer is
		// told a peer is already present via the return value.
		other := rm.other(p.ID())
		if other != nil {
			other.Deliver(&Envelope{
				Type:       TypePeerJoined,
				RoomID:     rm.id,
				SenderID:   p.ID(),
				SenderName: p.DisplayName(),
				Timestamp:  time.Now(),
			})
		}
	}

	return peerPresent, joinOK, nil
}

// other returns the participant that is not userID, or nil when alone
func (rm *room) other(userID uuid.UUID) Participant {
	for _, p := range rm.participants {
		if p.ID() != userID {
			return p
		}
	}
	return nil
}

// Relay forwards an opaque signaling payload to the sender's peer.
// Messages from one sender arrive in the order they were relayed; the
// per-participant send buffer preserves FIFO. Relaying while alone is a
// silent no-op, matching the pre-join trickle of ICE candidates.
func (r *Registry) Relay(roomID string, senderID uuid.UUID, msg *Envelope) {
	rm := r.lookup(roomID)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	peer := rm.other(senderID)
	rm.mu.Unlock()

	if peer == nil {
		return
	}

	msg.Type = TypeSignal
	msg.RoomID = roomID
	msg.SenderID = senderID
	msg.Timestamp = time.Now()

	if !peer.Deliver(msg) {
		logger.Warn("Dropped signaling message, peer send buffer full",
			zap.String("room_id", roomID),
			zap.String("peer_id", peer.ID().String()))
		if r.metrics != nil {
			r.metrics.RecordWebSocketError("send_buffer_full")
		}
		return
	}

	if r.metrics != nil {
		r.metrics.RecordSignalRelay(TypeSignal)
	}
}

// Chat delivers an in-call text message to every participant in the
// room, sender included. The echo is the sender's delivery receipt.
// It returns the chat envelope so callers can archive it.
func (r *Registry) Chat(roomID string, sender Participant, body string) *Envelope {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil
	}

	msg := &Envelope{
		Type:       TypeChatMessage,
		RoomID:     roomID,
		SenderID:   sender.ID(),
		SenderName: sender.DisplayName(),
		Body:       body,
		Timestamp:  time.Now(),
	}

	rm.mu.Lock()
	recipients := make([]Participant, len(rm.participants))
	copy(recipients, rm.participants)
	rm.mu.Unlock()

	for _, p := range recipients {
		p.Deliver(msg)
	}

	if r.metrics != nil {
		r.metrics.RecordSignalRelay(TypeChatMessage)
	}

	return msg
}

// Leave removes a participant from a room, notifies the remaining peer
// and destroys the room when it empties. Safe to call for a participant
// that already left.
func (r *Registry) Leave(roomID string, userID uuid.UUID) {
	rm := r.lookup(roomID)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	found := false
	for i, p := range rm.participants {
		if p.ID() == userID {
			rm.participants = append(rm.participants[:i], rm.participants[i+1:]...)
			found = true
			break
		}
	}
	remaining := rm.other(userID)
	empty := len(rm.participants) == 0
	rm.mu.Unlock()

	if !found {
		return
	}

	if remaining != nil {
		remaining.Deliver(&Envelope{
			Type:      TypePeerLeft,
			RoomID:    roomID,
			SenderID:  userID,
			Timestamp: time.Now(),
		})
	}

	if empty {
		r.mu.Lock()
		// Re-check under the registry lock; a new joiner may have
		// recreated interest in the room meanwhile.
		rm.mu.Lock()
		if len(rm.participants) == 0 {
			delete(r.rooms, roomID)
		}
		rm.mu.Unlock()
		r.mu.Unlock()
	}

	r.updateRoomGauge()

	logger.Info("Participant left room",
		zap.String("room_id", roomID),
		zap.String("user_id", userID.String()))
}

// Occupants returns the current participants of a room
func (r *Registry) Occupants(roomID string) []Participant {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Participant, len(rm.participants))
	copy(out, rm.participants)
	return out
}

// ActiveRooms returns the number of rooms with at least one participant
func (r *Registry) ActiveRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) lookup(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[roomID]
}

func (r *Registry) recordJoin(result string) {
	if r.metrics != nil {
		r.metrics.RecordRoomJoin(result)
	}
}

func (r *Registry) updateRoomGauge() {
	if r.metrics != nil {
		r.metrics.SetActiveRooms(r.ActiveRooms())
	}
}
