package domain

import (
	"time"

	"github.com/google/uuid"

	"teleconsult-backend/pkg/constants"
)

// SessionStatus is the lifecycle state of a consult session.
// Transitions are monotonic: waiting -> active -> ended.
type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// CallSession represents a scheduled video consultation between a
// patient and a clinician, tied to a booking appointment.
type CallSession struct {
	ID              uuid.UUID     `json:"id"`
	AppointmentID   uuid.UUID     `json:"appointment_id"`
	RoomID          string        `json:"room_id"`
	PatientID       uuid.UUID     `json:"patient_id"`
	PatientName     string        `json:"patient_name"`
	ClinicianID     uuid.UUID     `json:"clinician_id"`
	ClinicianName   string        `json:"clinician_name"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	Status          SessionStatus `json:"status"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationSeconds int           `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsParticipant reports whether the user is one of the two parties
func (s *CallSession) IsParticipant(userID uuid.UUID) bool {
	return userID == s.PatientID || userID == s.ClinicianID
}

// CounterpartID returns the other party of the session
func (s *CallSession) CounterpartID(userID uuid.UUID) uuid.UUID {
	if userID == s.PatientID {
		return s.ClinicianID
	}
	return s.PatientID
}

// CounterpartName returns the display name of the other party
func (s *CallSession) CounterpartName(userID uuid.UUID) string {
	if userID == s.PatientID {
		return s.ClinicianName
	}
	return s.PatientName
}

// WindowStart returns the earliest time a participant may join
func (s *CallSession) WindowStart() time.Time {
	return s.ScheduledAt.Add(-constants.JoinWindowBefore)
}

// WindowEnd returns the latest time a participant may join
func (s *CallSession) WindowEnd() time.Time {
	return s.ScheduledAt.Add(constants.JoinWindowAfter)
}

// InJoinWindow reports whether now falls inside the join window
func (s *CallSession) InJoinWindow(now time.Time) bool {
	return !now.Before(s.WindowStart()) && !now.After(s.WindowEnd())
}

// InitiatorID returns the participant responsible for creating the
// WebRTC offer. The booking party (patient) always initiates; the
// clinician answers. Both sides derive the same role from the session
// so a simultaneous join never produces two offers.
func (s *CallSession) InitiatorID() uuid.UUID {
	return s.PatientID
}

// ChatMessage is an in-call text message relayed through signaling
type ChatMessage struct {
	SessionID  uuid.UUID `json:"session_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}

// TranscriptEntry is a chat message as archived in the transcript store.
// MessageID is a Cassandra timeuuid rendered as a string.
type TranscriptEntry struct {
	SessionID  uuid.UUID `json:"session_id"`
	MessageID  string    `json:"message_id"`
	SenderID   uuid.UUID `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}
