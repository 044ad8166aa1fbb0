package consult

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"teleconsult-backend/internal/domain"
	apperrors "teleconsult-backend/pkg/errors"
	"teleconsult-backend/pkg/logger"
)

// SessionRepository is the persistence surface the service depends on
type SessionRepository interface {
	Create(ctx context.Context, session *domain.CallSession) error
	GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error)
	GetByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*domain.CallSession, error)
	MarkStarted(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) (bool, error)
	MarkEnded(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, durationSeconds int) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error)
}

// Notifier delivers out-of-band notifications to participants
type Notifier interface {
	SendConsultWaitingNotification(ctx context.Context, sessionID uuid.UUID, waitingName string, counterpartID uuid.UUID) error
	SendConsultEndedNotification(ctx context.Context, sessionID uuid.UUID, duration int64, participantID uuid.UUID) error
}

// Service handles consult session business logic
type Service struct {
	sessionRepo SessionRepository
	notifier    Notifier

	// now is swappable so join-window checks are testable
	now func() time.Time
}

// NewService creates a new consult service. notifier may be nil when
// push delivery is not configured.
func NewService(sessionRepo SessionRepository, notifier Notifier) *Service {
	return &Service{
		sessionRepo: sessionRepo,
		notifier:    notifier,
		now:         time.Now,
	}
}

// CreateSessionInput contains data to provision a session for a booking
type CreateSessionInput struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	PatientName   string
	ClinicianID   uuid.UUID
	ClinicianName string
	ScheduledAt   time.Time
}

// CreateSession provisions a consult session for an appointment.
// Provisioning is idempotent per appointment: a second call returns the
// existing session.
func (s *Service) CreateSession(ctx context.Context, input *CreateSessionInput) (*domain.CallSession, error) {
	if input.PatientID == input.ClinicianID {
		return nil, apperrors.InvalidInputError("patient and clinician must be different users")
	}

	existing, err := s.sessionRepo.GetByAppointmentID(ctx, input.AppointmentID)
	if err == nil {
		return existing, nil
	}
	if !apperrors.Is(err, apperrors.ErrCodeSessionNotFound) {
		return nil, err
	}

	now := s.now()
	session := &domain.CallSession{
		ID:            uuid.New(),
		AppointmentID: input.AppointmentID,
		RoomID:        uuid.New().String(),
		PatientID:     input.PatientID,
		PatientName:   input.PatientName,
		ClinicianID:   input.ClinicianID,
		ClinicianName: input.ClinicianName,
		ScheduledAt:   input.ScheduledAt,
		Status:        domain.SessionWaiting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}

	logger.Info("Consult session provisioned",
		zap.String("session_id", session.ID.String()),
		zap.String("appointment_id", input.AppointmentID.String()),
		zap.Time("scheduled_at", input.ScheduledAt))

	return session, nil
}

// GetCallSession retrieves a session for a participant. Non-participants
// get a not-authorized error regardless of whether the session exists.
func (s *Service) GetCallSession(ctx context.Context, sessionID, userID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !session.IsParticipant(userID) {
		return nil, apperrors.NotAuthorizedError("you are not a participant of this consultation")
	}

	return session, nil
}

// AuthorizeJoin verifies that a participant may enter the room right
// now: they must be a party to the session, the session must not be
// ended, and the current time must fall in the join window.
func (s *Service) AuthorizeJoin(ctx context.Context, sessionID, userID uuid.UUID) (*domain.CallSession, error) {
	session, err := s.GetCallSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	if session.Status == domain.SessionEnded {
		return nil, apperrors.SessionEndedError("consultation has already ended")
	}

	if !session.InJoinWindow(s.now()) {
		return nil, apperrors.OutsideJoinWindowError(
			fmt.Sprintf("the consultation can be joined between %s and %s",
				session.WindowStart().Format(time.RFC3339),
				session.WindowEnd().Format(time.RFC3339)))
	}

	return session, nil
}

// MarkCallStarted transitions a waiting session to active. The call is
// idempotent: repeating it on an active session is a no-op. Starting an
// ended session is rejected.
func (s *Service) MarkCallStarted(ctx context.Context, sessionID, userID uuid.UUID) error {
	session, err := s.GetCallSession(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	if session.Status == domain.SessionEnded {
		return apperrors.SessionEndedError("consultation has already ended")
	}

	started, err := s.sessionRepo.MarkStarted(ctx, sessionID, s.now())
	if err != nil {
		return err
	}
	if !started {
		// Lost the race or already active. Either way the session is
		// running, which is what the caller asked for.
		return nil
	}

	logger.Info("Consult call started",
		zap.String("session_id", sessionID.String()),
		zap.String("started_by", userID.String()))

	// Tell the other party someone is waiting in the room. Best effort;
	// a push failure never fails the start.
	if s.notifier != nil {
		counterpartID := session.CounterpartID(userID)
		waitingName := session.PatientName
		if userID == session.ClinicianID {
			waitingName = session.ClinicianName
		}
		if err := s.notifier.SendConsultWaitingNotification(ctx, sessionID, waitingName, counterpartID); err != nil {
			logger.Warn("Failed to notify counterpart",
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
		}
	}

	return nil
}

// MarkCallEnded transitions a session to ended and records the final
// duration. Idempotent: once ended the stored duration never changes,
// and a later call with a different duration only logs the discrepancy.
func (s *Service) MarkCallEnded(ctx context.Context, sessionID, userID uuid.UUID, durationSeconds int) error {
	session, err := s.GetCallSession(ctx, sessionID, userID)
	if err != nil {
		return err
	}

	if durationSeconds < 0 {
		return apperrors.InvalidInputError("duration must not be negative")
	}

	ended, err := s.sessionRepo.MarkEnded(ctx, sessionID, s.now(), durationSeconds)
	if err != nil {
		return err
	}
	if !ended {
		if session.Status == domain.SessionEnded && session.DurationSeconds != durationSeconds {
			logger.Warn("Duplicate call end with differing duration, keeping first",
				zap.String("session_id", sessionID.String()),
				zap.Int("stored_duration", session.DurationSeconds),
				zap.Int("reported_duration", durationSeconds))
		}
		return nil
	}

	logger.Info("Consult call ended",
		zap.String("session_id", sessionID.String()),
		zap.String("ended_by", userID.String()),
		zap.Int("duration_seconds", durationSeconds))

	// The party that did not hang up gets a closing push. Best effort;
	// the session is already ended either way.
	if s.notifier != nil {
		counterpartID := session.CounterpartID(userID)
		if err := s.notifier.SendConsultEndedNotification(ctx, sessionID, int64(durationSeconds), counterpartID); err != nil {
			logger.Warn("Failed to notify counterpart of call end",
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
		}
	}

	return nil
}

// NegotiationRole tells a participant whether they create the WebRTC
// offer or wait to answer. Derived deterministically from the session
// so both sides always agree.
func (s *Service) NegotiationRole(session *domain.CallSession, userID uuid.UUID) string {
	if session.InitiatorID() == userID {
		return "initiator"
	}
	return "responder"
}

// GetCallHistory retrieves a participant's past and upcoming sessions
func (s *Service) GetCallHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	return s.sessionRepo.ListByUser(ctx, userID, limit, offset)
}
