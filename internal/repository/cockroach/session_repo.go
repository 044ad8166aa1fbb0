package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"teleconsult-backend/internal/domain"
	apperrors "teleconsult-backend/pkg/errors"
)

// SessionRepository handles consult session persistence
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create creates a new consult session record
func (r *SessionRepository) Create(ctx context.Context, session *domain.CallSession) error {
	query := `
		INSERT INTO call_sessions (
			id, appointment_id, room_id,
			patient_id, patient_name, clinician_id, clinician_name,
			scheduled_at, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		session.ID,
		session.AppointmentID,
		session.RoomID,
		session.PatientID,
		session.PatientName,
		session.ClinicianID,
		session.ClinicianName,
		session.ScheduledAt,
		session.Status,
		session.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByID retrieves a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT id, appointment_id, room_id,
		       patient_id, patient_name, clinician_id, clinician_name,
		       scheduled_at, status, started_at, ended_at, duration_seconds,
		       created_at, updated_at
		FROM call_sessions
		WHERE id = $1
	`

	session := &domain.CallSession{}
	err := r.pool.QueryRow(ctx, query, sessionID).Scan(
		&session.ID,
		&session.AppointmentID,
		&session.RoomID,
		&session.PatientID,
		&session.PatientName,
		&session.ClinicianID,
		&session.ClinicianName,
		&session.ScheduledAt,
		&session.Status,
		&session.StartedAt,
		&session.EndedAt,
		&session.DurationSeconds,
		&session.CreatedAt,
		&session.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.SessionNotFoundError("session not found")
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// GetByAppointmentID retrieves a session by its booking appointment
func (r *SessionRepository) GetByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT id, appointment_id, room_id,
		       patient_id, patient_name, clinician_id, clinician_name,
		       scheduled_at, status, started_at, ended_at, duration_seconds,
		       created_at, updated_at
		FROM call_sessions
		WHERE appointment_id = $1
	`

	session := &domain.CallSession{}
	err := r.pool.QueryRow(ctx, query, appointmentID).Scan(
		&session.ID,
		&session.AppointmentID,
		&session.RoomID,
		&session.PatientID,
		&session.PatientName,
		&session.ClinicianID,
		&session.ClinicianName,
		&session.ScheduledAt,
		&session.Status,
		&session.StartedAt,
		&session.EndedAt,
		&session.DurationSeconds,
		&session.CreatedAt,
		&session.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.SessionNotFoundError("session not found")
		}
		return nil, fmt.Errorf("failed to get session by appointment: %w", err)
	}

	return session, nil
}

// MarkStarted transitions a waiting session to active. The status guard
// in the WHERE clause makes concurrent calls race-safe: exactly one
// caller flips the row, later calls affect zero rows.
func (r *SessionRepository) MarkStarted(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) (bool, error) {
	query := `
		UPDATE call_sessions
		SET status = 'active', started_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'waiting'
	`

	tag, err := r.pool.Exec(ctx, query, sessionID, startedAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark session started: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// MarkEnded transitions a session to ended and records the final
// duration. Once ended, the row never changes again.
func (r *SessionRepository) MarkEnded(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, durationSeconds int) (bool, error) {
	query := `
		UPDATE call_sessions
		SET status = 'ended', ended_at = $2, duration_seconds = $3, updated_at = NOW()
		WHERE id = $1 AND status != 'ended'
	`

	tag, err := r.pool.Exec(ctx, query, sessionID, endedAt, durationSeconds)
	if err != nil {
		return false, fmt.Errorf("failed to mark session ended: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// ListByUser retrieves sessions where the user is a participant,
// newest first
func (r *SessionRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	query := `
		SELECT id, appointment_id, room_id,
		       patient_id, patient_name, clinician_id, clinician_name,
		       scheduled_at, status, started_at, ended_at, duration_seconds,
		       created_at, updated_at
		FROM call_sessions
		WHERE patient_id = $1 OR clinician_id = $1
		ORDER BY scheduled_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.CallSession
	for rows.Next() {
		session := &domain.CallSession{}
		err := rows.Scan(
			&session.ID,
			&session.AppointmentID,
			&session.RoomID,
			&session.PatientID,
			&session.PatientName,
			&session.ClinicianID,
			&session.ClinicianName,
			&session.ScheduledAt,
			&session.Status,
			&session.StartedAt,
			&session.EndedAt,
			&session.DurationSeconds,
			&session.CreatedAt,
			&session.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}
