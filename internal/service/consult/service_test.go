package consult

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"teleconsult-backend/internal/domain"
	apperrors "teleconsult-backend/pkg/errors"
)

// MockSessionRepository is a mock implementation of SessionRepository
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Create(ctx context.Context, session *domain.CallSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockSessionRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionRepository) GetByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, appointmentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockSessionRepository) MarkStarted(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) (bool, error) {
	args := m.Called(ctx, sessionID, startedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionRepository) MarkEnded(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, durationSeconds int) (bool, error) {
	args := m.Called(ctx, sessionID, endedAt, durationSeconds)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.CallSession), args.Error(1)
}

// MockNotifier is a mock implementation of Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendConsultWaitingNotification(ctx context.Context, sessionID uuid.UUID, waitingName string, counterpartID uuid.UUID) error {
	args := m.Called(ctx, sessionID, waitingName, counterpartID)
	return args.Error(0)
}

func (m *MockNotifier) SendConsultEndedNotification(ctx context.Context, sessionID uuid.UUID, duration int64, participantID uuid.UUID) error {
	args := m.Called(ctx, sessionID, duration, participantID)
	return args.Error(0)
}

func newTestSession(scheduledAt time.Time) *domain.CallSession {
	return &domain.CallSession{
		ID:            uuid.New(),
		AppointmentID: uuid.New(),
		RoomID:        uuid.New().String(),
		PatientID:     uuid.New(),
		PatientName:   "Ana Silva",
		ClinicianID:   uuid.New(),
		ClinicianName: "Dr. Reyes",
		ScheduledAt:   scheduledAt,
		Status:        domain.SessionWaiting,
	}
}

func TestGetCallSession_Participant(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	session := newTestSession(time.Now())
	repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	got, err := svc.GetCallSession(context.Background(), session.ID, session.PatientID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	repo.AssertExpectations(t)
}

func TestGetCallSession_NotParticipant(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	session := newTestSession(time.Now())
	repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	_, err := svc.GetCallSession(context.Background(), session.ID, uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotAuthorized))
}

func TestGetCallSession_NotFound(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	sessionID := uuid.New()
	repo.On("GetByID", mock.Anything, sessionID).Return(nil, apperrors.SessionNotFoundError("session not found"))

	_, err := svc.GetCallSession(context.Background(), sessionID, uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeSessionNotFound))
}

func TestAuthorizeJoin_InsideWindow(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	scheduled := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	session := newTestSession(scheduled)
	repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	// 5 minutes before the scheduled start, within the early-join margin
	svc.now = func() time.Time { return scheduled.Add(-5 * time.Minute) }

	got, err := svc.AuthorizeJoin(context.Background(), session.ID, session.ClinicianID)
	require.NoError(t, err)
	assert.Equal(t, session.RoomID, got.RoomID)
}

func TestAuthorizeJoin_WindowBoundaries(t *testing.T) {
	scheduled := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		now     time.Time
		allowed bool
	}{
		{"too early", scheduled.Add(-11 * time.Minute), false},
		{"exactly window start", scheduled.Add(-10 * time.Minute), true},
		{"exactly scheduled", scheduled, true},
		{"exactly window end", scheduled.Add(30 * time.Minute), true},
		{"too late", scheduled.Add(31 * time.Minute), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := new(MockSessionRepository)
			svc := NewService(repo, nil)

			session := newTestSession(scheduled)
			repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)
			svc.now = func() time.Time { return tc.now }

			_, err := svc.AuthorizeJoin(context.Background(), session.ID, session.PatientID)
			if tc.allowed {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, apperrors.Is(err, apperrors.ErrCodeOutsideJoinWindow))
			}
		})
	}
}

func TestAuthorizeJoin_EndedSession(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	session := newTestSession(time.Now())
	session.Status = domain.SessionEnded
	repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	_, err := svc.AuthorizeJoin(context.Background(), session.ID, session.PatientID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeSessionEnded))
}

func TestMarkCallStarted_NotifiesCounterpart(t *testing.T) {
	repo := new(MockSessionRepository)
	notifier := new(MockNotifier)
	svc := NewService(repo, notifier)

	session := newTestSession(time.Now())
	repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	repo.On("MarkStarted", mock.Anything, session.ID, mock.Anything).Return(true, nil)
	notifier.On("SendConsultWaitingNotification", mock.Anything, session.ID, session.PatientName, session.ClinicianID).Return(nil)

	err := svc.MarkCallStarted(context.Background(), session.ID, session.PatientID)
	require.NoError(t, err)

	repo.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestMarkCallStarted_AlreadyActive(t *testing.T) {
	repo := new(MockSessionRepository)
	notifier := new(MockNotifier)
	svc := NewService(repo, notifier)

	session := newTestSession(time.Now())
	session.Status = domain.SessionActive
	repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	repo.On("MarkStarted", mock.Anything, session.ID, mock.Anything).Return(false, nil)

	err := svc.MarkCallStarted(context.Background(), session.ID, session.ClinicianID)
	require.NoError(t, err)

	// No push for a start that changed nothing
	notifier.AssertNotCalled(t, "SendConsultWaitingNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkCallStarted_EndedSession(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	session := newTestSession(time.Now())
	session.Status = domain.SessionEnded
	repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	err := svc.MarkCallStarted(context.Background(), session.ID, session.PatientID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeSessionEnded))

	repo.AssertNotCalled(t, "MarkStarted", mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkCallEnded(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	session := newTestSession(time.Now())
	session.Status = domain.SessionActive
	repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	repo.On("MarkEnded", mock.Anything, session.ID, mock.Anything, 754).Return(true, nil)

	err := svc.MarkCallEnded(context.Background(), session.ID, session.PatientID, 754)
	require.NoError(t, err)

	repo.AssertExpectations(t)
}

func TestMarkCallEnded_NotifiesCounterpart(t *testing.T) {
	repo := new(MockSessionRepository)
	notifier := new(MockNotifier)
	svc := NewService(repo, notifier)

	session := newTestSession(time.Now())
	session.Status = domain.SessionActive
	repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	repo.On("MarkEnded", mock.Anything, session.ID, mock.Anything, 754).Return(true, nil)
	notifier.On("SendConsultEndedNotification", mock.Anything, session.ID, int64(754), session.ClinicianID).Return(nil)

	err := svc.MarkCallEnded(context.Background(), session.ID, session.PatientID, 754)
	require.NoError(t, err)

	notifier.AssertExpectations(t)
}

func TestMarkCallEnded_Idempotent(t *testing.T) {
	repo := new(MockSessionRepository)
	notifier := new(MockNotifier)
	svc := NewService(repo, notifier)

	session := newTestSession(time.Now())
	session.Status = domain.SessionEnded
	session.DurationSeconds = 754
	repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	repo.On("MarkEnded", mock.Anything, session.ID, mock.Anything, 760).Return(false, nil)

	// Second end with a slightly different duration succeeds without
	// overwriting the stored value
	err := svc.MarkCallEnded(context.Background(), session.ID, session.ClinicianID, 760)
	require.NoError(t, err)

	// No push for an end that changed nothing
	notifier.AssertNotCalled(t, "SendConsultEndedNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkCallEnded_NegativeDuration(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	session := newTestSession(time.Now())
	repo.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	err := svc.MarkCallEnded(context.Background(), session.ID, session.PatientID, -1)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
}

func TestCreateSession_IdempotentPerAppointment(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	existing := newTestSession(time.Now().Add(time.Hour))
	repo.On("GetByAppointmentID", mock.Anything, existing.AppointmentID).Return(existing, nil)

	got, err := svc.CreateSession(context.Background(), &CreateSessionInput{
		AppointmentID: existing.AppointmentID,
		PatientID:     existing.PatientID,
		PatientName:   existing.PatientName,
		ClinicianID:   existing.ClinicianID,
		ClinicianName: existing.ClinicianName,
		ScheduledAt:   existing.ScheduledAt,
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)

	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCreateSession_New(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	appointmentID := uuid.New()
	repo.On("GetByAppointmentID", mock.Anything, appointmentID).Return(nil, apperrors.SessionNotFoundError("session not found"))
	repo.On("Create", mock.Anything, mock.MatchedBy(func(s *domain.CallSession) bool {
		return s.AppointmentID == appointmentID && s.Status == domain.SessionWaiting && s.RoomID != ""
	})).Return(nil)

	got, err := svc.CreateSession(context.Background(), &CreateSessionInput{
		AppointmentID: appointmentID,
		PatientID:     uuid.New(),
		PatientName:   "Ana Silva",
		ClinicianID:   uuid.New(),
		ClinicianName: "Dr. Reyes",
		ScheduledAt:   time.Now().Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionWaiting, got.Status)

	repo.AssertExpectations(t)
}

func TestCreateSession_SameUser(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	userID := uuid.New()
	_, err := svc.CreateSession(context.Background(), &CreateSessionInput{
		AppointmentID: uuid.New(),
		PatientID:     userID,
		ClinicianID:   userID,
		ScheduledAt:   time.Now(),
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
}

func TestNegotiationRole(t *testing.T) {
	svc := NewService(new(MockSessionRepository), nil)
	session := newTestSession(time.Now())

	assert.Equal(t, "initiator", svc.NegotiationRole(session, session.PatientID))
	assert.Equal(t, "responder", svc.NegotiationRole(session, session.ClinicianID))
}

func TestGetCallHistory_LimitClamping(t *testing.T) {
	repo := new(MockSessionRepository)
	svc := NewService(repo, nil)

	userID := uuid.New()
	repo.On("ListByUser", mock.Anything, userID, 20, 0).Return([]*domain.CallSession{}, nil).Once()
	repo.On("ListByUser", mock.Anything, userID, 100, 0).Return([]*domain.CallSession{}, nil).Once()

	_, err := svc.GetCallHistory(context.Background(), userID, 0, 0)
	require.NoError(t, err)

	_, err = svc.GetCallHistory(context.Background(), userID, 500, 0)
	require.NoError(t, err)

	repo.AssertExpectations(t)
}
