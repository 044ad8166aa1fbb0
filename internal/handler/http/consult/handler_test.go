package consult

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult-backend/internal/domain"
	consultService "teleconsult-backend/internal/service/consult"
	apperrors "teleconsult-backend/pkg/errors"
)

// stubSessionRepo serves one fixed session
type stubSessionRepo struct {
	session *domain.CallSession
}

func (s *stubSessionRepo) Create(ctx context.Context, session *domain.CallSession) error {
	return nil
}

func (s *stubSessionRepo) GetByID(ctx context.Context, sessionID uuid.UUID) (*domain.CallSession, error) {
	if s.session != nil && s.session.ID == sessionID {
		return s.session, nil
	}
	return nil, apperrors.SessionNotFoundError("session not found")
}

func (s *stubSessionRepo) GetByAppointmentID(ctx context.Context, appointmentID uuid.UUID) (*domain.CallSession, error) {
	return nil, apperrors.SessionNotFoundError("session not found")
}

func (s *stubSessionRepo) MarkStarted(ctx context.Context, sessionID uuid.UUID, startedAt time.Time) (bool, error) {
	return true, nil
}

func (s *stubSessionRepo) MarkEnded(ctx context.Context, sessionID uuid.UUID, endedAt time.Time, durationSeconds int) (bool, error) {
	return true, nil
}

func (s *stubSessionRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	return nil, nil
}

type fakeTranscripts struct {
	entries []*domain.TranscriptEntry
	limit   int
}

func (f *fakeTranscripts) GetBySession(sessionID uuid.UUID, limit int) ([]*domain.TranscriptEntry, error) {
	f.limit = limit
	return f.entries, nil
}

type fakePresence struct {
	inRoom []uuid.UUID
}

func (f *fakePresence) Present(ctx context.Context, roomID string) ([]uuid.UUID, error) {
	return f.inRoom, nil
}

func (f *fakePresence) Count(ctx context.Context, roomID string) (int64, error) {
	return int64(len(f.inRoom)), nil
}

func consultTestSession() *domain.CallSession {
	return &domain.CallSession{
		ID:            uuid.New(),
		AppointmentID: uuid.New(),
		RoomID:        uuid.New().String(),
		PatientID:     uuid.New(),
		PatientName:   "Ana Silva",
		ClinicianID:   uuid.New(),
		ClinicianName: "Dr. Reyes",
		ScheduledAt:   time.Now(),
		Status:        domain.SessionActive,
	}
}

func doRequest(t *testing.T, h *Handler, userID uuid.UUID, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set("user_id", userID) })
	router.GET("/v1/consults/:id/transcript", h.GetTranscript)
	router.GET("/v1/consults/:id/presence", h.GetPresence)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var envelope struct {
		Success bool                       `json:"success"`
		Data    map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.True(t, envelope.Success)
	return envelope.Data
}

func TestGetTranscript_ReturnsArchive(t *testing.T) {
	session := consultTestSession()
	transcripts := &fakeTranscripts{entries: []*domain.TranscriptEntry{
		{SessionID: session.ID, SenderID: session.PatientID, SenderName: "Ana Silva", Body: "hello"},
		{SessionID: session.ID, SenderID: session.ClinicianID, SenderName: "Dr. Reyes", Body: "hi"},
	}}
	svc := consultService.NewService(&stubSessionRepo{session: session}, nil)
	h := NewHandler(svc, transcripts, nil)

	w := doRequest(t, h, session.PatientID, "/v1/consults/"+session.ID.String()+"/transcript")

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)

	var messages []*domain.TranscriptEntry
	require.NoError(t, json.Unmarshal(data["messages"], &messages))
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Body)
	assert.Equal(t, 200, transcripts.limit)
}

func TestGetTranscript_ArchiveNotConfigured(t *testing.T) {
	session := consultTestSession()
	svc := consultService.NewService(&stubSessionRepo{session: session}, nil)
	h := NewHandler(svc, nil, nil)

	w := doRequest(t, h, session.ClinicianID, "/v1/consults/"+session.ID.String()+"/transcript")

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.JSONEq(t, `[]`, string(data["messages"]))
}

func TestGetTranscript_NotParticipant(t *testing.T) {
	session := consultTestSession()
	svc := consultService.NewService(&stubSessionRepo{session: session}, nil)
	h := NewHandler(svc, &fakeTranscripts{}, nil)

	w := doRequest(t, h, uuid.New(), "/v1/consults/"+session.ID.String()+"/transcript")

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetPresence_CounterpartWaiting(t *testing.T) {
	session := consultTestSession()
	presence := &fakePresence{inRoom: []uuid.UUID{session.ClinicianID}}
	svc := consultService.NewService(&stubSessionRepo{session: session}, nil)
	h := NewHandler(svc, nil, presence)

	w := doRequest(t, h, session.PatientID, "/v1/consults/"+session.ID.String()+"/presence")

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.JSONEq(t, `1`, string(data["count"]))
	assert.JSONEq(t, `true`, string(data["counterpart_present"]))
}

func TestGetPresence_EmptyRoom(t *testing.T) {
	session := consultTestSession()
	svc := consultService.NewService(&stubSessionRepo{session: session}, nil)
	h := NewHandler(svc, nil, &fakePresence{})

	w := doRequest(t, h, session.PatientID, "/v1/consults/"+session.ID.String()+"/presence")

	require.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.JSONEq(t, `0`, string(data["count"]))
	assert.JSONEq(t, `false`, string(data["counterpart_present"]))
}
