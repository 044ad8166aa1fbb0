package consult

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"teleconsult-backend/internal/domain"
	"teleconsult-backend/internal/service/consult"
	"teleconsult-backend/pkg/logger"
	"teleconsult-backend/pkg/response"
)

// TranscriptReader serves archived in-call chat for a session
type TranscriptReader interface {
	GetBySession(sessionID uuid.UUID, limit int) ([]*domain.TranscriptEntry, error)
}

// PresenceReader reports who is currently connected to a consult room
type PresenceReader interface {
	Present(ctx context.Context, roomID string) ([]uuid.UUID, error)
	Count(ctx context.Context, roomID string) (int64, error)
}

// Handler handles consult session HTTP requests
type Handler struct {
	consultService *consult.Service
	transcripts    TranscriptReader
	presence       PresenceReader
}

// NewHandler creates a new consult handler. transcripts and presence may
// be nil when those stores are not configured.
func NewHandler(consultService *consult.Service, transcripts TranscriptReader, presence PresenceReader) *Handler {
	return &Handler{
		consultService: consultService,
		transcripts:    transcripts,
		presence:       presence,
	}
}

// CreateSessionRequest represents session provisioning data for a booking
type CreateSessionRequest struct {
	AppointmentID string    `json:"appointment_id" binding:"required,uuid"`
	PatientID     string    `json:"patient_id" binding:"required,uuid"`
	PatientName   string    `json:"patient_name" binding:"required"`
	ClinicianID   string    `json:"clinician_id" binding:"required,uuid"`
	ClinicianName string    `json:"clinician_name" binding:"required"`
	ScheduledAt   time.Time `json:"scheduled_at" binding:"required"`
}

// SessionResponse is the session view returned to a participant. The
// negotiation role and join window are computed server-side so both
// parties always agree on who creates the offer.
type SessionResponse struct {
	*domain.CallSession
	Role            string    `json:"role"`
	CounterpartName string    `json:"counterpart_name"`
	JoinWindowStart time.Time `json:"join_window_start"`
	JoinWindowEnd   time.Time `json:"join_window_end"`
}

// CreateSession provisions a consult session for an appointment
// POST /v1/consults
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	appointmentID, err := uuid.Parse(req.AppointmentID)
	if err != nil {
		response.ValidationError(c, "Invalid appointment ID")
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		response.ValidationError(c, "Invalid patient ID")
		return
	}
	clinicianID, err := uuid.Parse(req.ClinicianID)
	if err != nil {
		response.ValidationError(c, "Invalid clinician ID")
		return
	}

	session, err := h.consultService.CreateSession(c.Request.Context(), &consult.CreateSessionInput{
		AppointmentID: appointmentID,
		PatientID:     patientID,
		PatientName:   req.PatientName,
		ClinicianID:   clinicianID,
		ClinicianName: req.ClinicianName,
		ScheduledAt:   req.ScheduledAt,
	})
	if err != nil {
		logger.Error("Failed to provision consult session",
			zap.String("appointment_id", req.AppointmentID),
			zap.Error(err))
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, session)
}

// GetSession retrieves a session for a participant
// GET /v1/consults/:id
func (h *Handler) GetSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	session, err := h.consultService.GetCallSession(c.Request.Context(), sessionID, userID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, &SessionResponse{
		CallSession:     session,
		Role:            h.consultService.NegotiationRole(session, userID),
		CounterpartName: session.CounterpartName(userID),
		JoinWindowStart: session.WindowStart(),
		JoinWindowEnd:   session.WindowEnd(),
	})
}

// StartCall marks the session active. Idempotent; repeating it on an
// active session succeeds without side effects.
// POST /v1/consults/:id/start
func (h *Handler) StartCall(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.consultService.MarkCallStarted(c.Request.Context(), sessionID, userID); err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message":    "Call started",
		"session_id": sessionID,
	})
}

// EndCallRequest carries the caller-reported call duration
type EndCallRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

// EndCall marks the session ended and records the final duration
// POST /v1/consults/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req EndCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.consultService.MarkCallEnded(c.Request.Context(), sessionID, userID, req.DurationSeconds); err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message":    "Call ended",
		"session_id": sessionID,
	})
}

// GetTranscript returns the archived chat of a session the caller took
// part in. Sessions recorded while the archive was down yield an empty
// transcript.
// GET /v1/consults/:id/transcript?limit=200
func (h *Handler) GetTranscript(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	// Participant check happens through the service so non-participants
	// get the same answer whether or not the session exists
	if _, err := h.consultService.GetCallSession(c.Request.Context(), sessionID, userID); err != nil {
		response.FromAppError(c, err)
		return
	}

	entries := []*domain.TranscriptEntry{}
	if h.transcripts != nil {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
		if limit <= 0 || limit > 1000 {
			limit = 200
		}

		entries, err = h.transcripts.GetBySession(sessionID, limit)
		if err != nil {
			logger.Error("Failed to fetch transcript",
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
			response.FromAppError(c, err)
			return
		}
	}

	response.Success(c, http.StatusOK, gin.H{
		"messages": entries,
		"count":    len(entries),
	})
}

// GetPresence reports who is in the consult room right now, so a waiting
// screen can show whether the counterpart has arrived before this side
// connects.
// GET /v1/consults/:id/presence
func (h *Handler) GetPresence(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	session, err := h.consultService.GetCallSession(c.Request.Context(), sessionID, userID)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	participants := []uuid.UUID{}
	var count int64
	if h.presence != nil {
		participants, err = h.presence.Present(c.Request.Context(), session.RoomID)
		if err != nil {
			logger.Warn("Failed to read presence",
				zap.String("session_id", sessionID.String()),
				zap.Error(err))
			response.FromAppError(c, err)
			return
		}
		count, err = h.presence.Count(c.Request.Context(), session.RoomID)
		if err != nil {
			count = int64(len(participants))
		}
	}

	counterpartPresent := false
	for _, id := range participants {
		if id != userID {
			counterpartPresent = true
			break
		}
	}

	response.Success(c, http.StatusOK, gin.H{
		"participants":        participants,
		"count":               count,
		"counterpart_present": counterpartPresent,
	})
}

// GetHistory lists the caller's past and upcoming sessions
// GET /v1/consults/history?limit=20&offset=0
func (h *Handler) GetHistory(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	sessions, err := h.consultService.GetCallHistory(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.FromAppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// currentUserID extracts the authenticated user from the gin context.
// Writes the error response itself when missing.
func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
