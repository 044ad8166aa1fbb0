package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"teleconsult-backend/internal/domain"
	apperrors "teleconsult-backend/pkg/errors"
)

// SessionInfo is the participant view of a session as served by the
// consult API
type SessionInfo struct {
	domain.CallSession
	Role            string    `json:"role"`
	CounterpartName string    `json:"counterpart_name"`
	JoinWindowStart time.Time `json:"join_window_start"`
	JoinWindowEnd   time.Time `json:"join_window_end"`
}

// ConsultAPI is the session registry surface the controller depends on
type ConsultAPI interface {
	FetchSession(ctx context.Context, sessionID uuid.UUID) (*SessionInfo, error)
	MarkStarted(ctx context.Context, sessionID uuid.UUID) error
	MarkEnded(ctx context.Context, sessionID uuid.UUID, durationSeconds int) error
}

// APIClient talks to the consult REST API
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient creates a REST client authenticated with a bearer token
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// apiEnvelope mirrors the server's response wrapper
type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// FetchSession retrieves session metadata including negotiation role
func (c *APIClient) FetchSession(ctx context.Context, sessionID uuid.UUID) (*SessionInfo, error) {
	var info SessionInfo
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/consults/%s", sessionID), nil, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// MarkStarted records the call start. Safe to repeat.
func (c *APIClient) MarkStarted(ctx context.Context, sessionID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/consults/%s/start", sessionID), struct{}{}, nil)
}

// MarkEnded records the call end with the locally measured duration
func (c *APIClient) MarkEnded(ctx context.Context, sessionID uuid.UUID, durationSeconds int) error {
	body := map[string]int{"duration_seconds": durationSeconds}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/consults/%s/end", sessionID), body, nil)
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.ConnectionFailedError("consult API unreachable: " + err.Error())
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return apperrors.ConnectionFailedError(
			fmt.Sprintf("malformed consult API response (%d): %v", resp.StatusCode, err))
	}

	if !envelope.Success {
		if envelope.Error != nil {
			return apperrors.NewWithStatus(
				apperrors.ErrorCode(envelope.Error.Code), envelope.Error.Message, resp.StatusCode)
		}
		return apperrors.ConnectionFailedError(fmt.Sprintf("consult API error (%d)", resp.StatusCode))
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return apperrors.ConnectionFailedError("malformed consult API payload: " + err.Error())
		}
	}
	return nil
}
