package push

import (
	"context"
	"fmt"

	"teleconsult-backend/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Priority    string            `json:"priority,omitempty"` // high, normal, low
	Sound       string            `json:"sound,omitempty"`
	Badge       *int              `json:"badge,omitempty"`
	Category    string            `json:"category,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	Delete(ctx context.Context, tokenID uuid.UUID) error
	MarkInactive(ctx context.Context, tokenID uuid.UUID) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a new push notification token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		existing.Active = true
		existing.UpdatedAt = token.UpdatedAt
		existing.Platform = token.Platform
		return s.repo.Update(ctx, existing)
	}

	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a push notification token
func (s *Service) UnregisterToken(ctx context.Context, tokenID uuid.UUID) error {
	return s.repo.Delete(ctx, tokenID)
}

// GetTokenByValue looks up a registered token by its raw value
func (s *Service) GetTokenByValue(ctx context.Context, value string) (*Token, error) {
	return s.repo.GetByToken(ctx, value)
}

// GetTokensByUserID returns all tokens registered for a user
func (s *Service) GetTokensByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error) {
	return s.repo.GetByUserID(ctx, userID)
}

// SendConsultWaitingNotification tells the counterpart that the other
// participant has entered the consult room and is waiting for them.
func (s *Service) SendConsultWaitingNotification(ctx context.Context, sessionID uuid.UUID, waitingName string, counterpartID uuid.UUID) error {
	notification := &Notification{
		Title:    "Consultation Ready",
		Body:     fmt.Sprintf("%s has joined your video consultation and is waiting for you", waitingName),
		Priority: "high",
		Sound:    "default",
		Category: "CONSULT_WAITING",
		Data: map[string]string{
			"type":         "consult_waiting",
			"session_id":   sessionID.String(),
			"waiting_name": waitingName,
		},
	}

	tokens, err := s.activeTokensFor(ctx, counterpartID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		logger.Info("No active push tokens for counterpart",
			zap.String("session_id", sessionID.String()),
			zap.String("user_id", counterpartID.String()))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, tokens)
	if err != nil {
		logger.Error("Failed to send consult waiting notification",
			zap.String("session_id", sessionID.String()),
			zap.Int("token_count", len(tokens)),
			zap.Error(err))
		return fmt.Errorf("failed to send consult waiting notification: %w", err)
	}

	logger.Info("Consult waiting notification sent",
		zap.String("session_id", sessionID.String()),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	return nil
}

// SendConsultEndedNotification notifies a participant that the consultation has ended
func (s *Service) SendConsultEndedNotification(ctx context.Context, sessionID uuid.UUID, duration int64, participantID uuid.UUID) error {
	notification := &Notification{
		Title:    "Consultation Ended",
		Body:     fmt.Sprintf("Your video consultation has ended. Duration: %s", formatDuration(duration)),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":       "consult_ended",
			"session_id": sessionID.String(),
			"duration":   fmt.Sprintf("%d", duration),
		},
	}

	tokens, err := s.activeTokensFor(ctx, participantID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}

	result, err := s.provider.Send(ctx, notification, tokens)
	if err != nil {
		logger.Error("Failed to send consult ended notification",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
		return err
	}

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	return nil
}

// activeTokensFor collects the active token values for a user
func (s *Service) activeTokensFor(ctx context.Context, userID uuid.UUID) ([]string, error) {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		logger.Warn("Failed to get push tokens for user",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return nil, nil
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}
	return active, nil
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		token, err := s.repo.GetByToken(ctx, tokenStr)
		if err == nil && token != nil {
			if err := s.repo.MarkInactive(ctx, token.ID); err != nil {
				logger.Warn("Failed to mark token as inactive",
					zap.String("token_id", token.ID.String()),
					zap.Error(err))
			}
		}
	}
}

// formatDuration formats duration in seconds to human-readable format
func formatDuration(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	minutes = minutes % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	NotificationsSent int
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{
		SuccessCount: len(tokens),
	}, nil
}
