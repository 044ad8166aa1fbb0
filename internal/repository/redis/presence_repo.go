package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"teleconsult-backend/internal/database"
	"teleconsult-backend/pkg/constants"
)

// PresenceRepository tracks which participants are currently connected
// to a consult room. Entries are advisory; the in-memory registry is
// the source of truth for room membership.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func roomKey(roomID string) string {
	return fmt.Sprintf("consult:room:%s:present", roomID)
}

// MarkPresent records a participant as connected to a room
func (r *PresenceRepository) MarkPresent(ctx context.Context, roomID string, userID uuid.UUID) error {
	key := roomKey(roomID)

	err := r.client.SafeSAdd(ctx, key, userID.String()).Err()
	if err != nil {
		return fmt.Errorf("failed to mark present: %w", err)
	}

	// TTL guards against orphaned entries when an instance dies mid-call
	err = r.client.SafeExpire(ctx, key, constants.PresenceTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set presence ttl: %w", err)
	}

	return nil
}

// MarkAbsent removes a participant from a room's presence set
func (r *PresenceRepository) MarkAbsent(ctx context.Context, roomID string, userID uuid.UUID) error {
	err := r.client.SafeSRem(ctx, roomKey(roomID), userID.String()).Err()
	if err != nil {
		return fmt.Errorf("failed to mark absent: %w", err)
	}

	return nil
}

// Refresh extends the presence TTL (heartbeat)
func (r *PresenceRepository) Refresh(ctx context.Context, roomID string) error {
	err := r.client.SafeExpire(ctx, roomKey(roomID), constants.PresenceTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}

	return nil
}

// Present retrieves the participants currently marked in a room
func (r *PresenceRepository) Present(ctx context.Context, roomID string) ([]uuid.UUID, error) {
	userIDStrs, err := r.client.SafeSMembers(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get present participants: %w", err)
	}

	userIDs := make([]uuid.UUID, 0, len(userIDStrs))
	for _, idStr := range userIDStrs {
		userID, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		userIDs = append(userIDs, userID)
	}

	return userIDs, nil
}

// Count returns the number of participants marked in a room
func (r *PresenceRepository) Count(ctx context.Context, roomID string) (int64, error) {
	count, err := r.client.SafeSCard(ctx, roomKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count presence: %w", err)
	}
	return count, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
