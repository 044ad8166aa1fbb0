package cassandra

import (
	"fmt"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"teleconsult-backend/internal/domain"
)

// TranscriptRepository archives in-call chat messages in Cassandra.
// Writes are best effort; losing a transcript entry never fails the call.
type TranscriptRepository struct {
	session *gocql.Session
}

// NewTranscriptRepository creates a new TranscriptRepository
func NewTranscriptRepository(session *gocql.Session) *TranscriptRepository {
	return &TranscriptRepository{session: session}
}

// Save inserts a chat message into the transcript table
func (r *TranscriptRepository) Save(message *domain.ChatMessage) error {
	query := `
		INSERT INTO chat_transcripts (
			session_id, message_id, sender_id, sender_name, body, sent_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		message.SessionID,
		gocql.TimeUUID(),
		message.SenderID,
		message.SenderName,
		message.Body,
		message.SentAt,
	).Exec()

	if err != nil {
		return fmt.Errorf("failed to save transcript entry: %w", err)
	}

	return nil
}

// GetBySession retrieves the archived transcript for a session in
// chronological order
func (r *TranscriptRepository) GetBySession(sessionID uuid.UUID, limit int) ([]*domain.TranscriptEntry, error) {
	query := `
		SELECT session_id, message_id, sender_id, sender_name, body, sent_at
		FROM chat_transcripts
		WHERE session_id = ?
		ORDER BY message_id ASC
		LIMIT ?
	`

	iter := r.session.Query(query, sessionID, limit).Iter()

	var entries []*domain.TranscriptEntry

	for {
		entry := &domain.TranscriptEntry{}
		var messageID gocql.UUID
		if !iter.Scan(
			&entry.SessionID,
			&messageID,
			&entry.SenderID,
			&entry.SenderName,
			&entry.Body,
			&entry.SentAt,
		) {
			break
		}
		entry.MessageID = messageID.String()
		entries = append(entries, entry)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to fetch transcript: %w", err)
	}

	return entries, nil
}
