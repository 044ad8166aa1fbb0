package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TranscriptMessage is one rendered chat line
type TranscriptMessage struct {
	SenderID   uuid.UUID
	SenderName string
	Body       string
	ReceivedAt time.Time
	Own        bool
}

// Transcript is the locally held, append-ordered chat log. Sequence is
// arrival order; the two participants' transcripts may interleave the
// directions differently, which is accepted.
type Transcript struct {
	mu       sync.Mutex
	messages []TranscriptMessage
}

// Append adds a message in arrival order
func (t *Transcript) Append(msg TranscriptMessage) {
	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()
}

// Messages returns a copy of the transcript so far
func (t *Transcript) Messages() []TranscriptMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TranscriptMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}
