package signal

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "teleconsult-backend/pkg/errors"
	"teleconsult-backend/pkg/metrics"
)

// fakeParticipant records delivered envelopes
type fakeParticipant struct {
	id   uuid.UUID
	name string

	mu       sync.Mutex
	received []*Envelope
	full     bool
}

func newFakeParticipant(name string) *fakeParticipant {
	return &fakeParticipant{id: uuid.New(), name: name}
}

func (f *fakeParticipant) ID() uuid.UUID       { return f.id }
func (f *fakeParticipant) DisplayName() string { return f.name }

func (f *fakeParticipant) Deliver(msg *Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.received = append(f.received, msg)
	return true
}

func (f *fakeParticipant) messages() []*Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Envelope, len(f.received))
	copy(out, f.received)
	return out
}

func TestJoin_FirstIsAlone(t *testing.T) {
	r := NewRegistry(nil)
	p := newFakeParticipant("Ana")

	peerPresent, err := r.Join("room-1", p)
	require.NoError(t, err)
	assert.False(t, peerPresent)
	assert.Equal(t, 1, r.ActiveRooms())
}

func TestJoin_SecondSeesPeerAndFirstIsNotified(t *testing.T) {
	r := NewRegistry(nil)
	first := newFakeParticipant("Ana")
	second := newFakeParticipant("Dr. Reyes")

	_, err := r.Join("room-1", first)
	require.NoError(t, err)

	peerPresent, err := r.Join("room-1", second)
	require.NoError(t, err)
	assert.True(t, peerPresent)

	msgs := first.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, TypePeerJoined, msgs[0].Type)
	assert.Equal(t, second.id, msgs[0].SenderID)
	assert.Equal(t, "Dr. Reyes", msgs[0].SenderName)
}

func TestJoin_ThirdIsRejected(t *testing.T) {
	r := NewRegistry(nil)
	first := newFakeParticipant("Ana")
	second := newFakeParticipant("Dr. Reyes")
	third := newFakeParticipant("Intruder")

	_, err := r.Join("room-1", first)
	require.NoError(t, err)
	_, err = r.Join("room-1", second)
	require.NoError(t, err)

	_, err = r.Join("room-1", third)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeRoomCapacityExceeded))

	// The two in the call are undisturbed
	assert.Len(t, r.Occupants("room-1"), 2)
	assert.Empty(t, second.messages())
}

func TestJoin_ConcurrentJoinsResolveDeterministically(t *testing.T) {
	// Run repeatedly; the room lock must always admit exactly two and
	// give exactly one of them peerPresent=true.
	for i := 0; i < 50; i++ {
		r := NewRegistry(nil)
		a := newFakeParticipant("Ana")
		b := newFakeParticipant("Dr. Reyes")

		results := make(chan bool, 2)
		var wg sync.WaitGroup
		for _, p := range []*fakeParticipant{a, b} {
			wg.Add(1)
			go func(p *fakeParticipant) {
				defer wg.Done()
				peerPresent, err := r.Join("room-1", p)
				require.NoError(t, err)
				results <- peerPresent
			}(p)
		}
		wg.Wait()
		close(results)

		var sawPeer, sawEmpty int
		for peerPresent := range results {
			if peerPresent {
				sawPeer++
			} else {
				sawEmpty++
			}
		}
		assert.Equal(t, 1, sawPeer, "exactly one joiner must see a peer")
		assert.Equal(t, 1, sawEmpty, "exactly one joiner must see an empty room")
	}
}

func TestJoin_SameUserReconnectReplacesConnection(t *testing.T) {
	r := NewRegistry(nil)
	first := newFakeParticipant("Ana")

	_, err := r.Join("room-1", first)
	require.NoError(t, err)

	// Same user, new connection handle
	reconnect := &fakeParticipant{id: first.id, name: first.name}
	peerPresent, err := r.Join("room-1", reconnect)
	require.NoError(t, err)
	assert.False(t, peerPresent)
	assert.Len(t, r.Occupants("room-1"), 1)
}

func TestRelay_ForwardsToPeerOnly(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeParticipant("Ana")
	b := newFakeParticipant("Dr. Reyes")

	r.Join("room-1", a)
	r.Join("room-1", b)

	payload := json.RawMessage(`{"sdp":"v=0..."}`)
	r.Relay("room-1", a.id, &Envelope{Payload: payload})

	bMsgs := b.messages()
	require.Len(t, bMsgs, 1)
	assert.Equal(t, TypeSignal, bMsgs[0].Type)
	assert.Equal(t, a.id, bMsgs[0].SenderID)
	assert.JSONEq(t, string(payload), string(bMsgs[0].Payload))

	// Sender got only the earlier peer_joined, not its own signal back
	for _, m := range a.messages() {
		assert.NotEqual(t, TypeSignal, m.Type)
	}
}

func TestRelay_AloneIsNoop(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeParticipant("Ana")

	r.Join("room-1", a)
	r.Relay("room-1", a.id, &Envelope{Payload: json.RawMessage(`{}`)})

	assert.Empty(t, a.messages())
}

func TestRelay_PreservesOrder(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeParticipant("Ana")
	b := newFakeParticipant("Dr. Reyes")

	r.Join("room-1", a)
	r.Join("room-1", b)

	for i := 0; i < 20; i++ {
		r.Relay("room-1", a.id, &Envelope{Payload: json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))})
	}

	var seqs []int
	for _, m := range b.messages() {
		if m.Type != TypeSignal {
			continue
		}
		var body struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(m.Payload, &body))
		seqs = append(seqs, body.Seq)
	}

	require.Len(t, seqs, 20)
	for i, seq := range seqs {
		assert.Equal(t, i, seq)
	}
}

func TestChat_EchoesToSender(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeParticipant("Ana")
	b := newFakeParticipant("Dr. Reyes")

	r.Join("room-1", a)
	r.Join("room-1", b)

	msg := r.Chat("room-1", a, "hello doctor")
	require.NotNil(t, msg)
	assert.Equal(t, "hello doctor", msg.Body)

	var aChats, bChats int
	for _, m := range a.messages() {
		if m.Type == TypeChatMessage {
			aChats++
			assert.Equal(t, a.id, m.SenderID)
		}
	}
	for _, m := range b.messages() {
		if m.Type == TypeChatMessage {
			bChats++
		}
	}
	assert.Equal(t, 1, aChats, "sender receives its own chat as receipt")
	assert.Equal(t, 1, bChats)
}

func TestLeave_NotifiesRemainderAndDestroysEmptyRoom(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeParticipant("Ana")
	b := newFakeParticipant("Dr. Reyes")

	r.Join("room-1", a)
	r.Join("room-1", b)

	r.Leave("room-1", a.id)

	var leftNotices int
	for _, m := range b.messages() {
		if m.Type == TypePeerLeft {
			leftNotices++
			assert.Equal(t, a.id, m.SenderID)
		}
	}
	assert.Equal(t, 1, leftNotices)
	assert.Equal(t, 1, r.ActiveRooms())

	r.Leave("room-1", b.id)
	assert.Equal(t, 0, r.ActiveRooms())

	// Leaving twice is harmless
	r.Leave("room-1", b.id)
}

func TestRelay_FullPeerBufferDropsMessage(t *testing.T) {
	r := NewRegistry(nil)
	a := newFakeParticipant("Ana")
	b := newFakeParticipant("Dr. Reyes")
	b.full = true

	r.Join("room-1", a)
	r.Join("room-1", b)

	// Must not panic or block
	r.Relay("room-1", a.id, &Envelope{Payload: json.RawMessage(`{}`)})
	assert.Empty(t, b.messages())
}

func TestConcurrentJoinLeaveWithMetrics(t *testing.T) {
	// The room gauge reads the room count under the registry lock while
	// Leave's empty-room cleanup nests the room lock inside the registry
	// lock. With metrics enabled, churning joins and leaves across rooms
	// must never wedge on lock ordering.
	r := NewRegistry(metrics.NewMetrics("signal-registry-test"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				roomID := fmt.Sprintf("room-%d", w%4)
				p := newFakeParticipant(fmt.Sprintf("user-%d", w))
				for i := 0; i < 2000; i++ {
					r.Join(roomID, p)
					r.ActiveRooms()
					r.Leave(roomID, p.ID())
				}
			}(w)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		assert.Equal(t, 0, r.ActiveRooms())
	case <-time.After(30 * time.Second):
		t.Fatal("join/leave churn stalled")
	}
}
