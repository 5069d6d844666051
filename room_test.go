package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockMember implements Member for room tests.
type mockMember struct {
	id      string
	sendErr error
	// hook runs once, on the first SendFrame, outside the frame lock so it
	// may call back into the registry.
	hook   func()
	record func(id string)

	mu     sync.Mutex
	frames [][]byte
}

func (m *mockMember) ID() string { return m.id }

func (m *mockMember) SendFrame(data []byte) error {
	if h := m.hook; h != nil {
		m.hook = nil
		h()
	}
	if m.record != nil {
		m.record(m.id)
	}
	if m.sendErr != nil {
		return m.sendErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, data)
	return nil
}

func (m *mockMember) received() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

// decodeEvent decodes one wire frame as a membership event.
func decodeEvent(t *testing.T, frame []byte) roomEvent {
	t.Helper()

	msg, rest, err := ExtractFrame(frame)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Empty(t, rest)

	var evt roomEvent
	require.NoError(t, json.Unmarshal(msg.Payload.JSON, &evt))
	return evt
}

// lastEvent decodes the member's most recent frame as a membership event.
func (m *mockMember) lastEvent(t *testing.T) roomEvent {
	t.Helper()

	frames := m.received()
	require.NotEmpty(t, frames)
	return decodeEvent(t, frames[len(frames)-1])
}

func TestRoomRegistry_JoinIsIdempotent(t *testing.T) {
	rr := NewRoomRegistry(nil)
	a := &mockMember{id: "a"}

	require.NoError(t, rr.Join(a, "r"))
	require.NoError(t, rr.Join(a, "r"))

	room, ok := rr.GetRoom("r")
	require.True(t, ok)
	assert.Equal(t, 1, room.Len())
	assert.Empty(t, a.received(), "rejoin must not notify anyone")
}

func TestRoomRegistry_JoinNotifiesOthersOnly(t *testing.T) {
	rr := NewRoomRegistry(nil)
	a := &mockMember{id: "a"}
	b := &mockMember{id: "b"}

	require.NoError(t, rr.Join(a, "r"))
	assert.Empty(t, a.received(), "sole member has no one to notify")

	require.NoError(t, rr.Join(b, "r"))

	evt := a.lastEvent(t)
	assert.Equal(t, eventJoined, evt.Event)
	assert.Equal(t, "r", evt.Room)
	assert.Equal(t, "b", evt.ClientID)

	assert.Empty(t, b.received(), "the joiner is excluded from its own join event")
}

func TestRoomRegistry_LastLeaveDeletesRoom(t *testing.T) {
	rr := NewRoomRegistry(nil)
	a := &mockMember{id: "a"}

	require.NoError(t, rr.Join(a, "r"))
	require.NoError(t, rr.Leave("a", "r"))

	_, ok := rr.GetRoom("r")
	assert.False(t, ok, "room must be deleted synchronously with its last member")
	assert.Zero(t, rr.Len())
}

func TestRoomRegistry_LeaveNotJoinedIsNoop(t *testing.T) {
	rr := NewRoomRegistry(nil)
	a := &mockMember{id: "a"}

	require.NoError(t, rr.Join(a, "r"))

	assert.NoError(t, rr.Leave("stranger", "r"))
	assert.NoError(t, rr.Leave("a", "never-existed"))

	room, ok := rr.GetRoom("r")
	require.True(t, ok)
	assert.Equal(t, 1, room.Len())
}

func TestRoomRegistry_LeaveNotifiesRemaining(t *testing.T) {
	rr := NewRoomRegistry(nil)
	a := &mockMember{id: "a"}
	b := &mockMember{id: "b"}

	require.NoError(t, rr.Join(a, "r"))
	require.NoError(t, rr.Join(b, "r"))
	require.NoError(t, rr.Leave("b", "r"))

	evt := a.lastEvent(t)
	assert.Equal(t, eventLeft, evt.Event)
	assert.Equal(t, "b", evt.ClientID)
}

func TestRoomRegistry_InvalidRoomName(t *testing.T) {
	rr := NewRoomRegistry(nil)
	a := &mockMember{id: "a"}

	long := make([]byte, 65)
	for i := range long {
		long[i] = 'x'
	}

	for _, name := range []string{"", string(long)} {
		err := rr.Join(a, name)
		ae, ok := asApplicationError(err)
		require.True(t, ok, "name of %d bytes", len(name))
		assert.Equal(t, CodeInvalidRoomName, ae.Code)
	}
	assert.Zero(t, rr.Len())
}

func TestRoomRegistry_MultipleMemberships(t *testing.T) {
	rr := NewRoomRegistry(nil)
	a := &mockMember{id: "a"}

	require.NoError(t, rr.Join(a, "r1"))
	require.NoError(t, rr.Join(a, "r2"))
	require.NoError(t, rr.Join(a, "r3"))

	assert.True(t, rr.IsMember("a", "r1"))
	assert.True(t, rr.IsMember("a", "r2"))
	assert.True(t, rr.IsMember("a", "r3"))
	assert.False(t, rr.IsMember("a", "r4"))
	assert.Equal(t, 3, rr.Len())
}

func TestRoomRegistry_LeaveAll(t *testing.T) {
	rr := NewRoomRegistry(nil)
	a := &mockMember{id: "a"}
	b := &mockMember{id: "b"}

	require.NoError(t, rr.Join(a, "r1"))
	require.NoError(t, rr.Join(a, "r2"))
	require.NoError(t, rr.Join(b, "r2"))

	rr.LeaveAll("a")

	assert.False(t, rr.IsMember("a", "r1"))
	assert.False(t, rr.IsMember("a", "r2"))

	_, ok := rr.GetRoom("r1")
	assert.False(t, ok, "r1 emptied, must be gone")

	room, ok := rr.GetRoom("r2")
	require.True(t, ok)
	assert.Equal(t, 1, room.Len())

	evt := b.lastEvent(t)
	assert.Equal(t, eventLeft, evt.Event)
	assert.Equal(t, "a", evt.ClientID)

	// Repeat cleanup for an already-gone connection is harmless.
	rr.LeaveAll("a")
}

func TestRoom_BroadcastIsolation(t *testing.T) {
	rr := NewRoomRegistry(nil)
	a := &mockMember{id: "a"}
	b := &mockMember{id: "b", sendErr: errors.New("socket gone")}
	c := &mockMember{id: "c"}

	require.NoError(t, rr.Join(a, "r"))
	require.NoError(t, rr.Join(b, "r"))
	require.NoError(t, rr.Join(c, "r"))

	room, ok := rr.GetRoom("r")
	require.True(t, ok)

	before, beforeC := len(a.received()), len(c.received())
	require.NoError(t, room.Broadcast(TypeMessage, []byte("payload"), ""))

	assert.Len(t, a.received(), before+1, "a failing member must not block delivery to a")
	assert.Len(t, c.received(), beforeC+1, "a failing member must not block delivery to c")
	assert.Equal(t, 3, room.Len(), "broadcast failure does not evict the member")
}

func TestRoom_BroadcastExcludesSender(t *testing.T) {
	rr := NewRoomRegistry(nil)
	a := &mockMember{id: "a"}
	b := &mockMember{id: "b"}

	require.NoError(t, rr.Join(a, "r"))
	require.NoError(t, rr.Join(b, "r"))

	room, _ := rr.GetRoom("r")
	beforeA := len(a.received())
	require.NoError(t, room.Broadcast(TypeMessage, []byte("x"), "a"))

	assert.Len(t, a.received(), beforeA, "excluded member must not receive")
	assert.NotEmpty(t, b.received())
}

func TestRoom_BroadcastDeterministicOrder(t *testing.T) {
	rr := NewRoomRegistry(nil)

	var mu sync.Mutex
	var order []string
	record := func(id string) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}

	// Join in scrambled order; delivery follows identities.
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, rr.Join(&mockMember{id: id, record: record}, "r"))
	}

	order = order[:0] // drop join notifications
	room, _ := rr.GetRoom("r")
	require.NoError(t, room.Broadcast(TypeMessage, []byte("x"), ""))

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

// A member that leaves while the broadcast loop is running, but was part of
// the membership snapshot, still receives the frame.
func TestRoom_SnapshottedLeaverStillReceives(t *testing.T) {
	rr := NewRoomRegistry(nil)
	b := &mockMember{id: "b"}
	c := &mockMember{id: "c"}
	a := &mockMember{id: "a", hook: func() {
		require.NoError(t, rr.Leave("c", "r"))
	}}

	require.NoError(t, rr.Join(a, "r"))
	require.NoError(t, rr.Join(b, "r"))
	require.NoError(t, rr.Join(c, "r"))

	room, _ := rr.GetRoom("r")
	beforeC := len(c.received())
	require.NoError(t, room.Broadcast(TypeMessage, []byte("x"), ""))

	assert.False(t, rr.IsMember("c", "r"))
	assert.Len(t, c.received(), beforeC+1, "snapshotted leaver still receives the broadcast")

	bFrames := b.received()
	require.GreaterOrEqual(t, len(bFrames), 2)
	evt := decodeEvent(t, bFrames[len(bFrames)-2])
	assert.Equal(t, eventLeft, evt.Event)
	assert.Equal(t, "c", evt.ClientID)
}
