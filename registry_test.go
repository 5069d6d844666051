package relay

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopFrameHandler() Option {
	return OnFrameOption(func(*Conn, *ParsedMessage) error { return nil })
}

func TestConnectionRegistry_RegisterAssignsUniqueIDs(t *testing.T) {
	reg := NewConnectionRegistry(nil)

	s1, c1 := createTestTCPPair(t)
	defer s1.Close()
	defer c1.Close()
	s2, c2 := createTestTCPPair(t)
	defer s2.Close()
	defer c2.Close()

	conn1, err := reg.Register(s1, noopFrameHandler())
	require.NoError(t, err)
	conn2, err := reg.Register(s2, noopFrameHandler())
	require.NoError(t, err)

	assert.NotEmpty(t, conn1.ID())
	assert.NotEqual(t, conn1.ID(), conn2.ID())
	assert.Equal(t, 2, reg.Len())
}

func TestConnectionRegistry_GetAndRemove(t *testing.T) {
	reg := NewConnectionRegistry(nil)

	s, c := createTestTCPPair(t)
	defer s.Close()
	defer c.Close()

	conn, err := reg.Register(s, noopFrameHandler())
	require.NoError(t, err)

	got, ok := reg.Get(conn.ID())
	require.True(t, ok)
	assert.Same(t, conn, got)

	reg.Remove(conn.ID())
	_, ok = reg.Get(conn.ID())
	assert.False(t, ok)
	assert.Zero(t, reg.Len())

	// Removing an unknown id is a no-op.
	reg.Remove("no-such-id")
}

func TestConnectionRegistry_RegisterRejectsBadOptions(t *testing.T) {
	reg := NewConnectionRegistry(nil)

	s, c := createTestTCPPair(t)
	defer s.Close()
	defer c.Close()

	_, err := reg.Register(s) // no frame handler
	assert.ErrorIs(t, err, ErrInvalidOnFrame)
	assert.Zero(t, reg.Len())
}

func TestConnectionRegistry_Snapshot(t *testing.T) {
	reg := NewConnectionRegistry(nil)

	s, c := createTestTCPPair(t)
	defer s.Close()
	defer c.Close()

	conn, err := reg.Register(s, noopFrameHandler())
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Same(t, conn, snap[0])
}

func TestConnectionRegistry_CloseAll(t *testing.T) {
	reg := NewConnectionRegistry(nil)

	s, c := createTestTCPPair(t)
	defer c.Close()

	_, err := reg.Register(s, noopFrameHandler())
	require.NoError(t, err)

	reg.CloseAll()

	// The peer observes the socket teardown.
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = c.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}
