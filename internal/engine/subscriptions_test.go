package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionManager_OpenDuplicate(t *testing.T) {
	m := NewSubscriptionManager()

	_, err := m.Open("c1", "alice", &recordingSink{})
	require.NoError(t, err)
	_, err = m.Open("c1", "alice", &recordingSink{})
	assert.Error(t, err)
	assert.Equal(t, 1, m.Count())
}

func TestSubscriptionManager_WatchIsIdempotent(t *testing.T) {
	m := NewSubscriptionManager()
	_, err := m.Open("c1", "alice", &recordingSink{})
	require.NoError(t, err)

	st1, err := m.Watch("c1", "conv")
	require.NoError(t, err)
	st2, err := m.Watch("c1", "conv")
	require.NoError(t, err)

	assert.Same(t, st1, st2)
	assert.Len(t, m.Watchers("conv"), 1)
}

func TestSubscriptionManager_WatchUnknownConnection(t *testing.T) {
	m := NewSubscriptionManager()
	_, err := m.Watch("missing", "conv")
	assert.ErrorIs(t, err, ErrSinkClosed)
}

func TestSubscriptionManager_WatchersOrdered(t *testing.T) {
	m := NewSubscriptionManager()
	for _, id := range []string{"c3", "c1", "c2"} {
		_, err := m.Open(id, "p-"+id, &recordingSink{})
		require.NoError(t, err)
		_, err = m.Watch(id, "conv")
		require.NoError(t, err)
	}

	var ids []string
	for _, st := range m.Watchers("conv") {
		ids = append(ids, st.conn.ID)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids)
}

func TestSubscriptionManager_Unwatch(t *testing.T) {
	m := NewSubscriptionManager()
	conn, err := m.Open("c1", "alice", &recordingSink{})
	require.NoError(t, err)
	st, err := m.Watch("c1", "conv")
	require.NoError(t, err)

	m.Unwatch("c1", "conv")

	assert.False(t, st.live())
	assert.Empty(t, m.Watchers("conv"))
	assert.Empty(t, conn.Conversations())

	// No-ops
	m.Unwatch("c1", "conv")
	m.Unwatch("missing", "conv")
}

func TestSubscriptionManager_Close(t *testing.T) {
	m := NewSubscriptionManager()
	conn, err := m.Open("c1", "alice", &recordingSink{})
	require.NoError(t, err)
	_, err = m.Open("c2", "alice", &recordingSink{})
	require.NoError(t, err)

	a, err := m.Watch("c1", "conv-a")
	require.NoError(t, err)
	b, err := m.Watch("c1", "conv-b")
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-a", "conv-b"}, conn.Conversations())

	require.True(t, m.Close("c1"))

	assert.True(t, conn.Closed())
	assert.Error(t, conn.Context().Err())
	assert.False(t, a.live())
	assert.False(t, b.live())
	assert.Empty(t, m.Watchers("conv-a"))
	assert.Len(t, m.ConnectionsFor("alice"), 1)
	assert.False(t, m.Close("c1"))
}

func TestSubscriptionManager_ConnectionsFor(t *testing.T) {
	m := NewSubscriptionManager()
	for _, id := range []string{"c2", "c1"} {
		_, err := m.Open(id, "alice", &recordingSink{})
		require.NoError(t, err)
	}
	_, err := m.Open("c3", "bob", &recordingSink{})
	require.NoError(t, err)

	conns := m.ConnectionsFor("alice")
	require.Len(t, conns, 2)
	assert.Equal(t, "c1", conns[0].ID)
	assert.Equal(t, "c2", conns[1].ID)
	assert.Empty(t, m.ConnectionsFor("carol"))
}

func TestSubscriptionManager_Presence(t *testing.T) {
	m := NewSubscriptionManager()
	closedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return closedAt }

	p := m.Presence("alice")
	assert.False(t, p.Online)
	assert.Nil(t, p.LastSeen)

	_, err := m.Open("c1", "alice", &recordingSink{})
	require.NoError(t, err)
	_, err = m.Open("c2", "alice", &recordingSink{})
	require.NoError(t, err)
	assert.True(t, m.Presence("alice").Online)

	// Still online while another device is connected
	m.Close("c1")
	p = m.Presence("alice")
	assert.True(t, p.Online)
	assert.Nil(t, p.LastSeen)

	m.Close("c2")
	p = m.Presence("alice")
	assert.False(t, p.Online)
	require.NotNil(t, p.LastSeen)
	assert.Equal(t, closedAt, *p.LastSeen)

	// Reconnecting hides the stale last-seen time
	_, err = m.Open("c3", "alice", &recordingSink{})
	require.NoError(t, err)
	p = m.Presence("alice")
	assert.True(t, p.Online)
	assert.Nil(t, p.LastSeen)
}
