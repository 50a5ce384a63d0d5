package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/convsync/internal/ir"
)

// Connection is one client transport session for one participant.
//
// A participant may hold several connections (devices, tabs); each
// connection watches its own set of conversations.
type Connection struct {
	ID          string
	Participant string

	sink   Sink
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*stream
	closed  bool
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Closed reports whether the connection has been released.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Conversations returns the watched conversation IDs in ascending order.
func (c *Connection) Conversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// stream is the delivery state of one (connection, conversation) pair.
//
// mu serializes replay and live delivery so the connection sees each
// sequence exactly once, in order. last is the highest sequence handed to
// the sink and never decreases. A stream is pending until its first replay
// completes; live pushes skip pending streams because the replay reads the
// latest sequence after the watch is registered. detached is atomic because Close may run on the goroutine that
// already holds mu (a failed delivery closes its own connection).
type stream struct {
	convID string
	conn   *Connection

	mu       sync.Mutex
	last     int64
	ready    bool
	detached atomic.Bool
}

// SubscriptionManager tracks open connections and what they watch.
//
// One instance exists per Engine. All methods are safe for concurrent use.
// lastSeen holds the time each participant's last connection closed; it is
// process-local and starts empty.
type SubscriptionManager struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	byConv   map[string]map[string]*stream
	byUser   map[string]map[string]*Connection
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewSubscriptionManager creates an empty manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		conns:    make(map[string]*Connection),
		byConv:   make(map[string]map[string]*stream),
		byUser:   make(map[string]map[string]*Connection),
		lastSeen: make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open registers a connection for participant.
// Returns an error if connID is already open.
func (m *SubscriptionManager) Open(connID, participant string, sink Sink) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[connID]; ok {
		return nil, fmt.Errorf("connection %s already open", connID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		ID:          connID,
		Participant: participant,
		sink:        sink,
		ctx:         ctx,
		cancel:      cancel,
		streams:     make(map[string]*stream),
	}

	m.conns[connID] = conn
	if m.byUser[participant] == nil {
		m.byUser[participant] = make(map[string]*Connection)
	}
	m.byUser[participant][connID] = conn

	slog.Debug("connection opened", "conn_id", connID, "participant", participant)
	return conn, nil
}

// Get returns an open connection.
func (m *SubscriptionManager) Get(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

// Watch registers interest of connID in convID and returns its stream.
// Watching an already watched conversation returns the existing stream.
func (m *SubscriptionManager) Watch(connID, convID string) (*stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", connID, ErrSinkClosed)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if st, ok := conn.streams[convID]; ok {
		return st, nil
	}

	st := &stream{convID: convID, conn: conn}
	conn.streams[convID] = st
	if m.byConv[convID] == nil {
		m.byConv[convID] = make(map[string]*stream)
	}
	m.byConv[convID][connID] = st

	return st, nil
}

// Unwatch stops delivery of convID to connID. No-op if not watched.
func (m *SubscriptionManager) Unwatch(connID, convID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	conn.mu.Lock()
	st, ok := conn.streams[convID]
	delete(conn.streams, convID)
	conn.mu.Unlock()
	m.removeStreamLocked(connID, convID)
	m.mu.Unlock()

	if ok {
		st.detach()
	}
}

// Close releases the connection and every watch it holds.
// Returns false if the connection was not open.
func (m *SubscriptionManager) Close(connID string) bool {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.conns, connID)
	if users := m.byUser[conn.Participant]; users != nil {
		delete(users, connID)
		if len(users) == 0 {
			delete(m.byUser, conn.Participant)
			m.lastSeen[conn.Participant] = m.now()
		}
	}

	conn.mu.Lock()
	conn.closed = true
	streams := make([]*stream, 0, len(conn.streams))
	for convID, st := range conn.streams {
		streams = append(streams, st)
		m.removeStreamLocked(connID, convID)
	}
	conn.streams = make(map[string]*stream)
	conn.mu.Unlock()
	m.mu.Unlock()

	conn.cancel()
	for _, st := range streams {
		st.detach()
	}

	slog.Debug("connection closed", "conn_id", connID, "participant", conn.Participant)
	return true
}

func (m *SubscriptionManager) removeStreamLocked(connID, convID string) {
	if watchers := m.byConv[convID]; watchers != nil {
		delete(watchers, connID)
		if len(watchers) == 0 {
			delete(m.byConv, convID)
		}
	}
}

// Watchers returns the streams watching convID, ordered by connection ID.
func (m *SubscriptionManager) Watchers(convID string) []*stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	watchers := m.byConv[convID]
	out := make([]*stream, 0, len(watchers))
	for _, st := range watchers {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].conn.ID < out[j].conn.ID })
	return out
}

// ConnectionsFor returns the participant's open connections ordered by ID.
func (m *SubscriptionManager) ConnectionsFor(participant string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := m.byUser[participant]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Presence reports whether participant has an open connection and, if not,
// when their last one closed.
func (m *SubscriptionManager) Presence(participant string) ir.Presence {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := ir.Presence{Participant: participant, Online: len(m.byUser[participant]) > 0}
	if !p.Online {
		if seen, ok := m.lastSeen[participant]; ok {
			p.LastSeen = &seen
		}
	}
	return p
}

// Count returns the number of open connections.
func (m *SubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// detach marks the stream dead; later deliveries on it are dropped.
func (s *stream) detach() {
	s.detached.Store(true)
}

// live reports whether the stream still delivers.
func (s *stream) live() bool {
	return !s.detached.Load()
}
