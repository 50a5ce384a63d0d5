package client

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/convsync/internal/ir"
)

// Pending is a message shown before the server has confirmed it.
type Pending struct {
	ClientID       string
	ConversationID string
	PeerID         string
	Content        ir.Content
	ReplyTo        string
	Status         ir.Status // sending or failed
	Error          string
	QueuedAt       time.Time
}

// Overlay holds optimistic sends keyed by client ID.
//
// A pending entry starts as sending. The server's sent frame removes it;
// an error frame for its client ID marks it failed until retried or
// discarded.
type Overlay struct {
	mu      sync.Mutex
	pending map[string]*Pending
	now     func() time.Time
}

// NewOverlay creates an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{pending: make(map[string]*Pending), now: time.Now}
}

// Add records p as sending. Adding an existing client ID resets it to
// sending, which is how a failed send is retried.
func (o *Overlay) Add(p Pending) Pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	p.Status = ir.StatusSending
	p.Error = ""
	if p.QueuedAt.IsZero() {
		p.QueuedAt = o.now()
	}
	o.pending[p.ClientID] = &p
	return p
}

// Confirm removes the entry acknowledged by msg. Returns false if the
// client ID was not pending.
func (o *Overlay) Confirm(msg ir.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pending[msg.ClientID]; !ok {
		return false
	}
	delete(o.pending, msg.ClientID)
	return true
}

// Fail marks clientID failed with reason.
func (o *Overlay) Fail(clientID, reason string) (Pending, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[clientID]
	if !ok {
		return Pending{}, false
	}
	p.Status = ir.StatusFailed
	p.Error = reason
	return *p, true
}

// Discard forgets clientID.
func (o *Overlay) Discard(clientID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, clientID)
}

// Get returns the pending entry for clientID.
func (o *Overlay) Get(clientID string) (Pending, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[clientID]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// Sending returns the entries still awaiting a server answer, oldest first.
func (o *Overlay) Sending() []Pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Pending
	for _, p := range o.pending {
		if p.Status == ir.StatusSending {
			out = append(out, *p)
		}
	}
	sortPending(out)
	return out
}

// Merge appends convID's pending entries to the server messages, skipping
// any whose client ID the server already returned. Pending entries carry
// Seq 0 and the overlay status.
func (o *Overlay) Merge(convID, sender string, server []ir.Message) []ir.Message {
	confirmed := make(map[string]bool, len(server))
	for _, m := range server {
		if m.ClientID != "" {
			confirmed[m.ClientID] = true
		}
	}

	o.mu.Lock()
	var local []Pending
	for _, p := range o.pending {
		if p.ConversationID == convID && !confirmed[p.ClientID] {
			local = append(local, *p)
		}
	}
	o.mu.Unlock()
	sortPending(local)

	out := make([]ir.Message, 0, len(server)+len(local))
	out = append(out, server...)
	for _, p := range local {
		out = append(out, ir.Message{
			ClientID:       p.ClientID,
			ConversationID: p.ConversationID,
			SenderID:       sender,
			CreatedAt:      p.QueuedAt,
			Content:        p.Content,
			ReplyTo:        p.ReplyTo,
			Status:         p.Status,
		})
	}
	return out
}

func sortPending(ps []Pending) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].QueuedAt.Equal(ps[j].QueuedAt) {
			return ps[i].QueuedAt.Before(ps[j].QueuedAt)
		}
		return ps[i].ClientID < ps[j].ClientID
	})
}
