package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// SendQuota limits how many messages a participant may send per window.
//
// Each participant has a fixed window that starts with their first send;
// the counter resets once the window has elapsed. A limit of 0 disables
// the quota.
//
// Thread-safety: SendQuota is safe for concurrent use.
type SendQuota struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*sendWindow
}

type sendWindow struct {
	start time.Time
	count int
}

// NewSendQuota creates a quota of limit sends per window.
func NewSendQuota(limit int, window time.Duration) *SendQuota {
	return &SendQuota{
		limit:   limit,
		window:  window,
		windows: make(map[string]*sendWindow),
	}
}

// Check counts one send for participant at now.
// Returns RateLimitError if the participant is over the limit.
func (q *SendQuota) Check(participant string, now time.Time) error {
	if q == nil || q.limit <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	w, ok := q.windows[participant]
	if !ok || now.Sub(w.start) >= q.window {
		w = &sendWindow{start: now}
		q.windows[participant] = w
	}

	w.count++
	if w.count > q.limit {
		return &RateLimitError{
			Participant: participant,
			Count:       w.count,
			Limit:       q.limit,
			RetryAfter:  w.start.Add(q.window).Sub(now),
		}
	}
	return nil
}

// Reset clears the participant's window.
func (q *SendQuota) Reset(participant string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.windows, participant)
}

// Current returns the participant's count in the active window.
// Used for logging and diagnostics.
func (q *SendQuota) Current(participant string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.windows[participant]; ok {
		return w.count
	}
	return 0
}

// Limit returns the configured sends per window.
func (q *SendQuota) Limit() int {
	return q.limit
}

// RateLimitError is returned when a participant exceeds the send quota.
type RateLimitError struct {
	Participant string
	Count       int
	Limit       int
	RetryAfter  time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("participant %s exceeded send quota: %d sends > %d limit (retry after %s)",
		e.Participant, e.Count, e.Limit, e.RetryAfter)
}

// IsRateLimited returns true if the error is a RateLimitError.
// Uses errors.As to handle wrapped errors.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
