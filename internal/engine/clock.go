package engine

import "time"

// Clock supplies server time for message timestamps.
//
// Timestamps are display data only. Ordering always comes from sequence
// numbers, so a clock that jumps backwards cannot reorder a conversation.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
