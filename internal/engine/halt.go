package engine

import (
	"log/slog"
	"sync"
)

// haltRegistry records conversations stopped by an invariant violation.
type haltRegistry struct {
	mu     sync.RWMutex
	halted map[string]error
}

func newHaltRegistry() *haltRegistry {
	return &haltRegistry{halted: make(map[string]error)}
}

// Halt stops a conversation. The first recorded cause wins.
func (h *haltRegistry) Halt(convID string, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.halted[convID]; ok {
		return
	}
	h.halted[convID] = cause

	slog.Error("conversation halted",
		"conversation_id", convID,
		"error", cause,
		"event", "invariant_violation",
	)
}

// Check returns a CONVERSATION_HALTED error if convID is halted.
func (h *haltRegistry) Check(convID string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if cause, ok := h.halted[convID]; ok {
		return NewHaltedError(convID, cause)
	}
	return nil
}

// Resume clears a halt. Returns false if the conversation was not halted.
func (h *haltRegistry) Resume(convID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.halted[convID]; !ok {
		return false
	}
	delete(h.halted, convID)
	slog.Info("conversation resumed", "conversation_id", convID)
	return true
}

// List returns halted conversation IDs with their causes.
func (h *haltRegistry) List() map[string]error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]error, len(h.halted))
	for k, v := range h.halted {
		out[k] = v
	}
	return out
}
