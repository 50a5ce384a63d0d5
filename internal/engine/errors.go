package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while serving a conversation.
//
// Runtime errors include:
//   - Contention: sequence allocation retries exhausted
//   - Unknown conversation: no participant record for the conversation
//   - Gap replay failure: the store could not supply a missed range
//   - Invariant violation: sequences or cursors are inconsistent
//
// RuntimeError includes structured fields for diagnostics and recovery.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// ConversationID identifies the affected conversation.
	ConversationID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeContention indicates sequence allocation lost every retry.
	// The caller should retry the whole send.
	ErrCodeContention RuntimeErrorCode = "CONTENTION"

	// ErrCodeUnknownConversation indicates the conversation has no record.
	ErrCodeUnknownConversation RuntimeErrorCode = "UNKNOWN_CONVERSATION"

	// ErrCodeGapReplayFailure indicates missed messages could not be read.
	// The subscriber must resubscribe.
	ErrCodeGapReplayFailure RuntimeErrorCode = "GAP_REPLAY_FAILURE"

	// ErrCodeInvariantViolation indicates corrupted ordering or cursor state.
	ErrCodeInvariantViolation RuntimeErrorCode = "INVARIANT_VIOLATION"

	// ErrCodeHalted indicates the conversation is halted after an invariant violation.
	ErrCodeHalted RuntimeErrorCode = "CONVERSATION_HALTED"

	// ErrCodeNotParticipant indicates the caller is not a member of the conversation.
	ErrCodeNotParticipant RuntimeErrorCode = "NOT_PARTICIPANT"

	// ErrCodeAckOutOfRange indicates an acknowledgement beyond the latest sequence.
	ErrCodeAckOutOfRange RuntimeErrorCode = "ACK_OUT_OF_RANGE"

	// ErrCodeInvalidMessage indicates the submitted content failed validation.
	ErrCodeInvalidMessage RuntimeErrorCode = "INVALID_MESSAGE"

	// ErrCodeRateLimited indicates the sender exceeded the send quota.
	ErrCodeRateLimited RuntimeErrorCode = "RATE_LIMITED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.ConversationID != "" {
		return fmt.Sprintf("%s: %s (conversation=%s)", e.Code, msg, e.ConversationID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// CodeOf returns the RuntimeErrorCode carried by err, or "" if err is not
// a RuntimeError. Uses errors.As to handle wrapped errors.
func CodeOf(err error) RuntimeErrorCode {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsContention returns true if the error is an allocation contention error.
func IsContention(err error) bool {
	return CodeOf(err) == ErrCodeContention
}

// IsUnknownConversation returns true if the error is an unknown conversation error.
func IsUnknownConversation(err error) bool {
	return CodeOf(err) == ErrCodeUnknownConversation
}

// IsGapReplayFailure returns true if the error is a gap replay failure.
func IsGapReplayFailure(err error) bool {
	return CodeOf(err) == ErrCodeGapReplayFailure
}

// IsInvariantViolation returns true if the error is an invariant violation.
func IsInvariantViolation(err error) bool {
	return CodeOf(err) == ErrCodeInvariantViolation
}

// IsHalted returns true if the conversation was halted.
func IsHalted(err error) bool {
	return CodeOf(err) == ErrCodeHalted
}

// NewContentionError creates a RuntimeError for exhausted allocation retries.
func NewContentionError(convID string, attempts int, cause error) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeContention,
		Message:        fmt.Sprintf("sequence allocation failed after %d attempts", attempts),
		ConversationID: convID,
		Details:        map[string]string{"attempts": fmt.Sprintf("%d", attempts)},
		Err:            cause,
	}
}

// NewUnknownConversationError creates a RuntimeError for a missing conversation.
func NewUnknownConversationError(convID string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeUnknownConversation,
		Message:        "conversation has no participant record",
		ConversationID: convID,
		Err:            cause,
	}
}

// NewGapReplayError creates a RuntimeError for a failed range read.
func NewGapReplayError(convID string, after, through int64, cause error) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeGapReplayFailure,
		Message:        fmt.Sprintf("replay of (%d, %d] failed", after, through),
		ConversationID: convID,
		Details: map[string]string{
			"after":   fmt.Sprintf("%d", after),
			"through": fmt.Sprintf("%d", through),
		},
		Err: cause,
	}
}

// NewInvariantError creates a RuntimeError for inconsistent state.
func NewInvariantError(convID, message string) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeInvariantViolation,
		Message:        message,
		ConversationID: convID,
	}
}

// NewHaltedError wraps the violation that halted a conversation.
func NewHaltedError(convID string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeHalted,
		Message:        "conversation halted pending operator resume",
		ConversationID: convID,
		Err:            cause,
	}
}

// NewNotParticipantError creates a RuntimeError for a non-member caller.
func NewNotParticipantError(convID, participantID string) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeNotParticipant,
		Message:        fmt.Sprintf("%s is not a participant", participantID),
		ConversationID: convID,
		Details:        map[string]string{"participant_id": participantID},
	}
}

// NewAckOutOfRangeError creates a RuntimeError for an ack beyond the log.
func NewAckOutOfRangeError(convID string, seq, latest int64) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeAckOutOfRange,
		Message:        fmt.Sprintf("acknowledged seq %d exceeds latest %d", seq, latest),
		ConversationID: convID,
		Details: map[string]string{
			"seq":    fmt.Sprintf("%d", seq),
			"latest": fmt.Sprintf("%d", latest),
		},
	}
}

// NewInvalidMessageError creates a RuntimeError for rejected content.
func NewInvalidMessageError(convID string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:           ErrCodeInvalidMessage,
		Message:        "message rejected",
		ConversationID: convID,
		Err:            cause,
	}
}
