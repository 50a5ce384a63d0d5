package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			switch event.Type {
			case TraceStep:
				fmt.Fprintf(&buf, "  [%d] %s as=%s conn=%s conversation=%s seq=%d -> %s\n",
					event.Index, event.Do, event.As, event.Conn, event.Conversation, event.Seq, event.Outcome)
			case TraceFrame:
				fmt.Fprintf(&buf, "  [%d]   %s <- %s %s seq=%d\n",
					event.Index, event.Conn, event.Frame, event.Conversation, event.Seq)
			}
		}
	}

	return buf.String()
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx    context.Context
	Engine *engine.Engine
	Store  *store.Store

	// Conversations maps scenario refs to conversation IDs.
	Conversations map[string]string

	// Frames holds every frame each named connection received.
	Frames map[string][]engine.Outbound
}

func (a *AssertionContext) conversationID(ref string) string {
	if id, ok := a.Conversations[ref]; ok {
		return id
	}
	return ref
}

// assertReceived checks the message sequences a connection received for
// one conversation, in delivery order, across all of its sessions.
func assertReceived(actx *AssertionContext, trace []TraceEvent, assertion Assertion) error {
	convID := actx.conversationID(assertion.Conversation)

	got := []int64{}
	for _, out := range actx.Frames[assertion.Conn] {
		if out.Type == engine.OutboundMessage && out.Message.ConversationID == convID {
			got = append(got, out.Message.Seq)
		}
	}

	want := assertion.Seqs
	if want == nil {
		want = []int64{}
	}
	if !slices.Equal(got, want) {
		return &AssertionError{
			Type:     AssertReceived,
			Expected: fmt.Sprintf("%s received %s seqs %v", assertion.Conn, assertion.Conversation, want),
			Actual:   fmt.Sprintf("received %v", got),
			Trace:    trace,
		}
	}
	return nil
}

// assertStatus checks a message's status from its sender's point of view.
func assertStatus(actx *AssertionContext, trace []TraceEvent, assertion Assertion) error {
	convID := actx.conversationID(assertion.Conversation)

	msgs, err := actx.Engine.Range(actx.Ctx, assertion.As, convID, assertion.Seq-1, assertion.Seq)
	if err != nil {
		return fmt.Errorf("status assertion: read seq %d: %w", assertion.Seq, err)
	}
	if len(msgs) != 1 {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("message %d in %s", assertion.Seq, assertion.Conversation),
			Actual:   "message not found",
			Trace:    trace,
		}
	}

	if got := string(msgs[0].Status); got != assertion.Status {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("message %d in %s is %s", assertion.Seq, assertion.Conversation, assertion.Status),
			Actual:   got,
			Trace:    trace,
		}
	}
	return nil
}

// assertUnread checks a participant's unread count.
func assertUnread(actx *AssertionContext, trace []TraceEvent, assertion Assertion) error {
	summary, err := actx.Engine.Summary(actx.Ctx, assertion.As, actx.conversationID(assertion.Conversation))
	if err != nil {
		return fmt.Errorf("unread assertion: %w", err)
	}
	if summary.Unread != assertion.Count {
		return &AssertionError{
			Type:     AssertUnread,
			Expected: fmt.Sprintf("%s has %d unread in %s", assertion.As, assertion.Count, assertion.Conversation),
			Actual:   fmt.Sprintf("%d unread", summary.Unread),
			Trace:    trace,
		}
	}
	return nil
}

// assertCursor checks a participant's stored cursors.
func assertCursor(actx *AssertionContext, trace []TraceEvent, assertion Assertion) error {
	cur, err := actx.Store.Cursor(actx.Ctx, actx.conversationID(assertion.Conversation), assertion.As)
	if err != nil {
		return fmt.Errorf("cursor assertion: %w", err)
	}

	if assertion.Delivered != nil && cur.Delivered != *assertion.Delivered {
		return &AssertionError{
			Type:     AssertCursor,
			Expected: fmt.Sprintf("%s delivered cursor = %d", assertion.As, *assertion.Delivered),
			Actual:   fmt.Sprintf("delivered = %d", cur.Delivered),
			Trace:    trace,
		}
	}
	if assertion.Read != nil && cur.Read != *assertion.Read {
		return &AssertionError{
			Type:     AssertCursor,
			Expected: fmt.Sprintf("%s read cursor = %d", assertion.As, *assertion.Read),
			Actual:   fmt.Sprintf("read = %d", cur.Read),
			Trace:    trace,
		}
	}
	return nil
}

// assertLatestSeq checks a conversation's latest sequence.
func assertLatestSeq(actx *AssertionContext, trace []TraceEvent, assertion Assertion) error {
	latest, err := actx.Store.LatestSeq(actx.Ctx, actx.conversationID(assertion.Conversation))
	if err != nil {
		return fmt.Errorf("latest_seq assertion: %w", err)
	}
	if latest != assertion.Seq {
		return &AssertionError{
			Type:     AssertLatestSeq,
			Expected: fmt.Sprintf("%s latest_seq = %d", assertion.Conversation, assertion.Seq),
			Actual:   fmt.Sprintf("latest_seq = %d", latest),
			Trace:    trace,
		}
	}
	return nil
}

// assertHealthy runs store verification over every conversation.
func assertHealthy(actx *AssertionContext, assertion Assertion) error {
	states, err := actx.Store.Verify(actx.Ctx)
	if err != nil {
		return fmt.Errorf("healthy assertion: %w", err)
	}
	var violations []string
	for _, s := range states {
		for _, v := range s.Violations {
			violations = append(violations, fmt.Sprintf("%s %s: %s", v.ConversationID, v.Kind, v.Detail))
		}
	}
	if len(violations) > 0 {
		return &AssertionError{
			Type:     AssertHealthy,
			Expected: "no integrity violations",
			Actual:   strings.Join(violations, "; "),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		if actx == nil || actx.Engine == nil || actx.Store == nil {
			errors = append(errors, fmt.Sprintf("assertion[%d]: %s requires an engine context", i, assertion.Type))
			continue
		}

		switch assertion.Type {
		case AssertReceived:
			err = assertReceived(actx, result.Trace, assertion)
		case AssertStatus:
			err = assertStatus(actx, result.Trace, assertion)
		case AssertUnread:
			err = assertUnread(actx, result.Trace, assertion)
		case AssertCursor:
			err = assertCursor(actx, result.Trace, assertion)
		case AssertLatestSeq:
			err = assertLatestSeq(actx, result.Trace, assertion)
		case AssertHealthy:
			err = assertHealthy(actx, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
