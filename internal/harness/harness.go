package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/store"
	"github.com/roach88/convsync/internal/testutil"
)

// harnessRetry keeps delivery and allocation retries short; scenarios run
// single-threaded, so contention never actually occurs.
var harnessRetry = engine.RetryPolicy{
	MaxRetries:      2,
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
}

// Harness is the test execution engine.
// It runs scenarios against a real engine with a deterministic clock and
// sequential IDs.
type Harness struct {
	store    *store.Store
	engine   *engine.Engine
	notifier *lossyNotifier
	logger   *slog.Logger

	convs map[string]string    // ref -> conversation ID
	refs  map[string]string    // conversation ID -> ref
	conns map[string]*recorder // connection name -> recorder
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh database in a temporary directory.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Create fresh database and engine
// 2. Create the declared conversations
// 3. Execute flow steps with expect validation, draining after each
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "convsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "harness.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	notifier := &lossyNotifier{}
	eng := engine.New(st,
		engine.WithClock(testutil.NewDeterministicClock()),
		engine.WithIDGenerator(testutil.NewSequentialIDGenerator("id")),
		engine.WithNotifier(notifier),
		engine.WithAllocatorRetry(harnessRetry),
		engine.WithDeliveryRetry(harnessRetry),
	)
	notifier.engine = eng
	defer eng.Stop()

	h := &Harness{
		store:    st,
		engine:   eng,
		notifier: notifier,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		convs:    make(map[string]string),
		refs:     make(map[string]string),
		conns:    make(map[string]*recorder),
	}

	ctx := context.Background()
	result := NewResult()

	if err := h.executeSetup(ctx, scenario.Conversations, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{
		Ctx:           ctx,
		Engine:        eng,
		Store:         st,
		Conversations: h.convs,
		Frames:        h.frames(),
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

// executeSetup creates the declared conversations.
func (h *Harness) executeSetup(ctx context.Context, defs []ConversationDef, result *Result) error {
	for i, def := range defs {
		var (
			conv ir.Conversation
			err  error
		)
		if len(def.Members) == 2 {
			conv, err = h.engine.EnsureDirect(ctx, def.Members[0], def.Members[1])
		} else {
			conv, err = h.engine.CreateGroup(ctx, def.Members[0], def.Members[1:])
		}
		if err != nil {
			return fmt.Errorf("conversations[%d] %s: %w", i, def.Ref, err)
		}

		h.convs[def.Ref] = conv.ID
		h.refs[conv.ID] = def.Ref
		result.AddStepTrace(FlowStep{Do: "create", As: def.Members[0], Conversation: def.Ref}, "ok", 0)

		h.logger.Info("conversation created",
			"ref", def.Ref,
			"conversation_id", conv.ID,
			"kind", conv.Kind,
		)
	}
	return nil
}

// executeFlow runs all flow steps and validates expect clauses.
//
// After each step the engine's queue is drained, so every message,
// status and summary frame the step causes has reached its sink before
// the next step starts. Frames are then appended to the trace grouped by
// connection name.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		seq, stepErr, err := h.execute(ctx, i, step)
		if err != nil {
			return fmt.Errorf("flow step %d (%s): %w", i, step.Do, err)
		}
		h.engine.Drain(ctx)

		outcome := "ok"
		if stepErr != nil {
			outcome = string(engine.CodeOf(stepErr))
			if outcome == "" {
				outcome = "error"
			}
		}
		result.AddStepTrace(step, outcome, seq)
		h.flushFrames(result)

		if msg := checkExpect(i, step, seq, stepErr); msg != "" {
			result.AddError(msg)
		}

		h.logger.Info("flow step completed",
			"step", i,
			"do", step.Do,
			"outcome", outcome,
			"seq", seq,
		)
	}
	return nil
}

// execute performs one step. stepErr is the engine's answer, which the
// step's expect clause judges; err means the scenario itself is broken.
func (h *Harness) execute(ctx context.Context, index int, step FlowStep) (seq int64, stepErr, err error) {
	switch step.Do {
	case DoConnect:
		rec := h.conns[step.Conn]
		if rec != nil && rec.conn != nil {
			return 0, nil, fmt.Errorf("connection %q is already open", step.Conn)
		}
		if rec == nil {
			rec = &recorder{name: step.Conn}
			h.conns[step.Conn] = rec
		}
		conn, err := h.engine.OpenConnection(step.As, rec)
		if err != nil {
			return 0, err, nil
		}
		rec.conn = conn
		return 0, nil, nil

	case DoDisconnect:
		rec, err := h.open(step.Conn)
		if err != nil {
			return 0, nil, err
		}
		h.engine.CloseConnection(rec.conn.ID)
		rec.conn = nil
		return 0, nil, nil

	case DoSubscribe:
		rec, err := h.open(step.Conn)
		if err != nil {
			return 0, nil, err
		}
		last, err := h.engine.Subscribe(ctx, rec.conn.ID, h.conversationID(step.Conversation), step.Since)
		return last, err, nil

	case DoUnsubscribe:
		rec, err := h.open(step.Conn)
		if err != nil {
			return 0, nil, err
		}
		h.engine.Unsubscribe(rec.conn.ID, h.conversationID(step.Conversation))
		return 0, nil, nil

	case DoSend:
		clientID := step.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("step-%d", index)
		}
		h.notifier.setDropping(step.Lost)
		defer h.notifier.setDropping(false)

		msg, err := h.engine.Send(ctx, ir.Draft{
			ClientID:       clientID,
			ConversationID: h.conversationID(step.Conversation),
			SenderID:       step.As,
			Content:        ir.Content{Kind: ir.MessageText, Text: step.Text},
		})
		return msg.Seq, err, nil

	case DoAck:
		kind := ir.CursorKind(step.Cursor)
		cur, err := h.engine.Ack(ctx, step.As, h.conversationID(step.Conversation), kind, step.Seq)
		if kind == ir.CursorRead {
			return cur.Read, err, nil
		}
		return cur.Delivered, err, nil

	default:
		return 0, nil, fmt.Errorf("unknown operation %q", step.Do)
	}
}

// checkExpect compares a step's outcome with its expect clause.
// Returns "" on match.
func checkExpect(index int, step FlowStep, seq int64, stepErr error) string {
	if step.Expect == nil {
		if stepErr != nil {
			return fmt.Sprintf("flow[%d] %s: unexpected error: %v", index, step.Do, stepErr)
		}
		return ""
	}

	if step.Expect.Error != "" {
		if stepErr == nil {
			return fmt.Sprintf("flow[%d] %s: expected error %s, got success", index, step.Do, step.Expect.Error)
		}
		if got := string(engine.CodeOf(stepErr)); got != step.Expect.Error {
			return fmt.Sprintf("flow[%d] %s: expected error %s, got %v", index, step.Do, step.Expect.Error, stepErr)
		}
		return ""
	}

	if stepErr != nil {
		return fmt.Sprintf("flow[%d] %s: unexpected error: %v", index, step.Do, stepErr)
	}
	if step.Expect.Seq != seq {
		return fmt.Sprintf("flow[%d] %s: expected seq %d, got %d", index, step.Do, step.Expect.Seq, seq)
	}
	return ""
}

// open returns the recorder for name if its connection is open.
func (h *Harness) open(name string) (*recorder, error) {
	rec := h.conns[name]
	if rec == nil || rec.conn == nil {
		return nil, fmt.Errorf("connection %q is not open", name)
	}
	return rec, nil
}

// conversationID resolves a scenario ref. Unknown refs pass through so a
// scenario can address a conversation that does not exist.
func (h *Harness) conversationID(ref string) string {
	if id, ok := h.convs[ref]; ok {
		return id
	}
	return ref
}

// conversationRef is the inverse of conversationID.
func (h *Harness) conversationRef(id string) string {
	if ref, ok := h.refs[id]; ok {
		return ref
	}
	return id
}

// flushFrames appends each connection's untraced message and error frames
// to the trace, connections in name order.
func (h *Harness) flushFrames(result *Result) {
	names := make([]string, 0, len(h.conns))
	for name := range h.conns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, out := range h.conns[name].unflushed() {
			switch out.Type {
			case engine.OutboundMessage:
				result.AddFrameTrace(TraceEvent{
					Conn:         name,
					Frame:        string(out.Type),
					Conversation: h.conversationRef(out.Message.ConversationID),
					Sender:       out.Message.SenderID,
					Text:         out.Message.Content.Text,
					Seq:          out.Message.Seq,
				})
			case engine.OutboundError:
				result.AddFrameTrace(TraceEvent{
					Conn:         name,
					Frame:        string(out.Type),
					Conversation: h.conversationRef(out.Err.ConversationID),
					Outcome:      string(out.Err.Code),
				})
			}
		}
	}
}

// frames returns every frame each connection received.
func (h *Harness) frames() map[string][]engine.Outbound {
	out := make(map[string][]engine.Outbound, len(h.conns))
	for name, rec := range h.conns {
		out[name] = rec.snapshot()
	}
	return out
}

// recorder is the Sink behind a named scenario connection.
type recorder struct {
	name string
	conn *engine.Connection

	mu      sync.Mutex
	frames  []engine.Outbound
	flushed int
}

// Deliver implements engine.Sink.
func (r *recorder) Deliver(out engine.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, out)
	return nil
}

func (r *recorder) unflushed() []engine.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.frames[r.flushed:]
	r.flushed = len(r.frames)
	return out
}

func (r *recorder) snapshot() []engine.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Outbound(nil), r.frames...)
}

// lossyNotifier forwards change events to the engine's own queue, except
// message events raised while dropping is set.
type lossyNotifier struct {
	engine *engine.Engine

	mu       sync.Mutex
	dropping bool
}

func (n *lossyNotifier) setDropping(v bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropping = v
}

// Notify implements engine.Notifier.
func (n *lossyNotifier) Notify(ctx context.Context, ev engine.Event) error {
	n.mu.Lock()
	drop := n.dropping && ev.Type == engine.EventMessageAppended
	n.mu.Unlock()
	if drop {
		return nil
	}
	return n.engine.Notify(ctx, ev)
}
