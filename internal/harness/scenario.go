package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/convsync/internal/ir"
)

// Scenario defines a conformance test scenario.
// Scenarios drive a real engine through a flow of connection, send and
// acknowledgement steps and assert on what each connection received and
// on the final conversation state.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Conversations are created before the flow runs. Steps refer to them
	// by Ref rather than by their derived IDs.
	Conversations []ConversationDef `yaml:"conversations"`

	// Flow contains the steps to execute, in order.
	// The engine's event queue is drained after every step.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// ConversationDef declares a conversation by its members.
// Two members make a direct conversation; three or more make a group
// created by the first member.
type ConversationDef struct {
	Ref     string   `yaml:"ref"`
	Members []string `yaml:"members"`
}

// FlowStep is one operation in the main test flow.
type FlowStep struct {
	// Do selects the operation: connect, disconnect, subscribe,
	// unsubscribe, send or ack.
	Do string `yaml:"do"`

	// As is the acting participant (connect, send, ack).
	As string `yaml:"as,omitempty"`

	// Conn names a recorded connection (connect, disconnect, subscribe,
	// unsubscribe). A name may be reconnected after it is disconnected;
	// its received frames accumulate across sessions.
	Conn string `yaml:"conn,omitempty"`

	// Conversation is a ConversationDef ref. An unknown ref is passed to
	// the engine as a raw conversation ID.
	Conversation string `yaml:"conversation,omitempty"`

	// Since is the last sequence the connection has seen (subscribe).
	Since int64 `yaml:"since,omitempty"`

	// Text and ClientID make up a send.
	Text     string `yaml:"text,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`

	// Lost drops the send's change notification, as if the bus lost it.
	Lost bool `yaml:"lost,omitempty"`

	// Cursor (delivered or read) and Seq make up an ack.
	Cursor string `yaml:"cursor,omitempty"`
	Seq    int64  `yaml:"seq,omitempty"`

	// Expect validates the step's outcome. Without it the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Seq is the expected resulting sequence: the stored seq for a send,
	// the cursor value for an ack, the last replayed seq for a subscribe.
	Seq int64 `yaml:"seq,omitempty"`

	// Error is the expected engine error code, e.g. NOT_PARTICIPANT.
	Error string `yaml:"error,omitempty"`
}

// Step operation names.
const (
	DoConnect     = "connect"
	DoDisconnect  = "disconnect"
	DoSubscribe   = "subscribe"
	DoUnsubscribe = "unsubscribe"
	DoSend        = "send"
	DoAck         = "ack"
)

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "received": message sequences a connection received, in order
	// - "status": a message's status as seen by its sender
	// - "unread": a participant's unread count
	// - "cursor": a participant's delivered and read cursors
	// - "latest_seq": a conversation's latest sequence
	// - "healthy": the store passes integrity verification
	Type string `yaml:"type"`

	Conn         string `yaml:"conn,omitempty"`
	As           string `yaml:"as,omitempty"`
	Conversation string `yaml:"conversation,omitempty"`

	// Seqs is the expected delivery order (received).
	Seqs []int64 `yaml:"seqs,omitempty"`

	// Seq selects a message (status) or is the expected value (latest_seq).
	Seq int64 `yaml:"seq,omitempty"`

	// Status is the expected message status (status).
	Status string `yaml:"status,omitempty"`

	// Count is the expected unread count (unread).
	Count int64 `yaml:"count,omitempty"`

	// Delivered and Read are the expected cursor values (cursor).
	// Either may be omitted.
	Delivered *int64 `yaml:"delivered,omitempty"`
	Read      *int64 `yaml:"read,omitempty"`
}

// Assertion type constants.
const (
	AssertReceived  = "received"
	AssertStatus    = "status"
	AssertUnread    = "unread"
	AssertCursor    = "cursor"
	AssertLatestSeq = "latest_seq"
	AssertHealthy   = "healthy"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML from memory.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	refs := make(map[string]bool)
	for i, c := range s.Conversations {
		if c.Ref == "" {
			return fmt.Errorf("conversations[%d]: ref is required", i)
		}
		if refs[c.Ref] {
			return fmt.Errorf("conversations[%d]: duplicate ref %q", i, c.Ref)
		}
		refs[c.Ref] = true
		if len(c.Members) < 2 {
			return fmt.Errorf("conversations[%d]: at least two members are required", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateStep checks the fields each operation needs.
func validateStep(index int, step *FlowStep) error {
	require := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("flow[%d]: %s is required for %s", index, field, step.Do)
		}
		return nil
	}

	var errs []error
	switch step.Do {
	case DoConnect:
		errs = append(errs, require("as", step.As), require("conn", step.Conn))
	case DoDisconnect:
		errs = append(errs, require("conn", step.Conn))
	case DoSubscribe, DoUnsubscribe:
		errs = append(errs, require("conn", step.Conn), require("conversation", step.Conversation))
	case DoSend:
		errs = append(errs, require("as", step.As), require("conversation", step.Conversation), require("text", step.Text))
	case DoAck:
		errs = append(errs, require("as", step.As), require("conversation", step.Conversation))
		if step.Cursor != string(ir.CursorDelivered) && step.Cursor != string(ir.CursorRead) {
			return fmt.Errorf("flow[%d]: cursor must be delivered or read, got %q", index, step.Cursor)
		}
	case "":
		return fmt.Errorf("flow[%d]: do is required", index)
	default:
		return fmt.Errorf("flow[%d]: unknown operation %q", index, step.Do)
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	if step.Expect != nil && step.Expect.Seq == 0 && step.Expect.Error == "" {
		return fmt.Errorf("flow[%d].expect: seq or error is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertReceived:
		if a.Conn == "" || a.Conversation == "" {
			return fmt.Errorf("assertions[%d]: conn and conversation are required for received", index)
		}
	case AssertStatus:
		if a.As == "" || a.Conversation == "" || a.Seq <= 0 {
			return fmt.Errorf("assertions[%d]: as, conversation and seq are required for status", index)
		}
		switch ir.Status(a.Status) {
		case ir.StatusSent, ir.StatusDelivered, ir.StatusRead:
		default:
			return fmt.Errorf("assertions[%d]: status must be sent, delivered or read, got %q", index, a.Status)
		}
	case AssertUnread:
		if a.As == "" || a.Conversation == "" {
			return fmt.Errorf("assertions[%d]: as and conversation are required for unread", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for unread", index)
		}
	case AssertCursor:
		if a.As == "" || a.Conversation == "" {
			return fmt.Errorf("assertions[%d]: as and conversation are required for cursor", index)
		}
		if a.Delivered == nil && a.Read == nil {
			return fmt.Errorf("assertions[%d]: delivered or read is required for cursor", index)
		}
	case AssertLatestSeq:
		if a.Conversation == "" {
			return fmt.Errorf("assertions[%d]: conversation is required for latest_seq", index)
		}
	case AssertHealthy:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
