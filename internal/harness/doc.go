// Package harness provides conformance testing for the conversation sync engine.
//
// The harness runs YAML scenarios against a real engine and store and
// checks what each connection received and the final conversation state.
//
// # Scenario Format
//
//	name: direct_read_receipts
//	description: "What this scenario validates"
//	conversations:
//	  - ref: ab
//	    members: [alice, bob]
//	flow:
//	  - do: connect
//	    as: bob
//	    conn: b1
//	  - do: subscribe
//	    conn: b1
//	    conversation: ab
//	  - do: send
//	    as: alice
//	    conversation: ab
//	    text: hi
//	    expect: { seq: 1 }
//	  - do: ack
//	    as: bob
//	    conversation: ab
//	    cursor: read
//	    seq: 1
//	assertions:
//	  - type: received
//	    conn: b1
//	    conversation: ab
//	    seqs: [1]
//	  - type: status
//	    as: alice
//	    conversation: ab
//	    seq: 1
//	    status: read
//
// # Assertion Types
//
//   - received: message sequences a connection received, in order
//   - status: a message's status as seen by its sender
//   - unread: a participant's unread count
//   - cursor: a participant's delivered and read cursors
//   - latest_seq: a conversation's latest sequence
//   - healthy: the store passes integrity verification
//
// # Deterministic Testing
//
// Each scenario gets a fresh database, a stepping clock
// (testutil.DeterministicClock) and sequential IDs, and the engine's
// event queue is drained after every step instead of running the event
// loop concurrently. The same scenario therefore produces a
// byte-identical trace on every run, which RunWithGolden compares with a
// goldie fixture.
//
// A send step marked lost drops its change notification, which is how
// scenarios exercise gap fill from the store.
package harness
