package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/store"
)

// Allocator assigns gapless per-conversation sequence numbers.
//
// Appends to one conversation are serialized in-process by a keyed lock;
// the store's compare-and-swap catches writers in other processes sharing
// the same database. A lost race is retried with exponential backoff up to
// the policy's limit, after which the caller gets a CONTENTION error and
// must retry the whole send.
type Allocator struct {
	store  MessageStore
	locks  *keyedMutex
	ids    IDGenerator
	clock  Clock
	policy RetryPolicy
}

// NewAllocator creates an allocator.
func NewAllocator(s MessageStore, ids IDGenerator, clock Clock, policy RetryPolicy) *Allocator {
	return &Allocator{
		store:  s,
		locks:  newKeyedMutex(),
		ids:    ids,
		clock:  clock,
		policy: policy,
	}
}

// Append stamps draft with the next sequence and stores it.
// Returns the stored message and whether it was newly inserted; a draft
// whose client ID was already stored returns the original message.
func (a *Allocator) Append(ctx context.Context, draft ir.Draft) (ir.Message, bool, error) {
	unlock := a.locks.Lock(draft.ConversationID)
	defer unlock()

	msg := ir.Message{
		ID:             a.ids.Generate(),
		ClientID:       draft.ClientID,
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		Content:        draft.Content,
		ReplyTo:        draft.ReplyTo,
	}

	var (
		stored   ir.Message
		inserted bool
		attempts int
	)

	op := func() error {
		attempts++

		latest, err := a.store.LatestSeq(ctx, msg.ConversationID)
		if err != nil {
			return backoff.Permanent(err)
		}

		msg.Seq = latest + 1
		msg.CreatedAt = a.clock.Now()

		stored, inserted, err = a.store.AppendMessage(ctx, msg, latest)
		if errors.Is(err, store.ErrSeqConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		slog.Debug("sequence allocation conflict, retrying",
			"conversation_id", msg.ConversationID,
			"attempt", attempts,
			"wait", wait,
		)
	}

	err := backoff.RetryNotify(op, a.policy.backOff(ctx), notify)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrSeqConflict):
		slog.Warn("sequence allocation contention",
			"conversation_id", msg.ConversationID,
			"attempts", attempts,
		)
		return ir.Message{}, false, NewContentionError(msg.ConversationID, attempts, err)
	default:
		return ir.Message{}, false, mapStoreError(msg.ConversationID, msg.SenderID, err)
	}

	if inserted {
		slog.Info("message appended",
			"id", stored.ID,
			"conversation_id", stored.ConversationID,
			"seq", stored.Seq,
			"sender", stored.SenderID,
		)
	} else {
		slog.Debug("duplicate client submission",
			"client_id", draft.ClientID,
			"conversation_id", stored.ConversationID,
			"seq", stored.Seq,
		)
	}
	return stored, inserted, nil
}
