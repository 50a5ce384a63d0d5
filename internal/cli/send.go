package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/ir"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	StoreOptions
	As           string
	To           string
	Conversation string
	ClientID     string
	ReplyTo      string
}

// SendResult is the JSON payload of a successful send.
type SendResult struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	Status         string `json:"status"`
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "send <text>...",
		Short: "Append a text message",
		Long: `Append a text message to a conversation as the given participant.

The message is written to the database and announced on the configured
event bus, so servers connected to the same bus push it to subscribers.
With the local bus, servers pick it up on their next delivery or on
client resubscribe.

--to sends to the direct conversation with a peer, creating it if needed.

Examples:
  convsync send --db ./chat.db --as alice --to bob "hello"
  convsync send --db ./chat.db --as alice --conversation g_4f1c... "hi all"`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(opts, strings.Join(args, " "), cmd)
		},
	}

	opts.bindFlags(cmd)
	cmd.Flags().StringVar(&opts.As, "as", "", "sending participant (required)")
	cmd.Flags().StringVar(&opts.To, "to", "", "peer for a direct conversation")
	cmd.Flags().StringVar(&opts.Conversation, "conversation", "", "existing conversation ID")
	cmd.Flags().StringVar(&opts.ClientID, "client-id", "", "idempotency key; resending with the same key returns the stored message")
	cmd.Flags().StringVar(&opts.ReplyTo, "reply-to", "", "ID of the message being replied to")
	_ = cmd.MarkFlagRequired("as")
	cmd.MarkFlagsMutuallyExclusive("to", "conversation")
	cmd.MarkFlagsOneRequired("to", "conversation")

	return cmd
}

func runSend(opts *SendOptions, text string, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)
	out := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)

	st, err := openStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer closeStore(st)

	origin, _ := os.Hostname()
	events, err := openBus(ctx, cfg.Bus, origin)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect event bus", err)
	}
	defer events.Close()

	eng := engine.New(st, engineOptions(cfg, events)...)

	draft := ir.Draft{
		ClientID:       opts.ClientID,
		ConversationID: opts.Conversation,
		SenderID:       opts.As,
		Content:        ir.Content{Kind: ir.MessageText, Text: text},
		ReplyTo:        opts.ReplyTo,
	}

	var msg ir.Message
	if opts.To != "" {
		msg, err = eng.SendDirect(ctx, opts.To, draft)
	} else {
		msg, err = eng.Send(ctx, draft)
	}
	if err != nil {
		out.reportEngineError(err, "E_SEND_FAILED")
		return engineExitError("send failed", err)
	}

	if opts.Format == "json" {
		return out.Success(SendResult{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			Seq:            msg.Seq,
			Status:         string(msg.Status),
		})
	}
	return out.Success(fmt.Sprintf("sent %s seq=%d id=%s", msg.ConversationID, msg.Seq, msg.ID))
}
