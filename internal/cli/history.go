package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/ir"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	StoreOptions
	As     string
	Limit  int
	Before int64
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a page of conversation history",
		Long: `Print messages of a conversation as seen by a participant, oldest
first, with each message's delivery status.

--before pages backwards: pass the lowest seq of the previous page.

Examples:
  convsync history --db ./chat.db --as alice 1f3a...
  convsync history --db ./chat.db --as alice --before 51 --limit 20 1f3a...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], cmd)
		},
	}

	opts.bindFlags(cmd)
	cmd.Flags().StringVar(&opts.As, "as", "", "viewing participant (required)")
	cmd.Flags().IntVar(&opts.Limit, "limit", engine.DefaultHistoryLimit, "maximum number of messages")
	cmd.Flags().Int64Var(&opts.Before, "before", 0, "only messages with seq below this (0 for latest)")
	_ = cmd.MarkFlagRequired("as")

	return cmd
}

func runHistory(opts *HistoryOptions, convID string, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)
	out := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	st, err := openExistingStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer closeStore(st)

	eng := engine.New(st, engineOptions(cfg, nil)...)
	msgs, err := eng.History(commandContext(cmd), opts.As, convID, opts.Before, opts.Limit)
	if err != nil {
		out.reportEngineError(err, "E_HISTORY_FAILED")
		return engineExitError("history failed", err)
	}

	rows := make([][]string, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		rows = append(rows, []string{
			fmt.Sprint(m.Seq),
			m.CreatedAt.UTC().Format(time.RFC3339),
			m.SenderID,
			string(m.Status),
			messageText(m),
		})
	}
	if len(msgs) == 0 && opts.Format != "json" {
		return out.Success("No messages.")
	}
	return out.Table(msgs, []string{"SEQ", "TIME", "SENDER", "STATUS", "TEXT"}, rows)
}

// messageText renders a message body on one line.
func messageText(m *ir.Message) string {
	text := ir.Preview(m, "")
	if m.ReplyTo != "" {
		text = "↪ " + text
	}
	return text
}
