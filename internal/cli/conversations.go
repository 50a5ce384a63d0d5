package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/convsync/internal/engine"
)

// ConversationsOptions holds flags for the conversations command.
type ConversationsOptions struct {
	StoreOptions
	As string
}

// NewConversationsCommand creates the conversations command.
func NewConversationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConversationsOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List a participant's conversations",
		Long: `List a participant's conversations, most recently active first,
with unread counts and a preview of the last message.

Example:
  convsync conversations --db ./chat.db --as alice --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversations(opts, cmd)
		},
	}

	opts.bindFlags(cmd)
	cmd.Flags().StringVar(&opts.As, "as", "", "participant (required)")
	_ = cmd.MarkFlagRequired("as")

	return cmd
}

func runConversations(opts *ConversationsOptions, cmd *cobra.Command) error {
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
	summaries, err := eng.Conversations(commandContext(cmd), opts.As)
	if err != nil {
		out.reportEngineError(err, "E_LIST_FAILED")
		return engineExitError("list conversations failed", err)
	}

	if len(summaries) == 0 && opts.Format != "json" {
		return out.Success("No conversations.")
	}

	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.ConversationID,
			string(s.Kind),
			fmt.Sprint(s.LatestSeq),
			fmt.Sprint(s.Unread),
			s.Preview,
		})
	}
	return out.Table(summaries, []string{"CONVERSATION", "KIND", "LATEST", "UNREAD", "PREVIEW"}, rows)
}
