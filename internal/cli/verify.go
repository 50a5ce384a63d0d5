package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	StoreOptions
}

// VerifyViolation is one integrity failure in JSON output.
type VerifyViolation struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Detail         string `json:"detail"`
}

// VerifyResult is the JSON payload of the verify command.
type VerifyResult struct {
	Conversations int               `json:"conversations"`
	Messages      int64             `json:"messages"`
	Violations    []VerifyViolation `json:"violations"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check database integrity",
		Long: `Check every conversation in the database: sequences must run
1..latest_seq without gaps, and each participant cursor must satisfy
read <= delivered <= latest_seq.

Exit codes:
  0 - No violations
  1 - One or more violations
  2 - Command error

Example:
  convsync verify --db ./chat.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	opts.bindFlags(cmd)

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
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

	states, err := st.Verify(commandContext(cmd))
	if err != nil {
		return WrapExitError(ExitCommandError, "verify failed", err)
	}

	result := VerifyResult{
		Conversations: len(states),
		Violations:    []VerifyViolation{},
	}
	for _, s := range states {
		result.Messages += s.MessageCount
		for _, v := range s.Violations {
			result.Violations = append(result.Violations, VerifyViolation{
				ConversationID: v.ConversationID,
				Kind:           string(v.Kind),
				Detail:         v.Detail,
			})
		}
	}

	failed := len(result.Violations) > 0
	if opts.Format == "json" {
		if failed {
			_ = out.Error("E_INTEGRITY", fmt.Sprintf("%d violation(s)", len(result.Violations)), result)
		} else if err := out.Success(result); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		for _, v := range result.Violations {
			fmt.Fprintf(w, "✗ %s %s: %s\n", v.ConversationID, v.Kind, v.Detail)
		}
		fmt.Fprintf(w, "Checked %d conversation(s), %d message(s): %d violation(s)\n",
			result.Conversations, result.Messages, len(result.Violations))
	}

	if failed {
		return NewExitError(ExitFailure, fmt.Sprintf("%d integrity violation(s)", len(result.Violations)))
	}
	return nil
}
