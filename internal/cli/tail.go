package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/convsync/internal/client"
	"github.com/roach88/convsync/internal/ir"
	"github.com/roach88/convsync/internal/protocol"
)

// TailOptions holds flags for the tail command.
type TailOptions struct {
	*RootOptions
	URL           string
	Token         string
	Conversations []string
	CursorFile    string
	User          string
	Read          bool
}

// NewTailCommand creates the tail command.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow conversations over WebSocket",
		Long: `Connect to a running server and print messages of the given
conversations as they arrive, reconnecting with backoff when the
connection drops.

With --cursor-file, the last seen sequence per conversation survives
restarts and only newer messages are printed. Delivery is acknowledged
for every printed message; --read also marks it read.

Examples:
  convsync tail --url ws://localhost:8080/ws --token dev-alice --conversation 1f3a...
  convsync tail --url ws://localhost:8080/ws --token $TOKEN --conversation a --conversation b \
      --cursor-file ~/.convsync-cursors.yaml --user alice --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "ws://localhost:8080/ws", "server WebSocket URL")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token")
	cmd.Flags().StringArrayVar(&opts.Conversations, "conversation", nil, "conversation to follow (repeatable, required)")
	cmd.Flags().StringVar(&opts.CursorFile, "cursor-file", "", "file that remembers the last seen sequence")
	cmd.Flags().StringVar(&opts.User, "user", "", "key for the cursor file (defaults to the authenticated user)")
	cmd.Flags().BoolVar(&opts.Read, "read", false, "mark printed messages as read")
	_ = cmd.MarkFlagRequired("conversation")

	return cmd
}

func runTail(opts *TailOptions, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)

	if opts.CursorFile != "" && opts.User == "" {
		return NewExitError(ExitCommandError, "--user is required with --cursor-file")
	}

	p := &tailPrinter{w: cmd.OutOrStdout(), json: opts.Format == "json"}

	cfg := client.Config{
		URL:     opts.URL,
		Token:   opts.Token,
		User:    opts.User,
		AutoAck: true,
	}
	if opts.CursorFile != "" {
		cfg.Cursors = client.NewCursorFile(opts.CursorFile)
	}

	var conn *client.Conn
	handlers := client.Handlers{
		Connected: func(h protocol.Hello) {
			slog.Debug("tail connected", "user", h.User, "conn_id", h.ConnectionID)
		},
		Message: func(msg ir.Message) {
			p.message(msg)
			if opts.Read {
				if err := conn.Ack(msg.ConversationID, msg.Seq, ir.CursorRead); err != nil {
					slog.Debug("read ack not sent", "conversation_id", msg.ConversationID, "error", err)
				}
			}
		},
		Status: func(w ir.Watermarks) {
			slog.Debug("status", "conversation_id", w.ConversationID,
				"delivered_through", w.DeliveredThrough, "read_through", w.ReadThrough)
		},
	}

	conn, err := client.New(cfg, handlers)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create client", err)
	}
	for _, id := range opts.Conversations {
		if err := conn.Subscribe(id); err != nil {
			return WrapExitError(ExitCommandError, "failed to subscribe", err)
		}
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if err := conn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "connection error", err)
	}
	return nil
}

// tailPrinter serializes output from the client's reader goroutine.
type tailPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func (p *tailPrinter) message(msg ir.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		if err := json.NewEncoder(p.w).Encode(msg); err != nil {
			slog.Warn("write message", "error", err)
		}
		return
	}
	fmt.Fprintf(p.w, "%s [%s #%d] %s: %s\n",
		msg.CreatedAt.Local().Format(time.TimeOnly),
		shortID(msg.ConversationID),
		msg.Seq,
		msg.SenderID,
		messageText(&msg),
	)
}

// shortID abbreviates hash-derived conversation IDs for display.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
