package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/convsync/internal/config"
	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/identity"
	"github.com/roach88/convsync/internal/media"
	"github.com/roach88/convsync/internal/transport"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	StoreOptions
	Listen string

	// Ready, if set, receives the bound address once the listener is up.
	// Tests use it with --listen 127.0.0.1:0.
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{StoreOptions: StoreOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the conversation sync server.

Serves the WebSocket protocol on /ws and the REST API under /v1, backed
by a SQLite database. With bus.kind redis or nats, several servers can
share one database and see each other's messages live.

Examples:
  convsync serve --config convsync.cue
  convsync serve --db ./chat.db --listen :9000 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	opts.bindFlags(cmd)
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides server.listen)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	setupLogging(opts.Verbose)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}

	verifier, err := newVerifier(cfg.Identity)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure identity", err)
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

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

	serverOpts := []transport.ServerOption{
		transport.WithOptions(transport.Options{
			OutboundBuffer: cfg.Server.OutboundBuffer,
			PongWait:       2 * cfg.Server.PingInterval.Std(),
			PingInterval:   cfg.Server.PingInterval.Std(),
			WriteTimeout:   cfg.Server.WriteTimeout.Std(),
			AllowedOrigins: cfg.Server.AllowedOrigins,
			HistoryLimit:   cfg.Fanout.HistoryLimit,
		}),
		transport.WithHealthCheck(st.Ping),
	}
	if cfg.Media.Enabled() {
		uploader, err := media.NewCloudinary(media.CloudinaryConfig{
			BaseURL:      cfg.Media.BaseURL,
			CloudName:    cfg.Media.CloudName,
			UploadPreset: cfg.Media.UploadPreset,
			Folder:       cfg.Media.Folder,
			Tags:         cfg.Media.Tags,
			Timeout:      cfg.Media.Timeout.Std(),
		})
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to configure media", err)
		}
		serverOpts = append(serverOpts, transport.WithMediaStore(uploader))
	}

	srv := &http.Server{
		Handler:           transport.NewServer(eng, verifier, serverOpts...),
		ReadHeaderTimeout: cfg.Server.ReadTimeout.Std(),
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	errCh := make(chan error, 3)
	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("engine: %w", err)
		}
	}()
	go func() {
		if err := events.Run(ctx, func(ev engine.Event) { eng.Enqueue(ev) }); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("event bus: %w", err)
		}
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	slog.Info("server started",
		"addr", ln.Addr().String(),
		"db", cfg.Store.Path,
		"bus", cfg.Bus.Kind,
		"media", cfg.Media.Enabled(),
	)
	if opts.Ready != nil {
		opts.Ready(ln.Addr().String())
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	eng.Stop()

	if runErr != nil {
		return WrapExitError(ExitFailure, "server error", runErr)
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newVerifier prefers JWT verification and falls back to static tokens.
func newVerifier(cfg config.Identity) (identity.Verifier, error) {
	if cfg.Secret != "" {
		opts := []identity.JWTOption{identity.WithLeeway(cfg.Leeway.Std())}
		if cfg.Issuer != "" {
			opts = append(opts, identity.WithIssuer(cfg.Issuer))
		}
		return identity.NewJWTVerifier([]byte(cfg.Secret), opts...)
	}
	if len(cfg.Static) > 0 {
		static := make(identity.Static, len(cfg.Static))
		for token, user := range cfg.Static {
			static[token] = identity.Identity{ID: user}
		}
		slog.Warn("using static tokens; do not use in production", "count", len(static))
		return static, nil
	}
	return nil, errors.New("identity.secret or identity.static is required")
}
