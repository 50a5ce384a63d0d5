package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/convsync/internal/bus"
	"github.com/roach88/convsync/internal/config"
	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/store"
)

// StoreOptions are the flags shared by commands that open the database.
type StoreOptions struct {
	*RootOptions
	Config   string
	Database string
}

func (o *StoreOptions) bindFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.Config, "config", "c", "", "path to CUE config file")
	cmd.Flags().StringVar(&o.Database, "db", "", "path to SQLite database (overrides store.path)")
}

// setupLogging installs a text slog handler on stderr.
func setupLogging(verbose bool) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the config file, or the schema defaults when none is
// given, and applies the --db override.
func (o *StoreOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.Config != "" {
		cfg, err = config.Load(o.Config)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.Store.Path = o.Database
	}
	return cfg, nil
}

// openExistingStore opens the database at path, refusing to create a new
// one. Read commands use it so a typo does not leave an empty database.
func openExistingStore(path string) (*store.Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}
	return openStore(path)
}

func openStore(path string) (*store.Store, error) {
	slog.Debug("opening database", "path", path)
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// openBus connects the configured event bus. origin tags published events.
func openBus(ctx context.Context, cfg config.Bus, origin string) (bus.Bus, error) {
	switch cfg.Kind {
	case "", "local":
		return bus.NewLocal(), nil
	case "redis":
		return bus.NewRedis(ctx, bus.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			Origin:   origin,
		})
	case "nats":
		return bus.NewNATS(bus.NATSConfig{
			URL:     cfg.NATS.URL,
			Name:    origin,
			Subject: cfg.NATS.Subject,
			Origin:  origin,
		})
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Kind)
	}
}

func retryPolicy(r config.Retry) engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxRetries:      r.MaxRetries,
		InitialInterval: r.InitialInterval.Std(),
		MaxInterval:     r.MaxInterval.Std(),
	}
}

// engineOptions translates the config into engine options. notifier may
// be nil, leaving the engine's local queue in place.
func engineOptions(cfg *config.Config, notifier engine.Notifier) []engine.EngineOption {
	opts := []engine.EngineOption{
		engine.WithAllocatorRetry(retryPolicy(cfg.Allocator)),
		engine.WithDeliveryRetry(retryPolicy(cfg.Fanout.Retry)),
	}
	if cfg.Quota.Limit > 0 {
		opts = append(opts, engine.WithSendQuota(engine.NewSendQuota(cfg.Quota.Limit, cfg.Quota.Window.Std())))
	}
	if notifier != nil {
		opts = append(opts, engine.WithNotifier(notifier))
	}
	return opts
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, or when
// the command's own context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// commandContext returns the command's context or Background.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
