package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ramlink/internal/config"
	"github.com/roach88/ramlink/internal/memory"
	"github.com/roach88/ramlink/internal/session"
	"github.com/roach88/ramlink/internal/store"
	"github.com/roach88/ramlink/internal/telemetry"
	"github.com/roach88/ramlink/internal/transport"
)

// RunOptions holds flags for the run command. Flags left unset keep the
// value loaded from the environment.
type RunOptions struct {
	*RootOptions
	Server      string
	Slot        string
	Password    string
	Memory      string
	Database    string
	MetricsAddr string
	Layout      string
	Tick        time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect a game process to a coordinator",
		Long: `Connect to the process's memory bridge and to a coordinator, and keep
them in sync until interrupted.

Settings come from RAMLINK_* environment variables; flags override them.

Example:
  ramlink run --server ws://localhost:38281 --slot Funkotron
  ramlink run --slot Funkotron --memory 127.0.0.1:43055 --metrics :9108`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load configuration", err)
			}
			opts.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid configuration", err)
			}
			return runSession(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "coordinator websocket URL")
	cmd.Flags().StringVar(&opts.Slot, "slot", "", "slot name")
	cmd.Flags().StringVar(&opts.Password, "password", "", "room password")
	cmd.Flags().StringVar(&opts.Memory, "memory", "", "memory bridge host:port")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal database")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics", "", "serve /metrics on this address")
	cmd.Flags().StringVar(&opts.Layout, "layout", "", "CUE overlay applied over the built-in layout")
	cmd.Flags().DurationVar(&opts.Tick, "tick", 0, "polling interval")

	return cmd
}

// apply copies explicitly set flags over cfg.
func (o *RunOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("server", &cfg.Server, o.Server)
	set("slot", &cfg.SlotName, o.Slot)
	set("password", &cfg.Password, o.Password)
	set("memory", &cfg.Memory, o.Memory)
	set("db", &cfg.JournalPath, o.Database)
	set("metrics", &cfg.MetricsAddr, o.MetricsAddr)
	set("layout", &cfg.LayoutFile, o.Layout)
	if flags.Changed("tick") {
		cfg.TickInterval = o.Tick
	}
}

func runSession(cmd *cobra.Command, cfg config.Config) error {
	overlay, err := cfg.Overlay()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load layout", err)
	}

	slog.Info("opening journal", "path", cfg.JournalPath)
	st, err := store.Open(cfg.JournalPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	mem := memory.NewRemote(cfg.Memory, memory.WithRequestTimeout(cfg.RequestTimeout))
	defer mem.Close()

	metrics := telemetry.New()
	runner := session.NewRunner(session.Config{
		SlotName:     cfg.SlotName,
		Overlay:      overlay,
		Cooldowns:    cfg.Cooldowns(),
		SaveInterval: cfg.SaveInterval,
		TickInterval: cfg.TickInterval,
	}, mem,
		session.WithJournal(st),
		session.WithObserver(metrics),
		session.WithStatusHook(metrics.SetStatus),
	)

	settings := transport.DefaultSettings(cfg.Server, cfg.SlotName)
	settings.Password = cfg.Password
	settings.Tags = cfg.Tags
	client := transport.NewClient(settings, runner)
	runner.Bind(client)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, metrics.Handler())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("session starting", "server", cfg.Server, "slot", cfg.SlotName, "memory", cfg.Memory)
	fmt.Fprintln(cmd.OutOrStdout(), "Session started. Press Ctrl-C to stop.")

	errs := make(chan error, 2)
	go func() { errs <- client.Run(ctx) }()
	go func() { errs <- runner.Run(ctx) }()

	// Either side ending stops the other.
	first := <-errs
	stop()
	runner.Stop()
	second := <-errs

	for _, err := range []error{first, second} {
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		if transport.IsRefused(err) {
			return WrapExitError(ExitCommandError, "coordinator refused connection", err)
		}
		return WrapExitError(ExitFailure, "session error", err)
	}

	slog.Info("session stopped gracefully")
	return nil
}

func serveMetrics(addr string, h http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
