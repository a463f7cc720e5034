package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pendergraft/sourcewatch/internal/config"
	"github.com/pendergraft/sourcewatch/internal/observability/metrics"
	"github.com/pendergraft/sourcewatch/internal/server"
)

var version = "dev"

// drainTimeout bounds how long shutdown waits for contracts in flight.
const drainTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sourcewatch",
		Short:         "Watch EVM chains and verify new contracts against their published sources",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Default behavior (no subcommand) is to serve
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDecodeCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newMatchesCmd())

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Monitor the configured chains and serve the operations API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg, os.Stdout)
	logger.Info("starting sourcewatch", "version", version, "chains", len(cfg.Chains))
	metrics.Init(cfg.Metrics.Enabled, "sourcewatch")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storeFromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	p, err := newPipeline(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer p.close()
	for _, ch := range p.chains.List() {
		logger.Info("chain connected", "chain_id", ch.ID, "name", ch.Name)
	}

	p.gateways.Start(ctx)
	defer p.gateways.Stop()

	if err := p.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("starting monitors: %w", err)
	}

	srv := server.New(cfg, store, p.supervisor, logger)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	var serveErr error
	select {
	case err := <-errChan:
		serveErr = fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	p.supervisor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("shutdown error: %w", err)
	}

	drained := make(chan struct{})
	go func() {
		p.supervisor.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("contracts still in flight at shutdown")
	}

	logger.Info("server stopped")
	return serveErr
}

// setupLogger builds the process logger. The "auto" format picks text on a
// terminal and JSON otherwise.
func setupLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Logging.Level),
	}

	format := cfg.Logging.Format
	if format == "auto" {
		format = "json"
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// quietLogger is used by one-shot commands so log lines do not mix with
// their output.
func quietLogger(cfg *config.Config) *slog.Logger {
	c := *cfg
	if c.Logging.Level != "debug" {
		c.Logging.Level = "error"
	}
	return setupLogger(&c, os.Stderr)
}
