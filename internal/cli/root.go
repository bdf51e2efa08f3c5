// Package cli wires the rentchat command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/johndosdos/rentchat/internal/chat"
	"github.com/johndosdos/rentchat/internal/config"
	"github.com/johndosdos/rentchat/internal/logger"
	"github.com/johndosdos/rentchat/internal/metrics"
	"github.com/johndosdos/rentchat/internal/model"
)

var (
	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "rentchat",
	Short: "Chat with landlords and tenants from the terminal",
	Long: `rentchat keeps a local, always-consistent view of your rental
conversations: messages show up immediately, are confirmed by the server in
the background, and never appear twice.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command named on the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, model.ErrAuth) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error (default from config)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
}

// env is what every command needs once flags and config are resolved.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	out     io.Writer

	stopMetrics func()
}

func setup(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &env{
		cfg:         cfg,
		logger:      logger.New(cfg.LogLevel, cmd.ErrOrStderr()),
		out:         cmd.OutOrStdout(),
		stopMetrics: func() {},
	}

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		reg := prometheus.NewRegistry()
		e.metrics = metrics.New(reg)
		e.stopMetrics = serveMetrics(addr, reg, e.logger)
	}

	return e, nil
}

func (e *env) session(opts chat.Options) (*chat.Session, error) {
	opts.Logger = e.logger
	opts.Metrics = e.metrics
	return chat.NewSession(e.cfg, opts)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("could not shut down metrics server", "error", err)
		}
	}
}

func printMessage(w io.Writer, m model.Message) {
	status := string(m.Status)
	if m.Status == model.StatusRead && m.ReadAt != nil {
		status = "read " + humanize.Time(*m.ReadAt)
	}
	fmt.Fprintf(w, "[%s] %s: %s (%s)\n", humanize.Time(m.CreatedAt), m.SenderID, m.Preview(), status)
}
