package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/dialer/internal/control"
	"github.com/vietddude/dialer/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "dialer",
	Short: "Outbound sales call worker",
	Long:  `Dialer consumes outbound call jobs from a durable queue and drives each call through a voice agent.`,
	Run:   runDialer,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the call worker until interrupted",
	Run:   runDialer,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "optional YAML file with resilience settings")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd)
}

// loadConfig loads the configuration and sets up logging.
func loadConfig() *config.AppConfig {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.LogLevel == "debug":
		slogLevel = slog.LevelDebug
	case cfg.LogLevel == "warn":
		slogLevel = slog.LevelWarn
	case cfg.LogLevel == "error":
		slogLevel = slog.LevelError
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

func runDialer(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := control.NewDialer(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize Dialer", "error", err)
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start Dialer", "error", err)
		_ = app.Stop(context.Background())
		os.Exit(1)
	}

	slog.Info("Dialer started", "env", cfg.Env, "fail_fast", cfg.FailFast())

	<-ctx.Done()
	slog.Info("Received signal, shutting down...")

	// In-flight calls get the drain timeout; the rest is closing resources.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout+15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Dialer stopped gracefully")
}
