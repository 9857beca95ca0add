package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/keypool/internal/control"
	"github.com/vietddude/keypool/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
	addr    string
)

var rootCmd = &cobra.Command{
	Use:   "keypool",
	Short: "Keypool credential pool service",
	Long:  `Keypool spreads generation and embedding calls over a pool of API keys, failing over around rate limits and exhausted quotas.`,
	Run:   runKeypool,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "address of a running keypool (default http://localhost:<server.port>)")
}

func runKeypool(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	// Load Configuration
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logging
	initLogging(os.Stderr, cfg.Logging, isDebug)

	app, err := control.NewService(cfg)
	if err != nil {
		slog.Error("Failed to initialize keypool", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start keypool", "error", err)
		os.Exit(1)
	}

	slog.Info("Keypool started",
		"config", cfgPath,
		"credentials", len(cfg.Credentials),
		"workers", cfg.Pool.Workers,
	)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
