package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	logger  *zap.Logger
	apiURL  string
	timeout time.Duration
)

func main() {
	_ = godotenv.Load()
	logger, _ = zap.NewDevelopment()
	defer logger.Sync()

	root := &cobra.Command{
		Use:           "fabricctl",
		Short:         "Operator tool for the real-time communication fabric",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiURL, "api", envOr("FABRIC_API_URL", "http://localhost:8080"), "base URL of the API")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(tokenCmd())
	root.AddCommand(hashKeyCmd())
	root.AddCommand(publishCmd())
	root.AddCommand(presenceCmd())
	root.AddCommand(replayCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
