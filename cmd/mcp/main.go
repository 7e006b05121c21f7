package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	mcpadapter "github.com/kirillkom/scan-grader/internal/adapters/mcp"
	"github.com/kirillkom/scan-grader/internal/bootstrap"
	"github.com/kirillkom/scan-grader/internal/config"
	"github.com/kirillkom/scan-grader/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	// stdout is the MCP transport.
	logger := logging.NewJSONLoggerTo(os.Stderr, "mcp", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tools, err := bootstrap.NewTools(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer tools.Close()

	server := mcpadapter.New(tools.Sessions, tools.Previewer, tools.Feedback, logger)
	logger.Info("mcp_serving_stdio")
	if err := server.ServeStdio(); err != nil {
		logger.Error("mcp_server_failed", "error", err)
		os.Exit(1)
	}
}
