// Command coolwsd is the collaborative online office server: it loads
// config, constructs the Server supervisor (spec §4.11), and runs until an
// interrupt or SIGTERM signal arrives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"coolwsd/internal/config"
	"coolwsd/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", config.DefaultPath(), "path to the coolwsd configuration file")
	flag.Parse()

	cfg, err := config.EnsureFile(*configPath)
	if err != nil {
		slog.Error("[COOLWSD] failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("[COOLWSD] failed to construct server", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("[COOLWSD] server exited with error", "error", err)
		return 1
	}
	return 0
}
