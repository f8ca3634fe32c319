// Command dfm-execute runs one replica of the Execute Service: it
// consumes jobs off the execute stream, compiles and runs their
// pipeline (or discovery) against the local site, and exits on SIGINT
// or SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nvidia-earth2/dfm/internal/adapter/builtin"
	"github.com/nvidia-earth2/dfm/internal/config"
	"github.com/nvidia-earth2/dfm/internal/execute"
	"github.com/nvidia-earth2/dfm/internal/logging"
	"github.com/nvidia-earth2/dfm/internal/site"
	"github.com/nvidia-earth2/dfm/internal/transport"
)

func main() {
	log := logging.WithComponent("dfm-execute")

	cfg, err := config.LoadFromEnv(config.Execute)
	if err != nil {
		log.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t, err := transport.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Error("connect transport failed", "error", err)
		os.Exit(1)
	}
	defer t.Close()

	s := site.New(cfg.Site, cfg.Secrets)
	svc := execute.New(s, t)

	log.Info("execute service starting", "site", s.Name())
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("execute service exited", "error", err)
		os.Exit(1)
	}
	log.Info("execute service stopped")
}
