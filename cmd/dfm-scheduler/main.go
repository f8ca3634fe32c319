// Command dfm-scheduler runs one replica of the Scheduler Service: the
// deadline-ordered holding queue between a delayed job's enqueue and its
// eventual republish onto the execute stream.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvidia-earth2/dfm/internal/config"
	"github.com/nvidia-earth2/dfm/internal/logging"
	"github.com/nvidia-earth2/dfm/internal/scheduler"
	"github.com/nvidia-earth2/dfm/internal/transport"
)

func main() {
	log := logging.WithComponent("dfm-scheduler")

	cfg, err := config.LoadFromEnv(config.Scheduler)
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

	svc := scheduler.New(t)

	log.Info("scheduler service starting")
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("scheduler service exited", "error", err)
		os.Exit(1)
	}
	log.Info("scheduler service stopped")
}
