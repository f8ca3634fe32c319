// Command dfm-uplink runs one replica of the Uplink Service: the
// cross-site package delivery loop plus its stale-package sweep.
//
// Sites currently only names the local site's own transport, so
// same-site uplink packages (e.g. a PushResponse routed back home)
// deliver correctly out of the box; wiring additional remote sites'
// transports into Sites is the deployment's job once more than one site
// is reachable from a given replica (see DESIGN.md).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvidia-earth2/dfm/internal/config"
	"github.com/nvidia-earth2/dfm/internal/logging"
	"github.com/nvidia-earth2/dfm/internal/transport"
	"github.com/nvidia-earth2/dfm/internal/uplink"
)

func main() {
	log := logging.WithComponent("dfm-uplink")

	cfg, err := config.LoadFromEnv(config.Uplink)
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

	sites := map[string]*transport.Client{cfg.Site.Site: t}
	svc := uplink.New(t, sites)

	log.Info("uplink service starting", "site", cfg.Site.Site)
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("uplink service exited", "error", err)
		os.Exit(1)
	}
	log.Info("uplink service stopped")
}
