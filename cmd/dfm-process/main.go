// Command dfm-process runs the Process Service: the HTTP boundary a
// client submits a Process to (POST /process) and reads its Responses
// back from (GET /responses), gated by the X-DFM-Auth header.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nvidia-earth2/dfm/internal/adapter/builtin"
	"github.com/nvidia-earth2/dfm/internal/config"
	"github.com/nvidia-earth2/dfm/internal/logging"
	"github.com/nvidia-earth2/dfm/internal/server"
	"github.com/nvidia-earth2/dfm/internal/site"
	"github.com/nvidia-earth2/dfm/internal/transport"
)

// httpAddrEnv names the env var carrying the Process Service's listen
// address; unset falls back to DefaultHTTPAddr.
const httpAddrEnv = "PROCESS_HTTP_ADDR"

// DefaultHTTPAddr is used when PROCESS_HTTP_ADDR is unset.
const DefaultHTTPAddr = ":8080"

func main() {
	log := logging.WithComponent("dfm-process")

	cfg, err := config.LoadFromEnv(config.Process)
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
	srv := server.New(cfg, s, t, log)

	addr := os.Getenv(httpAddrEnv)
	if addr == "" {
		addr = DefaultHTTPAddr
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(addr) }()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			log.Error("process service exited", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Error("process service shutdown failed", "error", err)
	}
	log.Info("process service stopped")
}
