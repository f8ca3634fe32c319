// Package uplink implements the Uplink Service: the cross-site package
// delivery path. A Package wraps a Job bound for a target_site; the
// uplink loop pulls packages off the shared uplink stream and republishes
// their Job onto the target site's own execute stream. When a target site
// has no reachable transport registered, the package is held in a
// pending-retry list and a periodic sweep (via robfig/cron) retries
// delivery, dropping anything older than MaxPackageAge -- grounded on
// _package.py's doc comment: "Uplink only tries to deliver packages that
// aren't too old and gives up after a while."
package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/nvidia-earth2/dfm/internal/logging"
	"github.com/nvidia-earth2/dfm/internal/message"
	"github.com/nvidia-earth2/dfm/internal/metrics"
	"github.com/nvidia-earth2/dfm/internal/transport"
)

// DefaultMaxPackageAge bounds how long an undeliverable package is retried
// before the sweep gives up on it.
const DefaultMaxPackageAge = 24 * time.Hour

// PendingKey is the list holding packages whose target site was
// unreachable at delivery time, awaiting the sweep's retry.
const PendingKey = "uplink:pending"

// BlockTimeout bounds how long a single ReadOne call waits for the next
// package before looping back to check ctx.
const BlockTimeout = 2 * time.Second

// SweepSchedule is the cron expression driving the pending-retry sweep,
// every five minutes by default.
const SweepSchedule = "*/5 * * * *"

// Service runs the uplink delivery loop and its stale-package sweep.
type Service struct {
	Local         *transport.Client
	Sites         map[string]*transport.Client
	MaxPackageAge time.Duration
	ConsumerID    string
	Log           *slog.Logger

	cron *cron.Cron
}

// New builds an uplink Service. local is the transport the uplink stream
// itself lives on; sites maps a target_site name to the transport used to
// reach that site's execute stream (a site reaches itself via its own
// entry, keyed by its own name).
func New(local *transport.Client, sites map[string]*transport.Client) *Service {
	return &Service{
		Local:         local,
		Sites:         sites,
		MaxPackageAge: DefaultMaxPackageAge,
		ConsumerID:    uuid.NewString(),
		Log:           logging.WithComponent("dfm-uplink"),
		cron:          cron.New(),
	}
}

// Run starts the delivery loop and the sweep cron, blocking until ctx is
// cancelled.
func (svc *Service) Run(ctx context.Context) error {
	if _, err := svc.cron.AddFunc(SweepSchedule, func() { svc.sweep(ctx) }); err != nil {
		return fmt.Errorf("uplink: schedule sweep: %w", err)
	}
	svc.cron.Start()
	defer svc.cron.Stop()

	return svc.deliver(ctx)
}

func (svc *Service) deliver(ctx context.Context) error {
	stream := message.StreamName(message.ServiceUplink)
	group := message.GroupName(message.ServiceUplink)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		id, payload, ok, err := svc.Local.ReadOne(ctx, stream, group, svc.ConsumerID, BlockTimeout)
		if err != nil {
			svc.Log.Error("uplink read failed", "error", err)
			continue
		}
		if !ok {
			continue
		}

		pkg, err := message.UnmarshalPackage(payload)
		if err != nil {
			svc.Log.Error("malformed package, dropping", "error", err)
			_ = svc.Local.Ack(ctx, stream, group, id)
			continue
		}

		svc.tryDeliver(ctx, pkg, payload)

		if err := svc.Local.Ack(ctx, stream, group, id); err != nil {
			svc.Log.Error("ack package failed", "error", err)
		}
	}
}

// tryDeliver publishes the package's job onto its target site's execute
// stream if that site's transport is known; otherwise it holds the raw
// payload for the sweep to retry later.
func (svc *Service) tryDeliver(ctx context.Context, pkg message.Package, raw []byte) {
	target, ok := svc.Sites[pkg.TargetSite]
	if !ok {
		svc.Log.Info("target site not reachable yet, holding for retry", "target_site", pkg.TargetSite)
		metrics.UplinkDeliveries.WithLabelValues("unreachable").Inc()
		if err := svc.Local.EnqueuePending(ctx, PendingKey, raw); err != nil {
			svc.Log.Error("hold pending package failed", "error", err)
		} else {
			metrics.UplinkPendingDepth.Inc()
		}
		return
	}
	if _, err := target.PublishJob(ctx, message.StreamName(message.ServiceExecute), pkg.Job); err != nil {
		svc.Log.Error("deliver package failed", "target_site", pkg.TargetSite, "error", err)
		metrics.UplinkDeliveries.WithLabelValues("failed").Inc()
		if err := svc.Local.EnqueuePending(ctx, PendingKey, raw); err != nil {
			svc.Log.Error("hold pending package failed", "error", err)
		} else {
			metrics.UplinkPendingDepth.Inc()
		}
		return
	}
	metrics.UplinkDeliveries.WithLabelValues("delivered").Inc()
}

// sweep drains the pending-retry list, retrying delivery for every
// package still within MaxPackageAge and dropping (logging) the rest.
func (svc *Service) sweep(ctx context.Context) {
	items, err := svc.Local.DrainPending(ctx, PendingKey)
	if err != nil {
		svc.Log.Error("sweep drain failed", "error", err)
		return
	}
	metrics.UplinkPendingDepth.Sub(float64(len(items)))
	for _, raw := range items {
		pkg, err := message.UnmarshalPackage(raw)
		if err != nil {
			svc.Log.Error("sweep: malformed pending package, dropping", "error", err)
			continue
		}
		if pkg.Age() > svc.MaxPackageAge {
			svc.Log.Info("dropping undeliverable package past max age", "target_site", pkg.TargetSite, "age", pkg.Age())
			metrics.UplinkDeliveries.WithLabelValues("expired").Inc()
			continue
		}
		svc.tryDeliver(ctx, pkg, raw)
	}
}
