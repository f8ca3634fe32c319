// Package execute implements the Execute Service: the loop that consumes
// Jobs off the execute stream, compiles their body into a graph of
// adapters, and drives the leaves to produce responses. Grounded on
// k8s/execute/execute_pubsub.py's ExecuteService.
package execute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nvidia-earth2/dfm/internal/adapter"
	"github.com/nvidia-earth2/dfm/internal/compiler"
	"github.com/nvidia-earth2/dfm/internal/dfmerr"
	"github.com/nvidia-earth2/dfm/internal/discovery"
	"github.com/nvidia-earth2/dfm/internal/logging"
	"github.com/nvidia-earth2/dfm/internal/message"
	"github.com/nvidia-earth2/dfm/internal/metrics"
	"github.com/nvidia-earth2/dfm/internal/request"
	"github.com/nvidia-earth2/dfm/internal/site"
	"github.com/nvidia-earth2/dfm/internal/transport"
)

// BlockTimeout bounds how long a single ReadOne call waits for the next
// job before looping back to check ctx.
const BlockTimeout = 2 * time.Second

// Service runs the execute consumer loop against one site.
type Service struct {
	Site      *site.Site
	Transport *transport.Client
	ConsumerID string
	Log       *slog.Logger
}

// New builds an execute Service bound to a site and transport, with a
// fresh consumer id (mirroring ExecuteService's uuid4 consumer id).
func New(s *site.Site, t *transport.Client) *Service {
	return &Service{
		Site:       s,
		Transport:  t,
		ConsumerID: uuid.NewString(),
		Log:        logging.WithComponent("dfm-execute"),
	}
}

// Run loops until ctx is cancelled, processing one job per iteration.
func (svc *Service) Run(ctx context.Context) error {
	stream := message.StreamName(message.ServiceExecute)
	group := message.GroupName(message.ServiceExecute)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		id, payload, ok, err := svc.Transport.ReadOne(ctx, stream, group, svc.ConsumerID, BlockTimeout)
		if err != nil {
			svc.Log.Error("read job failed", "error", err)
			continue
		}
		if !ok {
			continue
		}
		metrics.JobsConsumed.WithLabelValues("execute").Inc()

		job, err := message.UnmarshalJob(payload)
		if err != nil {
			svc.Log.Error("malformed job, dropping", "error", err)
			_ = svc.Transport.Ack(ctx, stream, group, id)
			continue
		}

		// Acknowledge before processing: a pipeline can run for a long
		// time, and we do not want to hold the job in the pending list
		// for its whole duration -- a crash mid-run means the client
		// retries rather than the job silently replaying.
		if err := svc.Transport.Ack(ctx, stream, group, id); err != nil {
			svc.Log.Error("ack failed", "error", err)
		}
		metrics.JobsAcked.WithLabelValues("execute").Inc()

		svc.processJob(ctx, job)
	}
}

func (svc *Service) processJob(ctx context.Context, job message.Job) {
	log := logging.WithRequest("dfm-execute", job.RequestID, job.HomeSite)

	requestID, err := uuid.Parse(job.RequestID)
	if err != nil {
		log.Error("invalid request_id", "error", err)
		return
	}

	rc, err := request.New(ctx, svc.Site.Name(), job.HomeSite, requestID, svc.Transport)
	if err != nil {
		log.Error("failed to create request context", "error", err)
		return
	}

	log.Info("processing request")

	if job.IsDiscovery {
		svc.runDiscovery(ctx, rc, job, log)
	} else {
		svc.runPipeline(ctx, rc, job, log)
	}

	log.Info("finished processing request")
}

// runDiscovery compiles the discovery variant and sends a single
// DiscoveryResponse carrying, per node, the advice tree its candidate(s)
// produced: a lone candidate's tree directly, or a list of per-provider
// trees when the discovery sentinel expanded into several.
func (svc *Service) runDiscovery(ctx context.Context, rc *request.Context, job message.Job, log *slog.Logger) {
	candidates, err := compiler.CompileDiscovery(ctx, rc, svc.Site, job.Execute.Body)
	if err != nil {
		svc.sendFailure(ctx, rc, uuid.Nil, err, log)
		return
	}
	advice := make(map[string]any, len(candidates))
	for id, results := range candidates {
		if len(results) == 1 {
			advice[id.String()] = results[0].Advice
			continue
		}
		trees := make([]discovery.AdviceNode, len(results))
		for i, r := range results {
			trees[i] = r.Advice
		}
		advice[id.String()] = trees
	}
	if err := rc.SendDiscovery(ctx, advice); err != nil {
		log.Error("send discovery response failed", "error", err)
	}
}

func (svc *Service) runPipeline(ctx context.Context, rc *request.Context, job message.Job, log *slog.Logger) {
	compileStart := time.Now()
	leaves, err := compiler.Compile(ctx, rc, svc.Site, job.Execute.Body)
	metrics.CompileDuration.Observe(time.Since(compileStart).Seconds())
	if err != nil {
		svc.sendFailure(ctx, rc, uuid.Nil, err, log)
		return
	}

	for nodeID, a := range leaves {
		if err := svc.drainLeaf(ctx, rc, nodeID, a, log); err != nil {
			log.Error("leaf failed", "node_id", nodeID, "error", err)
		}
	}
}

// drainLeaf pulls every item out of a leaf's stream, converting it to a
// ValueResponse (via the item's ResponsePreparer if it has one) and
// sending a heartbeat between items, matching execute_pubsub.py's
// `async for _heartbeat in await dfm_execute.execute(...)` loop.
func (svc *Service) drainLeaf(ctx context.Context, rc *request.Context, nodeID uuid.UUID, a adapter.Adapter, log *slog.Logger) error {
	stream, err := a.GetOrCreateStream(ctx)
	if err != nil {
		svc.sendFailure(ctx, rc, nodeID, err, log)
		return err
	}

	cur := stream.NewCursor()
	first := true
	for {
		item, ok, err := cur.Next(ctx)
		if err != nil {
			svc.sendFailure(ctx, rc, nodeID, err, log)
			return err
		}
		if !ok {
			return nil
		}
		if !first {
			if _, err := rc.SendHeartbeat(ctx); err != nil {
				log.Error("heartbeat failed", "error", err)
			}
		}
		first = false
		metrics.AdapterStreamItems.WithLabelValues("leaf").Inc()

		payload := any(item)
		if prep, ok := item.(adapter.ResponsePreparer); ok {
			prepared, err := prep.PrepareToSend(item)
			if err != nil {
				svc.sendFailure(ctx, rc, nodeID, err, log)
				return err
			}
			payload = prepared
		}
		if err := rc.SendValue(ctx, nodeID, payload); err != nil {
			return fmt.Errorf("execute: send value: %w", err)
		}
	}
}

func (svc *Service) sendFailure(ctx context.Context, rc *request.Context, nodeID uuid.UUID, err error, log *slog.Logger) {
	log.Error("request failed", "error", err)
	kind := dfmerr.Kind(err)
	metrics.JobsFailed.WithLabelValues("execute", kind).Inc()
	if sendErr := rc.SendError(ctx, nodeID, kind, err.Error()); sendErr != nil {
		log.Error("failed to deliver error response", "error", sendErr)
	}
}
