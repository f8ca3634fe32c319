// Package scheduler implements the Scheduler Service: a sorted-set
// deadline queue fed by an input loop (consumes Jobs off the scheduler
// stream, short-circuiting to the execute stream when the deadline has
// already passed) and a run loop (polls the sorted set and republishes
// due jobs to the execute stream). Grounded on
// k8s/scheduler/scheduler_pubsub.py's SchedulerService -- its two
// concurrent asyncio tasks become two goroutines here.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nvidia-earth2/dfm/internal/logging"
	"github.com/nvidia-earth2/dfm/internal/message"
	"github.com/nvidia-earth2/dfm/internal/metrics"
	"github.com/nvidia-earth2/dfm/internal/transport"
)

// PollInterval is how often the run loop checks the sorted set for due
// jobs, matching the source's asyncio.sleep(0.5).
const PollInterval = 500 * time.Millisecond

// BlockTimeout bounds how long a single ReadOne call waits for the next
// scheduling request before looping back to check ctx.
const BlockTimeout = 2 * time.Second

// Service runs the scheduler's input and run loops against one transport.
type Service struct {
	Transport  *transport.Client
	ConsumerID string
	Log        *slog.Logger
}

func New(t *transport.Client) *Service {
	return &Service{
		Transport:  t,
		ConsumerID: uuid.NewString(),
		Log:        logging.WithComponent("dfm-scheduler"),
	}
}

// Run starts the input and run loops and blocks until either exits (ctx
// cancellation or an unrecoverable error).
func (svc *Service) Run(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() { errc <- svc.input(ctx) }()
	go func() { errc <- svc.poll(ctx) }()
	return <-errc
}

// input consumes scheduling requests off the scheduler stream: jobs whose
// deadline has already passed (or carry none) go straight to the execute
// stream; everything else is stored in the deadline-ordered sorted set.
func (svc *Service) input(ctx context.Context) error {
	stream := message.StreamName(message.ServiceScheduler)
	group := message.GroupName(message.ServiceScheduler)
	execStream := message.StreamName(message.ServiceExecute)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		id, payload, ok, err := svc.Transport.ReadOne(ctx, stream, group, svc.ConsumerID, BlockTimeout)
		if err != nil {
			svc.Log.Error("scheduler input read failed", "error", err)
			continue
		}
		if !ok {
			continue
		}

		job, err := message.UnmarshalJob(payload)
		if err != nil {
			svc.Log.Error("malformed scheduling request, dropping", "error", err)
			_ = svc.Transport.Ack(ctx, stream, group, id)
			continue
		}

		if !job.IsDelayed() {
			svc.Log.Info("short circuit - sending directly to execute", "request_id", job.RequestID)
			if _, err := svc.Transport.PublishJob(ctx, execStream, job); err != nil {
				svc.Log.Error("short-circuit publish failed", "error", err)
			}
		} else {
			data, err := job.Marshal()
			if err != nil {
				svc.Log.Error("marshal job failed", "error", err)
			} else if err := svc.Transport.ZAddKeepMin(ctx, message.SchedulerQueueKey, job.DeadlineScore(), string(data)); err != nil {
				svc.Log.Error("enqueue job failed", "error", err)
			} else {
				metrics.SchedulerQueueDepth.Inc()
			}
		}

		if err := svc.Transport.Ack(ctx, stream, group, id); err != nil {
			svc.Log.Error("ack scheduling request failed", "error", err)
		}
	}
}

// poll repeatedly peeks the sorted set's minimum-deadline job; once it has
// passed, pops the (possibly different, lower-deadline) minimum and
// republishes it to the execute stream. It does not assert that the
// popped job is the one it peeked -- a shorter-deadline job may have been
// added in between, and that is fine, since the loop will eventually
// drain every due job regardless of pop order.
func (svc *Service) poll(ctx context.Context) error {
	execStream := message.StreamName(message.ServiceExecute)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		_, score, ok, err := svc.Transport.ZPeekMin(ctx, message.SchedulerQueueKey)
		if err != nil {
			svc.Log.Error("peek scheduler queue failed", "error", err)
			continue
		}
		if !ok || score > float64(time.Now().UTC().Unix()) {
			continue
		}

		popped, poppedScore, popOk, err := svc.Transport.ZPopMin(ctx, message.SchedulerQueueKey)
		if err != nil {
			svc.Log.Error("pop scheduler queue failed", "error", err)
			continue
		}
		if !popOk {
			continue
		}

		job, err := message.UnmarshalJob([]byte(popped))
		if err != nil {
			svc.Log.Error("malformed queued job, dropping", "error", err)
			continue
		}

		metrics.SchedulerQueueDepth.Dec()
		svc.Log.Info("sending due job to execute", "request_id", job.RequestID, "deadline_score", poppedScore)
		if _, err := svc.Transport.PublishJob(ctx, execStream, job); err != nil {
			svc.Log.Error("publish due job failed", "error", err)
		}
	}
}
