package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia-earth2/dfm/internal/dfmapi"
	"github.com/nvidia-earth2/dfm/internal/message"
	"github.com/nvidia-earth2/dfm/internal/transport"
)

func testService(t *testing.T) (*Service, *transport.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tc := transport.NewClientFromRaw(rdb)
	return New(tc), tc
}

func runBriefly(ctx context.Context, cancel context.CancelFunc, fn func(context.Context) error, wait time.Duration) {
	done := make(chan struct{})
	go func() { fn(ctx); close(done) }()
	time.Sleep(wait)
	cancel()
	<-done
}

func TestInputShortCircuitsImmediateJobToExecuteStream(t *testing.T) {
	svc, tc := testService(t)
	ctx := context.Background()
	job := message.Job{HomeSite: "site-a", RequestID: "req-1", Execute: dfmapi.Execute{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}}}
	_, err := tc.PublishJob(ctx, message.StreamName(message.ServiceScheduler), job)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	runBriefly(runCtx, cancel, svc.input, 150*time.Millisecond)

	_, payload, ok, err := tc.ReadOne(ctx, message.StreamName(message.ServiceExecute), message.GroupName(message.ServiceExecute), "c1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := message.UnmarshalJob(payload)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RequestID)
}

func TestInputEnqueuesDelayedJobInSortedSet(t *testing.T) {
	svc, tc := testService(t)
	ctx := context.Background()
	deadline := time.Now().UTC().Add(time.Hour)
	job := message.Job{HomeSite: "site-a", RequestID: "req-2", Deadline: &deadline, Execute: dfmapi.Execute{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}}}
	_, err := tc.PublishJob(ctx, message.StreamName(message.ServiceScheduler), job)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	runBriefly(runCtx, cancel, svc.input, 150*time.Millisecond)

	member, score, ok, err := tc.ZPeekMin(ctx, message.SchedulerQueueKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.DeadlineScore(), score)

	got, err := message.UnmarshalJob([]byte(member))
	require.NoError(t, err)
	assert.Equal(t, "req-2", got.RequestID)
}

func TestPollRepublishesDueJobToExecuteStream(t *testing.T) {
	svc, tc := testService(t)
	ctx := context.Background()
	job := message.Job{HomeSite: "site-a", RequestID: "req-3", Execute: dfmapi.Execute{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}}}
	data, err := job.Marshal()
	require.NoError(t, err)
	pastDeadline := float64(time.Now().UTC().Add(-time.Minute).Unix())
	require.NoError(t, tc.ZAddKeepMin(ctx, message.SchedulerQueueKey, pastDeadline, string(data)))

	runCtx, cancel := context.WithCancel(ctx)
	runBriefly(runCtx, cancel, svc.poll, 700*time.Millisecond)

	_, payload, ok, err := tc.ReadOne(ctx, message.StreamName(message.ServiceExecute), message.GroupName(message.ServiceExecute), "c1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := message.UnmarshalJob(payload)
	require.NoError(t, err)
	assert.Equal(t, "req-3", got.RequestID)
}

func TestPollLeavesNotYetDueJobQueued(t *testing.T) {
	svc, tc := testService(t)
	ctx := context.Background()
	job := message.Job{HomeSite: "site-a", RequestID: "req-4", Execute: dfmapi.Execute{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}}}
	data, err := job.Marshal()
	require.NoError(t, err)
	futureDeadline := float64(time.Now().UTC().Add(time.Hour).Unix())
	require.NoError(t, tc.ZAddKeepMin(ctx, message.SchedulerQueueKey, futureDeadline, string(data)))

	runCtx, cancel := context.WithCancel(ctx)
	runBriefly(runCtx, cancel, svc.poll, 700*time.Millisecond)

	_, _, ok, err := tc.ZPeekMin(ctx, message.SchedulerQueueKey)
	require.NoError(t, err)
	assert.True(t, ok, "not-yet-due job must remain queued")
}
