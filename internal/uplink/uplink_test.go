package uplink

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

func newTransport(t *testing.T) *transport.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return transport.NewClientFromRaw(rdb)
}

func testJob(requestID string) message.Job {
	return message.Job{HomeSite: "site-a", RequestID: requestID, Execute: dfmapi.Execute{
		NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()},
	}}
}

func TestTryDeliverPublishesToKnownTargetSite(t *testing.T) {
	ctx := context.Background()
	local := newTransport(t)
	target := newTransport(t)
	svc := New(local, map[string]*transport.Client{"site-b": target})

	job := testJob("req-1")
	pkg := message.NewPackage("site-a", "site-b", job)
	raw, err := pkg.Marshal()
	require.NoError(t, err)

	svc.tryDeliver(ctx, pkg, raw)

	_, payload, ok, err := target.ReadOne(ctx, message.StreamName(message.ServiceExecute), message.GroupName(message.ServiceExecute), "c1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := message.UnmarshalJob(payload)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RequestID)
}

func TestTryDeliverHoldsPackageForUnreachableSite(t *testing.T) {
	ctx := context.Background()
	local := newTransport(t)
	svc := New(local, map[string]*transport.Client{})

	job := testJob("req-2")
	pkg := message.NewPackage("site-a", "site-unknown", job)
	raw, err := pkg.Marshal()
	require.NoError(t, err)

	svc.tryDeliver(ctx, pkg, raw)

	held, err := local.DrainPending(ctx, PendingKey)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, raw, held[0])
}

func TestSweepRedeliversPendingPackageOnceTargetAppears(t *testing.T) {
	ctx := context.Background()
	local := newTransport(t)
	svc := New(local, map[string]*transport.Client{})

	job := testJob("req-3")
	pkg := message.NewPackage("site-a", "site-b", job)
	raw, err := pkg.Marshal()
	require.NoError(t, err)
	require.NoError(t, local.EnqueuePending(ctx, PendingKey, raw))

	target := newTransport(t)
	svc.Sites["site-b"] = target

	svc.sweep(ctx)

	_, payload, ok, err := target.ReadOne(ctx, message.StreamName(message.ServiceExecute), message.GroupName(message.ServiceExecute), "c1", 0)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := message.UnmarshalJob(payload)
	require.NoError(t, err)
	assert.Equal(t, "req-3", got.RequestID)

	stillHeld, err := local.DrainPending(ctx, PendingKey)
	require.NoError(t, err)
	assert.Empty(t, stillHeld)
}

func TestSweepDropsPackagePastMaxAge(t *testing.T) {
	ctx := context.Background()
	local := newTransport(t)
	svc := New(local, map[string]*transport.Client{"site-b": newTransport(t)})
	svc.MaxPackageAge = time.Hour

	job := testJob("req-4")
	pkg := message.NewPackage("site-a", "site-b", job)
	pkg.Timestamp = time.Now().UTC().Add(-2 * time.Hour)
	raw, err := pkg.Marshal()
	require.NoError(t, err)
	require.NoError(t, local.EnqueuePending(ctx, PendingKey, raw))

	svc.sweep(ctx)

	target := svc.Sites["site-b"]
	_, _, ok, err := target.ReadOne(ctx, message.StreamName(message.ServiceExecute), message.GroupName(message.ServiceExecute), "c1", 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "a package past max age must not be redelivered")
}

func TestDeliverDrainsOneQueuedPackage(t *testing.T) {
	ctx := context.Background()
	local := newTransport(t)
	target := newTransport(t)
	svc := New(local, map[string]*transport.Client{"site-b": target})

	job := testJob("req-5")
	pkg := message.NewPackage("site-a", "site-b", job)
	_, err := local.PublishPackage(ctx, message.StreamName(message.ServiceUplink), pkg)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { _ = svc.deliver(runCtx); close(done) }()

	require.Eventually(t, func() bool {
		_, _, ok, err := target.ReadOne(ctx, message.StreamName(message.ServiceExecute), message.GroupName(message.ServiceExecute), "peek", 0)
		return err == nil && ok
	}, 1500*time.Millisecond, 10*time.Millisecond, "deliver loop should republish the queued package")

	cancel()
	<-done
}
