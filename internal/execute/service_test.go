package execute

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia-earth2/dfm/internal/adapter"
	"github.com/nvidia-earth2/dfm/internal/dfmapi"
	"github.com/nvidia-earth2/dfm/internal/message"
	"github.com/nvidia-earth2/dfm/internal/request"
	"github.com/nvidia-earth2/dfm/internal/site"
	"github.com/nvidia-earth2/dfm/internal/transport"
)

const testConstantClass = "dfm.api.dfm.Constant"

func init() {
	// Register a trivial constant-emitting adapter under its real
	// api_class so these tests can drive the Execute Service without
	// depending on internal/adapter/builtin (avoiding an import cycle
	// risk and keeping the fixture self-contained).
	site.Register(testConstantClass, func(ctx context.Context, rc *request.Context, p *site.Provider, rawConfig json.RawMessage, params dfmapi.FunctionCall, inputs map[string]any) (adapter.Adapter, error) {
		c := params.(*dfmapi.Constant)
		return adapter.NewBase(func(ctx context.Context, emit func(any) bool) error {
			emit(c.Value)
			return nil
		}), nil
	})
}

func testService(t *testing.T) (*Service, *transport.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tc := transport.NewClientFromRaw(rdb)
	s := site.New(site.SiteConfig{
		Site:            "site-a",
		DefaultProvider: "local",
		Providers: map[string]site.ProviderConfig{
			"local": {Interface: map[string]json.RawMessage{testConstantClass: json.RawMessage(`{}`)}},
		},
	}, nil)
	return New(s, tc), tc
}

func TestProcessJobRunsPipelineAndDeliversValue(t *testing.T) {
	ctx := context.Background()
	svc, tc := testService(t)

	nodeID := dfmapi.NewNodeID()
	body := dfmapi.Body{nodeID: &dfmapi.Constant{NodeHeader: dfmapi.NodeHeader{NodeID: nodeID}, Value: "hi"}}
	requestID := uuid.New()
	job := message.Job{HomeSite: "site-a", RequestID: requestID.String(), Execute: dfmapi.Execute{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}, Body: body}}

	svc.processJob(ctx, job)

	raw, err := tc.Responses(ctx, requestID.String())
	require.NoError(t, err)
	require.Len(t, raw, 1)
	var resp dfmapi.Response
	require.NoError(t, resp.UnmarshalJSON(raw[0]))
	assert.Equal(t, nodeID, resp.NodeID)
	val, ok := resp.Body.(dfmapi.ValueResponse)
	require.True(t, ok)
	assert.Equal(t, "hi", val.Value)
}

func TestProcessJobInvalidRequestIDIsDropped(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(t)
	job := message.Job{HomeSite: "site-a", RequestID: "not-a-uuid", Execute: dfmapi.Execute{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}}}

	svc.processJob(ctx, job)
	// No panic and no response path exercised; the invalid id is simply
	// logged and processing stops before any request context is built.
}

func TestProcessJobCompileFailureSendsErrorResponse(t *testing.T) {
	ctx := context.Background()
	svc, tc := testService(t)

	refID := dfmapi.NewNodeID()
	body := dfmapi.Body{refID: &dfmapi.Constant{NodeHeader: dfmapi.NodeHeader{NodeID: refID, Provider: "missing-provider"}, Value: "x"}}
	requestID := uuid.New()
	job := message.Job{HomeSite: "site-a", RequestID: requestID.String(), Execute: dfmapi.Execute{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}, Body: body}}

	svc.processJob(ctx, job)

	raw, err := tc.Responses(ctx, requestID.String())
	require.NoError(t, err)
	require.Len(t, raw, 1)
	var resp dfmapi.Response
	require.NoError(t, resp.UnmarshalJSON(raw[0]))
	errResp, ok := resp.Body.(dfmapi.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "ServerError", errResp.Kind)
}

func TestProcessJobDiscoverySendsDiscoveryResponse(t *testing.T) {
	ctx := context.Background()
	svc, tc := testService(t)

	nodeID := dfmapi.NewNodeID()
	body := dfmapi.Body{nodeID: &dfmapi.Constant{NodeHeader: dfmapi.NodeHeader{NodeID: nodeID}, Value: "x"}}
	requestID := uuid.New()
	job := message.Job{
		HomeSite:    "site-a",
		RequestID:   requestID.String(),
		IsDiscovery: true,
		Execute:     dfmapi.Execute{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}, Body: body},
	}

	svc.processJob(ctx, job)

	raw, err := tc.Responses(ctx, requestID.String())
	require.NoError(t, err)
	require.Len(t, raw, 1)
	var resp dfmapi.Response
	require.NoError(t, resp.UnmarshalJSON(raw[0]))
	_, ok := resp.Body.(dfmapi.DiscoveryResponse)
	assert.True(t, ok)
}

func TestRunConsumesOneJobThenStopsOnCancel(t *testing.T) {
	ctx := context.Background()
	svc, tc := testService(t)

	nodeID := dfmapi.NewNodeID()
	body := dfmapi.Body{nodeID: &dfmapi.Constant{NodeHeader: dfmapi.NodeHeader{NodeID: nodeID}, Value: "ran"}}
	requestID := uuid.New()
	job := message.Job{HomeSite: "site-a", RequestID: requestID.String(), Execute: dfmapi.Execute{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}, Body: body}}

	_, err := tc.PublishJob(ctx, message.StreamName(message.ServiceExecute), job)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { _ = svc.Run(runCtx); close(done) }()

	require.Eventually(t, func() bool {
		raw, err := tc.Responses(ctx, requestID.String())
		return err == nil && len(raw) == 1
	}, 1500*time.Millisecond, 10*time.Millisecond, "execute service should deliver the published job's response")

	cancel()
	<-done
}
