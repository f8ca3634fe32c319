package compiler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia-earth2/dfm/internal/adapter"
	"github.com/nvidia-earth2/dfm/internal/dfmapi"
	"github.com/nvidia-earth2/dfm/internal/discovery"
	"github.com/nvidia-earth2/dfm/internal/request"
	"github.com/nvidia-earth2/dfm/internal/site"
)

const testLeafClass = "dfm.api.dfm.testCompilerLeaf"
const testRefClass = "dfm.api.dfm.testCompilerRef"
const testAdviseClass = "dfm.api.dfm.testCompilerAdvise"

type leafCall struct{ dfmapi.NodeHeader }

func (l *leafCall) APIClass() string { return testLeafClass }

type refCall struct {
	dfmapi.NodeHeader
	Input uuid.UUID `json:"input"`
}

func (r *refCall) APIClass() string            { return testRefClass }
func (r *refCall) InputNames() []string        { return []string{"input"} }
func (r *refCall) InputKind(string) dfmapi.InputKind { return dfmapi.InputKindSingle }
func (r *refCall) InputRef(string) uuid.UUID    { return r.Input }
func (r *refCall) InputRefList(string) []uuid.UUID { return nil }

type adviseCall struct{ dfmapi.NodeHeader }

func (a *adviseCall) APIClass() string { return testAdviseClass }

type adviseAdapter struct{ *adapter.Base }

func (adviseAdapter) FieldAdvisors() []discovery.FieldSpec {
	return []discovery.FieldSpec{
		{Name: "greeting", Order: 0, Advise: func(ctx context.Context, value any, fieldsCtx map[string]any) (discovery.AdvisedValue, error) {
			return discovery.AdvisedOneOf{Values: []any{"hi", "hello"}}, nil
		}},
	}
}

func init() {
	site.Register(testLeafClass, func(ctx context.Context, rc *request.Context, p *site.Provider, rawConfig json.RawMessage, params dfmapi.FunctionCall, inputs map[string]any) (adapter.Adapter, error) {
		return adapter.NewBase(func(ctx context.Context, emit func(any) bool) error {
			emit("leaf")
			return nil
		}), nil
	})
	site.Register(testRefClass, func(ctx context.Context, rc *request.Context, p *site.Provider, rawConfig json.RawMessage, params dfmapi.FunctionCall, inputs map[string]any) (adapter.Adapter, error) {
		in, _ := inputs["input"].(adapter.Adapter)
		return adapter.NewBase(func(ctx context.Context, emit func(any) bool) error {
			if in == nil {
				return nil
			}
			s, err := in.GetOrCreateStream(ctx)
			if err != nil {
				return err
			}
			items, err := s.NewCursor().Collect(ctx)
			if err != nil {
				return err
			}
			for _, item := range items {
				if !emit(item) {
					return nil
				}
			}
			return nil
		}), nil
	})
	site.Register(testAdviseClass, func(ctx context.Context, rc *request.Context, p *site.Provider, rawConfig json.RawMessage, params dfmapi.FunctionCall, inputs map[string]any) (adapter.Adapter, error) {
		return adviseAdapter{Base: adapter.NewBase(func(ctx context.Context, emit func(any) bool) error { return nil })}, nil
	})
}

func newTestSite(providerName string, apiClasses ...string) *site.Site {
	iface := map[string]json.RawMessage{}
	for _, c := range apiClasses {
		iface[c] = json.RawMessage(`{}`)
	}
	return site.New(site.SiteConfig{
		Site:            "site-a",
		DefaultProvider: providerName,
		Providers: map[string]site.ProviderConfig{
			providerName: {ProviderClass: "dfm.LocalProvider", Interface: iface},
		},
	}, nil)
}

func TestCompileResolvesLeavesOnly(t *testing.T) {
	s := newTestSite("local", testLeafClass, testRefClass)
	leafID, refID := dfmapi.NewNodeID(), dfmapi.NewNodeID()
	body := dfmapi.Body{
		leafID: &leafCall{dfmapi.NodeHeader{NodeID: leafID}},
		refID:  &refCall{NodeHeader: dfmapi.NodeHeader{NodeID: refID}, Input: leafID},
	}

	leaves, err := Compile(context.Background(), nil, s, body)
	require.NoError(t, err)
	assert.Len(t, leaves, 1)
	assert.Contains(t, leaves, refID)
}

func TestCompileRejectsUnknownInputReference(t *testing.T) {
	s := newTestSite("local", testRefClass)
	refID := dfmapi.NewNodeID()
	body := dfmapi.Body{
		refID: &refCall{NodeHeader: dfmapi.NodeHeader{NodeID: refID}, Input: dfmapi.NewNodeID()},
	}

	_, err := Compile(context.Background(), nil, s, body)
	assert.Error(t, err)
}

func TestCompileRejectsBodyWithNoLeaves(t *testing.T) {
	s := newTestSite("local", testRefClass)
	a, b := dfmapi.NewNodeID(), dfmapi.NewNodeID()
	body := dfmapi.Body{
		a: &refCall{NodeHeader: dfmapi.NodeHeader{NodeID: a}, Input: b},
		b: &refCall{NodeHeader: dfmapi.NodeHeader{NodeID: b}, Input: a},
	}

	_, err := Compile(context.Background(), nil, s, body)
	assert.Error(t, err)
}

func TestCompileDiscoveryExpandsProviderlessSentinel(t *testing.T) {
	siteA := newTestSite("p1", testLeafClass)
	// Add a second provider exposing the same api_class so the discovery
	// sentinel expands into two candidates.
	siteA.Config.Providers["p2"] = site.ProviderConfig{
		ProviderClass: "dfm.LocalProvider",
		Interface:     map[string]json.RawMessage{testLeafClass: json.RawMessage(`{}`)},
	}
	multiSite := site.New(siteA.Config, nil)

	id := dfmapi.NewNodeID()
	body := dfmapi.Body{
		id: &leafCall{dfmapi.NodeHeader{NodeID: id, Provider: dfmapi.ProviderDiscoverySentinel}},
	}

	candidates, err := CompileDiscovery(context.Background(), nil, multiSite, body)
	require.NoError(t, err)
	assert.Len(t, candidates[id], 2)
}

func TestCompileDiscoveryBuildsAdviceForAdviseableAdapter(t *testing.T) {
	s := newTestSite("local", testAdviseClass)
	id := dfmapi.NewNodeID()
	body := dfmapi.Body{id: &adviseCall{dfmapi.NodeHeader{NodeID: id}}}

	candidates, err := CompileDiscovery(context.Background(), nil, s, body)
	require.NoError(t, err)
	require.Len(t, candidates[id], 1)
	assert.NotNil(t, candidates[id][0].Advice)
}
