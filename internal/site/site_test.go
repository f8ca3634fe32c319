package site

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia-earth2/dfm/internal/adapter"
	"github.com/nvidia-earth2/dfm/internal/dfmapi"
	"github.com/nvidia-earth2/dfm/internal/request"
	"github.com/nvidia-earth2/dfm/internal/storage"
)

const testAPIClass = "dfm.api.dfm.testSiteFixture"

func init() {
	Register(testAPIClass, func(ctx context.Context, rc *request.Context, p *Provider, rawConfig json.RawMessage, params dfmapi.FunctionCall, inputs map[string]any) (adapter.Adapter, error) {
		return adapter.NewBase(func(ctx context.Context, emit func(any) bool) error {
			emit("fixture")
			return nil
		}), nil
	})
}

type fixtureCall struct {
	dfmapi.NodeHeader
}

func (f *fixtureCall) APIClass() string { return testAPIClass }

func newTestSite(defaultProvider string) *Site {
	return New(SiteConfig{
		Site:            "site-a",
		DefaultProvider: defaultProvider,
		Providers: map[string]ProviderConfig{
			"local": {
				ProviderClass: "dfm.LocalProvider",
				Interface:     map[string]json.RawMessage{testAPIClass: json.RawMessage(`{}`)},
			},
			"remote": {
				ProviderClass: "dfm.LocalProvider",
				Interface:     map[string]json.RawMessage{testAPIClass: json.RawMessage(`{}`)},
			},
		},
	}, nil)
}

func TestSiteNameAndProviderLookup(t *testing.T) {
	s := newTestSite("local")
	assert.Equal(t, "site-a", s.Name())

	p, ok := s.Provider("local")
	require.True(t, ok)
	assert.Equal(t, "local", p.Name())

	_, ok = s.Provider("missing")
	assert.False(t, ok)
}

func TestPreInstantiateAdapterUsesDefaultProviderWhenUnset(t *testing.T) {
	s := newTestSite("local")
	fc := &fixtureCall{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}}

	u, err := s.PreInstantiateAdapter(fc)
	require.NoError(t, err)

	a, err := u.FinishInit(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestPreInstantiateAdapterHonoursExplicitProvider(t *testing.T) {
	s := newTestSite("local")
	fc := &fixtureCall{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID(), Provider: "remote"}}

	_, err := s.PreInstantiateAdapter(fc)
	require.NoError(t, err)
}

func TestPreInstantiateAdapterUnknownProviderErrors(t *testing.T) {
	s := newTestSite("local")
	fc := &fixtureCall{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID(), Provider: "ghost"}}

	_, err := s.PreInstantiateAdapter(fc)
	assert.Error(t, err)
}

func TestPreInstantiateAdaptersWithoutProviderCollectsAllMatches(t *testing.T) {
	s := newTestSite("local")
	fc := &fixtureCall{NodeHeader: dfmapi.NodeHeader{NodeID: dfmapi.NewNodeID()}}

	us, err := s.PreInstantiateAdaptersWithoutProvider(fc)
	require.NoError(t, err)
	assert.Len(t, us, 2)
}

func TestMergedStorageOptionsSecretsTakePrecedence(t *testing.T) {
	cfg := SiteConfig{
		Site: "site-a",
		Providers: map[string]ProviderConfig{
			"local": {
				ProviderClass: "dfm.LocalProvider",
				CacheFsspecConf: &FsspecConf{
					Protocol:       "file",
					BaseURL:        "/tmp/cache",
					StorageOptions: map[string]any{"key": "config-value", "only-config": true},
				},
			},
		},
	}
	secrets := map[string]map[string]any{
		"local": {"cache_storage_options": map[string]any{"key": "secret-value"}},
	}
	s := New(cfg, secrets)
	p, ok := s.Provider("local")
	require.True(t, ok)

	merged := p.MergedStorageOptions()
	assert.Equal(t, "secret-value", merged["key"])
	assert.Equal(t, true, merged["only-config"])
}

func TestFilesystemDispatchesOnProtocol(t *testing.T) {
	memSite := New(SiteConfig{
		Site: "site-a",
		Providers: map[string]ProviderConfig{
			"mem": {ProviderClass: "dfm.LocalProvider", CacheFsspecConf: &FsspecConf{Protocol: "memory"}},
		},
	}, nil)
	p, _ := memSite.Provider("mem")
	fs := p.Filesystem()
	_, ok := fs.(*storage.Memory)
	assert.True(t, ok)

	localSite := New(SiteConfig{
		Site: "site-a",
		Providers: map[string]ProviderConfig{
			"local": {ProviderClass: "dfm.LocalProvider", CacheFsspecConf: &FsspecConf{Protocol: "file", BaseURL: "/tmp"}},
		},
	}, nil)
	p2, _ := localSite.Provider("local")
	fs2 := p2.Filesystem()
	assert.NotNil(t, fs2)
}
