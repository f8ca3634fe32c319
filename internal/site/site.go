// Package site implements the Site/Provider registry: one installation of
// the runtime, with its own named providers, each mapping an api_class to
// a concrete adapter implementation plus its static config. Grounded on
// original_source's _provider.py (pre_instantiate_adapter) and
// _uninitialized_adapter.py, with the dynamic importlib resolution
// replaced by a static Go registry -- the idiomatic substitute named in
// spec.md's design notes for the tagged-union registry pattern.
package site

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nvidia-earth2/dfm/internal/adapter"
	"github.com/nvidia-earth2/dfm/internal/dfmapi"
	"github.com/nvidia-earth2/dfm/internal/dfmerr"
	"github.com/nvidia-earth2/dfm/internal/request"
	"github.com/nvidia-earth2/dfm/internal/storage"
)

// AdapterConstructor builds a live adapter from a request context, the
// owning provider, the adapter's raw static config, its FunctionCall
// params, and its resolved inputs (each value is either adapter.Adapter
// or []adapter.Adapter, matching the param's InputKind).
type AdapterConstructor func(ctx context.Context, rc *request.Context, provider *Provider, rawConfig json.RawMessage, params dfmapi.FunctionCall, inputs map[string]any) (adapter.Adapter, error)

var registry = map[string]AdapterConstructor{}

// Register adds a concrete adapter implementation's constructor to the
// registry, keyed by the api_class it implements. Built-in (and domain)
// adapter packages call this from an init() function.
func Register(apiClass string, ctor AdapterConstructor) {
	registry[apiClass] = ctor
}

// ProviderConfig is the static configuration for one provider: its
// interface table (api_class -> adapter config, raw until the matching
// constructor unmarshals it) plus an optional cache filesystem config.
type ProviderConfig struct {
	ProviderClass   string                     `yaml:"provider_class" json:"provider_class"`
	CacheFsspecConf *FsspecConf                `yaml:"cache_fsspec_conf,omitempty" json:"cache_fsspec_conf,omitempty"`
	Interface       map[string]json.RawMessage `yaml:"interface" json:"interface"`
}

// FsspecConf names a storage backend and base url, mirroring
// original_source's FsspecConf (protocol/base_url/storage_options).
type FsspecConf struct {
	Protocol       string         `yaml:"protocol" json:"protocol"`
	BaseURL        string         `yaml:"base_url" json:"base_url"`
	StorageOptions map[string]any `yaml:"storage_options,omitempty" json:"storage_options,omitempty"`
}

// Provider is a keyed configuration describing how to realise API classes
// at this site.
type Provider struct {
	name    string
	site    *Site
	config  ProviderConfig
	secrets map[string]any
}

func (p *Provider) Name() string           { return p.name }
func (p *Provider) Site() *Site            { return p.site }
func (p *Provider) Config() ProviderConfig { return p.config }

// MergedStorageOptions merges config and secrets storage options, secrets
// taking precedence -- mirroring Provider._merged_storage_options.
func (p *Provider) MergedStorageOptions() map[string]any {
	out := map[string]any{}
	if p.config.CacheFsspecConf != nil {
		for k, v := range p.config.CacheFsspecConf.StorageOptions {
			out[k] = v
		}
	}
	if secretsOpts, ok := p.secrets["cache_storage_options"].(map[string]any); ok {
		for k, v := range secretsOpts {
			out[k] = v
		}
	}
	return out
}

// Filesystem returns the storage.FS backing this provider's cache (or data)
// fsspec config. Only the "memory" protocol maps to storage.Memory; every
// other protocol (including "file") maps to storage.Local rooted at
// BaseURL, since the teacher's dependency set carries no cloud storage
// SDK to back s3/gcs protocols -- see DESIGN.md.
func (p *Provider) Filesystem() storage.FS {
	if p.config.CacheFsspecConf != nil && p.config.CacheFsspecConf.Protocol == "memory" {
		return storage.NewMemory()
	}
	base := "."
	if p.config.CacheFsspecConf != nil {
		base = p.config.CacheFsspecConf.BaseURL
	}
	return storage.NewLocal(base)
}

// PreInstantiateAdapter looks up func_params.api_class in this provider's
// interface table and returns an Uninitialized handle bound to the
// registered constructor, without yet resolving inputs.
func (p *Provider) PreInstantiateAdapter(fc dfmapi.FunctionCall) (*Uninitialized, error) {
	rawConfig, ok := p.config.Interface[fc.APIClass()]
	if !ok {
		return nil, dfmerr.NewServerError("function %s is not in provider %s's interface", fc.APIClass(), p.name)
	}
	ctor, ok := registry[fc.APIClass()]
	if !ok {
		return nil, dfmerr.NewServerError("no adapter implementation registered for %s", fc.APIClass())
	}
	return &Uninitialized{ctor: ctor, provider: p, rawConfig: rawConfig, params: fc}, nil
}

// Uninitialized is the pre-instantiated, not-yet-wired adapter handle:
// Go's analogue of the source's UninitializedAdapter, except FinishInit
// performs a single real construction rather than re-invoking __init__.
type Uninitialized struct {
	ctor      AdapterConstructor
	provider  *Provider
	rawConfig json.RawMessage
	params    dfmapi.FunctionCall
}

func (u *Uninitialized) FinishInit(ctx context.Context, rc *request.Context, inputs map[string]any) (adapter.Adapter, error) {
	return u.ctor(ctx, rc, u.provider, u.rawConfig, u.params, inputs)
}

func (u *Uninitialized) InputNames() []string {
	if ir, ok := u.params.(dfmapi.InputRefs); ok {
		return ir.InputNames()
	}
	return nil
}

func (u *Uninitialized) InputKind(name string) dfmapi.InputKind {
	if ir, ok := u.params.(dfmapi.InputRefs); ok {
		return ir.InputKind(name)
	}
	return dfmapi.InputKindNone
}

func (u *Uninitialized) InputRef(name string) uuid.UUID {
	if ir, ok := u.params.(dfmapi.InputRefs); ok {
		return ir.InputRef(name)
	}
	return uuid.Nil
}

func (u *Uninitialized) InputRefList(name string) []uuid.UUID {
	if ir, ok := u.params.(dfmapi.InputRefs); ok {
		return ir.InputRefList(name)
	}
	return nil
}

// Site is one installation of the runtime, with its own providers,
// identified by a name.
type Site struct {
	Config SiteConfig

	providers map[string]*Provider
}

// SiteConfig is the document form read from the site config/secrets
// files (see internal/config).
type SiteConfig struct {
	Site            string                    `yaml:"site" json:"site"`
	DefaultProvider string                    `yaml:"default_provider,omitempty" json:"default_provider,omitempty"`
	Providers       map[string]ProviderConfig `yaml:"providers" json:"providers"`
}

// New builds a Site from config and a parallel secrets document (nil
// secrets is legal -- secrets are optional per spec.md 6).
func New(cfg SiteConfig, secrets map[string]map[string]any) *Site {
	s := &Site{Config: cfg, providers: map[string]*Provider{}}
	for name, pcfg := range cfg.Providers {
		var sec map[string]any
		if secrets != nil {
			sec = secrets[name]
		}
		s.providers[name] = &Provider{name: name, site: s, config: pcfg, secrets: sec}
	}
	return s
}

func (s *Site) Name() string { return s.Config.Site }

func (s *Site) Provider(name string) (*Provider, bool) {
	p, ok := s.providers[name]
	return p, ok
}

// PreInstantiateAdapter resolves a FunctionCall's provider (falling back
// to the site's default when absent) and pre-instantiates its adapter.
func (s *Site) PreInstantiateAdapter(fc dfmapi.FunctionCall) (*Uninitialized, error) {
	name := fc.Header().Provider
	if name == "" {
		name = s.Config.DefaultProvider
	}
	p, ok := s.providers[name]
	if !ok {
		return nil, dfmerr.NewServerError("site %s has no provider %q", s.Name(), name)
	}
	return p.PreInstantiateAdapter(fc)
}

// PreInstantiateAdaptersWithoutProvider is the discovery resolution path:
// one Uninitialized per provider whose interface table exposes the
// requested api_class.
func (s *Site) PreInstantiateAdaptersWithoutProvider(fc dfmapi.FunctionCall) ([]*Uninitialized, error) {
	var out []*Uninitialized
	for _, p := range s.providers {
		if _, ok := p.config.Interface[fc.APIClass()]; !ok {
			continue
		}
		u, err := p.PreInstantiateAdapter(fc)
		if err != nil {
			return nil, fmt.Errorf("site: discovery pre-instantiate in provider %s: %w", p.name, err)
		}
		out = append(out, u)
	}
	return out, nil
}
