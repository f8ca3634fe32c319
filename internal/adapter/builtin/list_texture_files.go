package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/nvidia-earth2/dfm/internal/adapter"
	"github.com/nvidia-earth2/dfm/internal/dfmapi"
	"github.com/nvidia-earth2/dfm/internal/dfmerr"
	"github.com/nvidia-earth2/dfm/internal/discovery"
	"github.com/nvidia-earth2/dfm/internal/request"
	"github.com/nvidia-earth2/dfm/internal/site"
	"github.com/nvidia-earth2/dfm/internal/storage"
)

// listTextureFilesConfig is the per-provider static config, grounded on
// dfm.config.adapter.dfm.ListTextureFiles: a subfolder under the
// provider's base url, an optional metadata filename, and an optional
// public server url used to rewrite returned urls.
type listTextureFilesConfig struct {
	Subfolder        string `json:"subfolder"`
	MetadataFilename string `json:"metadata_filename,omitempty"`
	ServerURL        string `json:"server_url,omitempty"`
}

// textureFilesBundle is the domain value ListTextureFiles produces, sent
// to the client via ResponsePreparer as a ValueResponse.
type textureFilesBundle struct {
	MetadataURL string         `json:"metadata_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	URLs        []string       `json:"urls"`
}

func (textureFilesBundle) PrepareToSend(item any) (any, error) {
	b, ok := item.(textureFilesBundle)
	if !ok {
		return nil, dfmerr.NewServerError("builtin: ListTextureFiles got non-bundle item %T", item)
	}
	return b, nil
}

// joinURLPaths joins a base url (which may carry a protocol/host) with one
// or more relative path segments, mirroring the source's join_url_paths.
func joinURLPaths(base string, parts ...string) string {
	all := append([]string{base}, parts...)
	var scheme, rest string
	if idx := strings.Index(all[0], "://"); idx >= 0 {
		scheme = all[0][:idx+3]
		rest = all[0][idx+3:]
	} else {
		rest = all[0]
	}
	segments := []string{rest}
	segments = append(segments, all[1:]...)
	joined := path.Join(segments...)
	return scheme + joined
}

// listTextureFilesAdapter adds a field advisor to the embedded Base: with
// no path supplied, it globs two directory levels below the provider's
// subfolder and proposes each as a candidate, matching the closing
// sentence of dfm.config.adapter.dfm.ListTextureFiles's field description
// ("if path is not given, available subfolders are discovered by listing
// the cache two levels deep").
type listTextureFilesAdapter struct {
	*adapter.Base
	fs     storage.FS
	base   string
	subdir string
	path   string
}

// AdvisedValues reports path as already resolved when the client supplied
// one, so the discovery builder validates it against the discovered
// subfolders rather than proposing candidates again.
func (l *listTextureFilesAdapter) AdvisedValues() map[string]any {
	if l.path == "" {
		return map[string]any{}
	}
	return map[string]any{"path": l.path}
}

func (l *listTextureFilesAdapter) FieldAdvisors() []discovery.FieldSpec {
	return []discovery.FieldSpec{
		{
			Name:  "path",
			Order: 1,
			Advise: func(ctx context.Context, value any, _ map[string]any) (discovery.AdvisedValue, error) {
				root := joinURLPaths(l.base, l.subdir)
				candidates := discoverSubfolders(ctx, l.fs, root, 2)
				values := make([]any, len(candidates))
				for i, c := range candidates {
					values[i] = c
				}
				return discovery.AdvisedOneOf{Values: values}, nil
			},
		},
	}
}

// discoverSubfolders returns the first-level subdirectories of root that
// hold at least one entry (found by globbing root/*/*). Deeper directories
// are not listed, and a depth below 2 yields no folders.
func discoverSubfolders(ctx context.Context, fs storage.FS, root string, depth int) []string {
	seen := map[string]bool{}
	patterns := []string{root + "/*/*", root + "/*"}
	if depth < 2 {
		patterns = []string{root + "/*"}
	}
	for _, pattern := range patterns {
		matches, err := fs.Glob(ctx, pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			dir := path.Dir(m)
			if dir != "." && dir != root {
				rel := strings.TrimPrefix(strings.TrimPrefix(dir, root), "/")
				if rel != "" {
					seen[rel] = true
				}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	return out
}

func newListTextureFiles(_ context.Context, rc *request.Context, provider *site.Provider, rawConfig json.RawMessage, params dfmapi.FunctionCall, _ map[string]any) (adapter.Adapter, error) {
	l, ok := params.(*dfmapi.ListTextureFiles)
	if !ok {
		return nil, dfmerr.NewServerError("builtin: ListTextureFiles got %T", params)
	}
	var cfg listTextureFilesConfig
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, dfmerr.WrapServerError(err, "builtin: ListTextureFiles config")
		}
	}
	fs := provider.Filesystem()

	base := ""
	if provider.Config().CacheFsspecConf != nil {
		base = provider.Config().CacheFsspecConf.BaseURL
	}
	folder := joinURLPaths(base, cfg.Subfolder, l.Path)

	inner := adapter.NewBase(adapter.Nullary(func(ctx context.Context) (any, error) {
		bundle := textureFilesBundle{}

		if cfg.MetadataFilename != "" && l.ReturnMetaData {
			metaPath := joinURLPaths(folder, cfg.MetadataFilename)
			if ok, _ := fs.Exists(ctx, metaPath); ok {
				data, err := fs.Read(ctx, metaPath)
				if err == nil {
					var meta map[string]any
					if json.Unmarshal(data, &meta) == nil {
						bundle.Metadata = meta
						if cfg.ServerURL != "" {
							bundle.MetadataURL = joinURLPaths(cfg.ServerURL, metaPath)
						} else {
							bundle.MetadataURL = metaPath
						}
					}
				}
			}
		}

		matches, err := fs.Glob(ctx, fmt.Sprintf("%s/*.%s", folder, l.Format))
		if err != nil {
			return nil, dfmerr.WrapDataError(err, "builtin: ListTextureFiles glob")
		}
		for _, m := range matches {
			base := joinURLPaths(folder, filepathBase(m))
			if cfg.ServerURL != "" {
				bundle.URLs = append(bundle.URLs, joinURLPaths(cfg.ServerURL, base))
			} else {
				bundle.URLs = append(bundle.URLs, base)
			}
		}

		_ = rc
		return bundle, nil
	}))

	return &listTextureFilesAdapter{Base: inner, fs: fs, base: base, subdir: cfg.Subfolder, path: l.Path}, nil
}

func filepathBase(p string) string {
	return path.Base(strings.TrimPrefix(p, string(os.PathSeparator)))
}
