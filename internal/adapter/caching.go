package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nvidia-earth2/dfm/internal/storage"
)

const (
	cacheMetadataFile = "_dfm_cache_metadata.json"
	cacheSentinelFile = "_dfm_cache_sentinel.json"
)

// CacheBackend persists and restores one adapter's computed items. Adapter
// types that want caching implement it (mirroring the source's
// load_values_from_cache / write_value_to_cache hooks on a CachingIterator
// subclass); adapters that don't want caching simply never construct a
// CachingIterator.
type CacheBackend interface {
	// LoadValues is called only when the sentinel exists and force_compute
	// is off; it returns previously cached items and ok=true on a cache
	// hit, or ok=false to have the items recomputed.
	LoadValues(ctx context.Context, expectedNumElements int) (values []any, ok bool, err error)
	// WriteValue persists one computed item at its position in the
	// stream.
	WriteValue(ctx context.Context, index int, item any) error
}

// PipelineHashKey computes the stable, content-addressed cache key for an
// adapter invocation: deterministic given identical api class, config,
// params, and (recursively) input hash keys -- independent of node_id and
// wall-clock fields, per spec.md 4.2. encoding/json already serializes map
// keys in sorted order, which is what makes this canonical.
func PipelineHashKey(apiClass string, config, params any, inputHashKeys []string) (string, error) {
	payload := struct {
		APIClass string   `json:"api_class"`
		Config   any      `json:"config"`
		Params   any      `json:"params"`
		Inputs   []string `json:"inputs"`
	}{APIClass: apiClass, Config: config, Params: params, Inputs: inputHashKeys}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("adapter: canonicalize cache key: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CachingIterator wraps a ProducerFunc so that on a cache hit it replays
// previously written values instead of recomputing, and on a miss it
// writes the metadata file up front, one item file per produced value, and
// the sentinel file only after the wrapped producer returns without
// error. An exception leaves the sentinel absent and the failing item's
// file never written, signalling an incomplete cache that must not be
// reused (spec.md 4.2 / SPEC_FULL.md TESTABLE PROPERTIES).
type CachingIterator struct {
	fs           storage.FS
	baseFolder   string
	hashKey      string
	backend      CacheBackend
	forceCompute bool

	mu      sync.Mutex
	written int
}

func NewCachingIterator(fs storage.FS, baseFolder, hashKey string, backend CacheBackend, forceCompute bool) *CachingIterator {
	return &CachingIterator{
		fs:           fs,
		baseFolder:   baseFolder,
		hashKey:      hashKey,
		backend:      backend,
		forceCompute: forceCompute,
	}
}

func (c *CachingIterator) PipelineHashKey() string { return c.hashKey }

func (c *CachingIterator) FullCacheFolderPath() string {
	return c.baseFolder + "/" + c.hashKey
}

func (c *CachingIterator) metadataPath() string { return c.FullCacheFolderPath() + "/" + cacheMetadataFile }
func (c *CachingIterator) sentinelPath() string { return c.FullCacheFolderPath() + "/" + cacheSentinelFile }

// ExpectedNumCacheElements reports how many items this run has written so
// far (exposed for tests, mirroring the source's eponymous accessor).
func (c *CachingIterator) ExpectedNumCacheElements() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Wrap returns a ProducerFunc that replays a cache hit, or else runs
// inner while persisting each item, writing the sentinel only on success.
func (c *CachingIterator) Wrap(ctx context.Context, inner ProducerFunc, expectedNumElements int) ProducerFunc {
	return func(ctx context.Context, emit func(any) bool) error {
		if !c.forceCompute {
			if ok, err := c.hasSentinel(ctx); err != nil {
				return err
			} else if ok {
				values, hit, err := c.backend.LoadValues(ctx, expectedNumElements)
				if err != nil {
					return err
				}
				if hit {
					for _, v := range values {
						if !emit(v) {
							return nil
						}
					}
					return nil
				}
			}
		}

		if err := c.writeMetadata(ctx); err != nil {
			return err
		}

		idx := 0
		var writeErr error
		err := inner(ctx, func(item any) bool {
			if writeErr = c.backend.WriteValue(ctx, idx, item); writeErr != nil {
				return false // stop the producer; writeErr takes precedence below
			}
			idx++
			c.mu.Lock()
			c.written++
			c.mu.Unlock()
			return emit(item)
		})
		if writeErr != nil {
			return writeErr
		}
		if err != nil {
			return err
		}
		return c.writeSentinel(ctx)
	}
}

func (c *CachingIterator) hasSentinel(ctx context.Context) (bool, error) {
	ok, err := c.fs.Exists(ctx, c.sentinelPath())
	if err != nil {
		return false, fmt.Errorf("adapter: check sentinel: %w", err)
	}
	return ok, nil
}

func (c *CachingIterator) writeMetadata(ctx context.Context) error {
	data, _ := json.Marshal(map[string]any{"hash_key": c.hashKey})
	if err := c.fs.Write(ctx, c.metadataPath(), data); err != nil {
		return fmt.Errorf("adapter: write cache metadata: %w", err)
	}
	return nil
}

func (c *CachingIterator) writeSentinel(ctx context.Context) error {
	data, _ := json.Marshal(map[string]any{"complete": true})
	if err := c.fs.Write(ctx, c.sentinelPath(), data); err != nil {
		return fmt.Errorf("adapter: write cache sentinel: %w", err)
	}
	return nil
}
