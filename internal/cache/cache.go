// Package cache holds process-wide, never-evicted caches of immutable
// execution plans keyed by a canonical encoding of their signature.
package cache

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var keyMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: cbor encode mode: %v", err))
	}
	keyMode = em
}

// Key encodes a signature with deterministic CBOR. Equal signatures always
// produce equal keys, including signatures that carry slices or optional
// fields.
func Key(sig any) (string, error) {
	b, err := keyMode.Marshal(sig)
	if err != nil {
		return "", fmt.Errorf("cache: encode signature %T: %w", sig, err)
	}
	return string(b), nil
}

// PlanCache is the lookup surface the plan factories depend on.
type PlanCache[V any] interface {
	// Get returns a published value.
	Get(key string) (V, bool)
	// GetOrCreate returns the value for key, building and publishing it once.
	GetOrCreate(key string, build func() (V, error)) (V, error)
	// Len returns the number of published values.
	Len() int
}

var _ PlanCache[int] = (*MapCache[int])(nil)

// MapCache is a RWMutex-guarded map whose misses are funnelled through a
// singleflight group, so concurrent callers with the same key share a single
// construction and nobody observes a value before it is fully built.
type MapCache[V any] struct {
	name  string
	data  map[string]V
	mu    sync.RWMutex
	group singleflight.Group
}

// NewMapCache creates an empty cache. name labels its metrics.
func NewMapCache[V any](name string) *MapCache[V] {
	return &MapCache[V]{
		name: name,
		data: make(map[string]V),
	}
}

func (c *MapCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *MapCache[V]) GetOrCreate(key string, build func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		cacheHits.WithLabelValues(c.name).Inc()
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A previous flight may have published between our miss and Do.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		cacheMisses.WithLabelValues(c.name).Inc()
		v, err := build()
		if err != nil {
			buildErrors.WithLabelValues(c.name).Inc()
			return nil, err
		}

		c.mu.Lock()
		c.data[key] = v
		n := len(c.data)
		c.mu.Unlock()

		cacheEntries.WithLabelValues(c.name).Set(float64(n))
		log.Debug().Str("cache", c.name).Int("entries", n).Msg("plan published")
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (c *MapCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
