// Package codecache memoizes generated code by task fingerprint.
package codecache

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/cryguy/offload/internal/core"
)

// GenerateFunc turns a task into a loadable reference stored under key.
type GenerateFunc func(key string, t core.Task) (*core.CodeRef, error)

// Config configures a Cache.
type Config struct {
	// MaxEntries bounds the cache. Zero keeps every entry until it is
	// invalidated or the cache is cleared.
	MaxEntries int
	// Generate is invoked on a miss. Required.
	Generate GenerateFunc
	// OnEvict, if set, is called with the key of every entry removed to
	// make room.
	OnEvict func(key string)
	// OnLookup, if set, is called with hit true for every GetOrCreate
	// served without generating and hit false for every generation
	// attempt, matching Stats.
	OnLookup func(key string, hit bool)
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	key string
	ref *core.CodeRef
}

// Cache maps task fingerprints to generated code references. It is safe
// for concurrent use.
type Cache struct {
	cfg   Config
	group singleflight.Group

	mu    sync.Mutex
	ll    *list.List // front is most recently used
	items map[string]*list.Element

	generated atomic.Int64
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache.
func New(cfg Config) *Cache {
	if cfg.Generate == nil {
		panic("codecache: Config.Generate is required")
	}
	return &Cache{
		cfg:   cfg,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

// Key computes the fingerprint of a task: its function text, the ordered
// dependency list, and the number of helpers. Helper bodies do not take
// part, so two tasks that differ only in helper text share a key.
func Key(t core.Task) string {
	h := sha256.New()
	var n [8]byte
	writeField := func(s string) {
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	if t.Native() {
		writeField("native")
		writeField(t.Name)
	} else {
		writeField("script")
		writeField(string(t.Loader))
		writeField(t.Source)
	}
	binary.BigEndian.PutUint64(n[:], uint64(len(t.Dependencies)))
	h.Write(n[:])
	for _, d := range t.Dependencies {
		writeField(d)
	}
	binary.BigEndian.PutUint64(n[:], uint64(len(t.Helpers)))
	h.Write(n[:])
	return hex.EncodeToString(h.Sum(nil))
}

// GetOrCreate returns the cached reference for t, generating it on a
// miss. Concurrent misses for the same key generate once. Failed
// generations are not cached.
func (c *Cache) GetOrCreate(t core.Task) (*core.CodeRef, error) {
	key := Key(t)
	if ref := c.lookup(key); ref != nil {
		c.hit(key)
		return ref, nil
	}
	// Callers that join an in-flight generation, or find the entry once
	// inside the group, are hits. Only the generating caller is a miss.
	generated := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		if ref := c.lookup(key); ref != nil {
			return ref, nil
		}
		generated = true
		c.generated.Add(1)
		ref, err := c.cfg.Generate(key, t)
		if err != nil {
			return nil, err
		}
		c.store(key, ref)
		return ref, nil
	})
	if generated {
		c.misses.Add(1)
		c.observe(key, false)
	} else if err == nil {
		c.hit(key)
	}
	if err != nil {
		return nil, err
	}
	return v.(*core.CodeRef), nil
}

func (c *Cache) hit(key string) {
	c.hits.Add(1)
	c.observe(key, true)
}

// Get returns the cached reference for key without generating.
func (c *Cache) Get(key string) (*core.CodeRef, bool) {
	ref := c.lookup(key)
	return ref, ref != nil
}

// Invalidate removes and releases the entry for key. It reports whether
// an entry existed.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	if ok {
		c.ll.Remove(el)
		delete(c.items, key)
	}
	c.mu.Unlock()
	if ok {
		el.Value.(*entry).ref.Release()
	}
	return ok
}

// Clear releases every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	refs := make([]*core.CodeRef, 0, len(c.items))
	for _, el := range c.items {
		refs = append(refs, el.Value.(*entry).ref)
	}
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.mu.Unlock()
	for _, ref := range refs {
		ref.Release()
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Generated returns how many times the generator has been invoked.
func (c *Cache) Generated() int64 { return c.generated.Load() }

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) observe(key string, hit bool) {
	if c.cfg.OnLookup != nil {
		c.cfg.OnLookup(key, hit)
	}
}

func (c *Cache) lookup(key string) *core.CodeRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).ref
}

func (c *Cache) store(key string, ref *core.CodeRef) {
	var evicted []*entry
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		el.Value.(*entry).ref = ref
		c.ll.MoveToFront(el)
	} else {
		c.items[key] = c.ll.PushFront(&entry{key: key, ref: ref})
	}
	for c.cfg.MaxEntries > 0 && c.ll.Len() > c.cfg.MaxEntries {
		el := c.ll.Back()
		e := el.Value.(*entry)
		c.ll.Remove(el)
		delete(c.items, e.key)
		evicted = append(evicted, e)
	}
	c.mu.Unlock()

	for _, e := range evicted {
		e.ref.Release()
		c.evictions.Add(1)
		if c.cfg.OnEvict != nil {
			c.cfg.OnEvict(e.key)
		}
	}
}
