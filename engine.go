package offload

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cryguy/offload/internal/codecache"
	"github.com/cryguy/offload/internal/codegen"
	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/deps"
	"github.com/cryguy/offload/internal/metrics"
	"github.com/cryguy/offload/internal/native"
)

// Engine owns the code cache, the unit factories, and the dependency
// loader shared by every controller it creates.
type Engine struct {
	cfg      EngineConfig
	log      *slog.Logger
	registry *native.Registry
	loader   core.ScriptLoader
	cache    *codecache.Cache
	units    core.UnitFactory

	mu          sync.Mutex
	controllers map[*Controller]struct{}
	closed      bool
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		cfg:         cfg,
		log:         log,
		registry:    cfg.Registry,
		loader:      cfg.Loader,
		controllers: make(map[*Controller]struct{}),
	}
	if e.registry == nil {
		e.registry = defaultRegistry
	}
	if e.loader == nil {
		dc := cfg.Deps
		if dc.Logger == nil {
			dc.Logger = log
		}
		l, err := deps.New(dc)
		if err != nil {
			return nil, fmt.Errorf("creating dependency loader: %w", err)
		}
		e.loader = l
	}

	genOpts := codegen.Options{Minify: cfg.Minify, NativeExists: e.registry.Has}
	e.cache = codecache.New(codecache.Config{
		MaxEntries: cfg.CacheSize,
		Generate: func(key string, t core.Task) (*core.CodeRef, error) {
			return codegen.Build(key, t, genOpts)
		},
		OnLookup: func(_ string, hit bool) { metrics.CacheLookup(hit) },
		OnEvict: func(key string) {
			metrics.CacheEvicted()
			log.Debug("evicted generated code", "component", "codecache", "key", key)
		},
	})

	e.units = cfg.Units
	if e.units == nil {
		e.units = kindMux{
			script: newScriptFactory(core.RuntimeConfig{
				MemoryLimitMB: cfg.MemoryLimitMB,
				Loader:        e.loader,
				Logger:        log,
			}),
			native: native.NewFactory(e.registry, log),
		}
	}
	return e, nil
}

// kindMux routes a code reference to the factory for its kind.
type kindMux struct {
	script core.UnitFactory
	native core.UnitFactory
}

func (m kindMux) Spawn(ref *core.CodeRef, cb core.UnitCallbacks) (core.Unit, error) {
	if ref.Kind == core.CodeNative {
		return m.native.Spawn(ref, cb)
	}
	return m.script.Spawn(ref, cb)
}

// Define registers src as the script served for locator when the
// engine uses its built-in dependency loader.
func (e *Engine) Define(locator, src string) error {
	l, ok := e.loader.(*deps.Loader)
	if !ok {
		return fmt.Errorf("engine uses a custom script loader")
	}
	l.Define(locator, src)
	return nil
}

// CacheLen returns the number of cached generated modules.
func (e *Engine) CacheLen() int { return e.cache.Len() }

// CacheStats returns the code cache counters.
func (e *Engine) CacheStats() codecache.Stats { return e.cache.Stats() }

// Invalidate drops the generated code for t, if cached, and the
// resolved source of its dependencies, so the next call for an equal
// task regenerates the code and loads the dependencies again.
func (e *Engine) Invalidate(t Task) bool {
	if l, ok := e.loader.(*deps.Loader); ok {
		for _, locator := range t.Dependencies {
			l.Forget(locator)
		}
	}
	return e.cache.Invalidate(codecache.Key(t))
}

// Shutdown closes every controller and clears the code cache. Later
// controllers reject calls with ErrClosed.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	ctrls := make([]*Controller, 0, len(e.controllers))
	for c := range e.controllers {
		ctrls = append(ctrls, c)
	}
	e.mu.Unlock()

	for _, c := range ctrls {
		c.Close()
	}
	e.cache.Clear()
	e.log.Info("engine shut down", "controllers", len(ctrls))
}

func (e *Engine) track(c *Controller) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.controllers[c] = struct{}{}
	return true
}

func (e *Engine) untrack(c *Controller) {
	e.mu.Lock()
	delete(e.controllers, c)
	e.mu.Unlock()
}

var (
	defaultRegistry = native.NewRegistry()
	defaultEngine   = sync.OnceValue(func() *Engine {
		e, err := NewEngine(EngineConfig{})
		if err != nil {
			panic(err)
		}
		return e
	})
)

// Default returns the process-wide engine used by New.
func Default() *Engine { return defaultEngine() }

// New creates a controller for t on the default engine.
func New(t Task, opts Options) *Controller {
	return Default().NewController(t, opts)
}
