package offload

import (
	"log/slog"
	"time"

	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/deps"
	"github.com/cryguy/offload/internal/native"
)

// EngineConfig holds runtime configuration for an Engine.
type EngineConfig struct {
	Logger *slog.Logger

	// DefaultTimeout applies to controllers whose Options.Timeout is zero.
	// Zero means calls have no deadline.
	DefaultTimeout time.Duration
	CacheSize      int  // max generated modules kept; 0 is unbounded
	MemoryLimitMB  int  // per-unit memory limit for script units
	Minify         bool // minify generated modules

	// Deps configures the built-in dependency loader. Ignored when
	// Loader is set.
	Deps   DepsConfig
	Loader core.ScriptLoader

	// Registry supplies native tasks. Nil uses the package registry
	// populated by Register.
	Registry *native.Registry

	// Units replaces the built-in unit factories. Used to run the
	// engine against a different execution backend.
	Units core.UnitFactory
}

// DepsConfig configures dependency resolution.
type DepsConfig = deps.Config
