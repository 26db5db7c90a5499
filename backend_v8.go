//go:build v8

package offload

import (
	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/v8engine"
)

// Backend names the script engine compiled into this build.
const Backend = "v8"

func newScriptFactory(cfg core.RuntimeConfig) core.UnitFactory {
	return v8engine.NewFactory(cfg)
}
