//go:build !v8

package offload

import (
	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/quickjs"
)

// Backend names the script engine compiled into this build.
const Backend = "quickjs"

func newScriptFactory(cfg core.RuntimeConfig) core.UnitFactory {
	return quickjs.NewFactory(cfg)
}
