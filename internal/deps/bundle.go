package deps

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// esmSyntax matches top-level import and export statements.
var esmSyntax = regexp.MustCompile(`(?m)^\s*(import\s+[\w{*]|import\s*[{*'"]|export\s+[\w{*]|export\s*\{)`)

// needsBundling reports whether a script source uses ES module syntax
// that a classic importScripts load cannot evaluate.
func needsBundling(source string) bool {
	return esmSyntax.MatchString(source)
}

// bundleModule bundles the ES module at path with its imports into a
// classic script. The module's exports become globals, which is what a
// script loaded through importScripts would have defined.
func bundleModule(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{abs},
		AbsWorkingDir: filepath.Dir(abs),
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		GlobalName:    "__offload_module",
		Write:         false,
		Platform:      esbuild.PlatformBrowser,
		Target:        esbuild.ESNext,
		TreeShaking:   esbuild.TreeShakingFalse,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("bundling %s: %s", path, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", path)
	}
	return string(result.OutputFiles[0].Contents) + exportsToGlobals, nil
}

const exportsToGlobals = `
(function(m) {
	if (!m) return;
	for (var k in m) if (k !== 'default') globalThis[k] = m[k];
	if (m.default !== undefined && typeof m.default === 'object') {
		for (var d in m.default) if (!(d in globalThis)) globalThis[d] = m.default[d];
	}
})(typeof __offload_module !== 'undefined' ? __offload_module : undefined);
`
