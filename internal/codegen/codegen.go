// Package codegen turns a task descriptor into a self-contained module
// that a unit can load: dependencies, helpers, the main function, and
// the message handler that speaks the envelope protocol.
package codegen

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/cryguy/offload/internal/core"
)

// Options tune generation.
type Options struct {
	// Minify compacts whitespace and syntax of the generated module.
	// Identifiers are kept so helpers stay reachable by name.
	Minify bool
	// NativeExists reports whether a native task name is registered.
	// Nil rejects every native task.
	NativeExists func(name string) bool
}

// handlerJS is appended after the main function. ctx is handed to the
// function both as this and as the trailing argument so it can post
// progress envelopes.
const handlerJS = `
if (typeof __offload_fn !== 'function') {
	throw new TypeError('offloaded task is not a function');
}
function __offload_describe(error) {
	if (error && typeof error === 'object' && error.message !== undefined) return String(error.message);
	return String(error);
}
function __offload_context(scope) {
	return {
		self: scope,
		postMessage: function(msg) { scope.postMessage(msg); },
		emit: function(type, data) { scope.postMessage([type, data]); },
		progress: function(data) { scope.postMessage(['` + core.TagProgress + `', data]); }
	};
}
self.onmessage = async function(e) {
	const [args] = e.data;
	const ctx = __offload_context(self);
	try {
		const result = await __offload_fn.apply(ctx, [...(args || []), ctx]);
		self.postMessage(['` + core.TagSuccess + `', result]);
	} catch (error) {
		self.postMessage(['` + core.TagError + `', __offload_describe(error)]);
	}
};
`

// Generate produces the module source for a script task.
func Generate(t core.Task, opts Options) (string, error) {
	src := strings.TrimSpace(t.Source)
	if src == "" {
		return "", core.NewFailure(core.KindGeneration, "task has no function source", nil)
	}
	loader := loaderFor(t.Loader)

	if err := check("main function", "const __offload_check = (\n"+src+"\n);", loader); err != nil {
		return "", err
	}
	for i, h := range t.Helpers {
		if strings.TrimSpace(h) == "" {
			return "", core.NewFailure(core.KindGeneration, fmt.Sprintf("helper %d is empty", i), nil)
		}
		if err := check(fmt.Sprintf("helper %d", i), h, loader); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	for _, dep := range t.Dependencies {
		fmt.Fprintf(&b, "importScripts(%s);\n", jsString(dep))
	}
	for _, h := range t.Helpers {
		b.WriteString(strings.TrimSpace(h))
		b.WriteString("\n")
	}
	b.WriteString("const __offload_fn = (\n")
	b.WriteString(src)
	b.WriteString("\n);\n")
	b.WriteString(handlerJS)
	module := b.String()

	if loader == api.LoaderJS && !opts.Minify {
		return module, nil
	}
	return transform("module", module, loader, opts.Minify)
}

// Build generates code for any task kind and wraps it in a CodeRef.
func Build(key string, t core.Task, opts Options) (*core.CodeRef, error) {
	if t.Native() {
		if opts.NativeExists == nil || !opts.NativeExists(t.Name) {
			return nil, core.NewFailure(core.KindGeneration,
				fmt.Sprintf("no native task registered as %q", t.Name), nil)
		}
		return core.NewCodeRef(key, core.CodeNative, "", t.Name), nil
	}
	src, err := Generate(t, opts)
	if err != nil {
		return nil, err
	}
	return core.NewCodeRef(key, core.CodeScript, src, ""), nil
}

// ForLocator generates the module of a raw script worker: the script
// at locator installs its own onmessage handler.
func ForLocator(locator string) string {
	return "importScripts(" + jsString(locator) + ");\n"
}

func loaderFor(l core.Loader) api.Loader {
	if l == core.LoaderTS {
		return api.LoaderTS
	}
	return api.LoaderJS
}

func check(what, code string, loader api.Loader) error {
	_, err := transform(what, code, loader, false)
	return err
}

func transform(what, code string, loader api.Loader, minify bool) (string, error) {
	result := api.Transform(code, api.TransformOptions{
		Loader:           loader,
		Target:           api.ESNext,
		MinifyWhitespace: minify,
		MinifySyntax:     minify,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", core.NewFailure(core.KindGeneration,
			fmt.Sprintf("%s does not parse: %s", what, strings.Join(msgs, "; ")), nil)
	}
	return string(result.Code), nil
}

// jsString quotes s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
