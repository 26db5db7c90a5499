package webapi

import (
	"fmt"
	"time"

	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/eventloop"
)

// globalsJS defines structuredClone, queueMicrotask and navigator.
const globalsJS = `
globalThis.structuredClone = (function() {
	function fail(what) {
		var e = new Error(what + ' could not be cloned');
		e.name = 'DataCloneError';
		return e;
	}
	function clone(v, seen) {
		if (v === null || v === undefined) return v;
		var t = typeof v;
		if (t === 'boolean' || t === 'number' || t === 'string' || t === 'bigint') return v;
		if (t === 'function' || t === 'symbol') throw fail(t);
		if (v instanceof Promise || v instanceof WeakMap || v instanceof WeakSet) throw fail(Object.prototype.toString.call(v));
		if (seen.has(v)) return seen.get(v);
		var out;
		if (v instanceof Date) return new Date(v.getTime());
		if (v instanceof RegExp) return new RegExp(v.source, v.flags);
		if (v instanceof ArrayBuffer) return v.slice(0);
		if (ArrayBuffer.isView(v)) {
			return new v.constructor(v.buffer.slice(v.byteOffset, v.byteOffset + v.byteLength));
		}
		if (v instanceof Map) {
			out = new Map();
			seen.set(v, out);
			v.forEach(function(val, key) { out.set(clone(key, seen), clone(val, seen)); });
			return out;
		}
		if (v instanceof Set) {
			out = new Set();
			seen.set(v, out);
			v.forEach(function(val) { out.add(clone(val, seen)); });
			return out;
		}
		out = Array.isArray(v) ? new Array(v.length) : {};
		seen.set(v, out);
		Object.keys(v).forEach(function(k) { out[k] = clone(v[k], seen); });
		return out;
	}
	return function structuredClone(value) { return clone(value, new Map()); };
})();

globalThis.queueMicrotask = function(fn) {
	if (typeof fn !== 'function') throw new TypeError('queueMicrotask requires a function');
	Promise.resolve().then(fn);
};

globalThis.navigator = { userAgent: 'offload/1', hardwareConcurrency: 1 };
`

// SetupGlobals registers structuredClone, performance, navigator and
// queueMicrotask.
func SetupGlobals(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	start := time.Now()
	if err := rt.RegisterFunc("__performanceNow", func() float64 {
		return float64(time.Since(start).Nanoseconds()) / 1e6
	}); err != nil {
		return err
	}
	if err := rt.Eval(globalsJS); err != nil {
		return fmt.Errorf("evaluating globals.js: %w", err)
	}
	if err := rt.Eval(`
		globalThis.performance = {
			timeOrigin: Date.now() - __performanceNow(),
			now: function() { return __performanceNow(); }
		};
	`); err != nil {
		return fmt.Errorf("setting up performance: %w", err)
	}
	return nil
}
