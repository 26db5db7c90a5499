package webapi

import (
	"context"
	"log/slog"

	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/eventloop"
)

// SetupConsole replaces globalThis.console with a version that writes to
// logger. A nil logger discards output.
func SetupConsole(rt core.JSRuntime, logger *slog.Logger) error {
	if err := rt.RegisterFunc("__console", func(level, message string) {
		if logger == nil {
			return
		}
		logger.Log(context.Background(), consoleLevel(level), message, "source", "console")
	}); err != nil {
		return err
	}

	consoleJS := `
(function() {
	function fmt(arg) {
		if (typeof arg === 'string') return arg;
		if (arg instanceof Error) return arg.stack || String(arg);
		if (typeof arg === 'object' && arg !== null) {
			try { return JSON.stringify(arg); } catch (e) { return String(arg); }
		}
		return String(arg);
	}
	var con = {};
	['log', 'info', 'warn', 'error', 'debug'].forEach(function(lvl) {
		con[lvl] = function() {
			var parts = [];
			for (var j = 0; j < arguments.length; j++) parts.push(fmt(arguments[j]));
			__console(lvl, parts.join(' '));
		};
	});
	globalThis.console = con;
})();
`
	return rt.Eval(consoleJS)
}

func consoleLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// consoleExtJS adds time, count, assert, table and dir on top of the
// basic levels.
const consoleExtJS = `
(function() {
	var started = {};
	var counts = {};
	console.time = function(label) { started[label || 'default'] = performance.now(); };
	console.timeEnd = function(label) {
		var l = label || 'default';
		if (started[l] === undefined) { console.warn('Timer "' + l + '" does not exist'); return; }
		console.log(l + ': ' + (performance.now() - started[l]).toFixed(3) + 'ms');
		delete started[l];
	};
	console.count = function(label) {
		var l = label || 'default';
		counts[l] = (counts[l] || 0) + 1;
		console.log(l + ': ' + counts[l]);
	};
	console.countReset = function(label) { delete counts[label || 'default']; };
	console.assert = function(cond) {
		if (cond) return;
		var rest = Array.prototype.slice.call(arguments, 1);
		console.error.apply(null, ['Assertion failed'].concat(rest));
	};
	console.table = console.dir = function(data) { console.log(data); };
})();
`

// SetupConsoleExt evaluates the extended console methods.
func SetupConsoleExt(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	return rt.Eval(consoleExtJS)
}
