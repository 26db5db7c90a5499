package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cryguy/offload/internal/core"
)

// scopeJS makes globalThis behave like a dedicated worker scope.
// Scripts pulled in by importScripts are evaluated with indirect eval,
// so their var and function declarations land on the global object.
const scopeJS = `
(function() {
	globalThis.self = globalThis;
	var listeners = [];

	globalThis.postMessage = function(msg) {
		var s = JSON.stringify(msg === undefined ? null : msg);
		__scopePost(s === undefined ? 'null' : s);
	};
	globalThis.addEventListener = function(type, fn) {
		if (type === 'message' && typeof fn === 'function') listeners.push(fn);
	};
	globalThis.removeEventListener = function(type, fn) {
		if (type !== 'message') return;
		var i = listeners.indexOf(fn);
		if (i >= 0) listeners.splice(i, 1);
	};
	globalThis.importScripts = function() {
		for (var i = 0; i < arguments.length; i++) {
			var src = __scopeLoad(String(arguments[i]));
			(0, eval)(src);
		}
	};
	globalThis.close = function() { __scopeClose(); };

	globalThis.__scopeDispatch = function(json) {
		var ev = { type: 'message', data: JSON.parse(json) };
		if (typeof globalThis.onmessage === 'function') {
			globalThis.onmessage.call(globalThis, ev);
		}
		for (var i = 0; i < listeners.length; i++) {
			listeners[i].call(globalThis, ev);
		}
	};
})();
`

// SetupScope installs the worker scope globals.
func SetupScope(rt core.JSRuntime, u Unit) error {
	ctx := u.Context
	if ctx == nil {
		ctx = context.Background()
	}

	if err := rt.RegisterFunc("__scopePost", func(msg string) {
		if u.Post != nil {
			u.Post(msg)
		}
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__scopeLoad", func(locator string) (string, error) {
		if u.Loader == nil {
			return "", errors.New("no script loader configured")
		}
		src, err := u.Loader.Load(ctx, locator)
		if err != nil {
			return "", fmt.Errorf("importScripts(%s): %w", locator, err)
		}
		return src, nil
	}); err != nil {
		return err
	}

	if err := rt.RegisterFunc("__scopeClose", func() {
		if u.Close != nil {
			u.Close()
		}
	}); err != nil {
		return err
	}

	return rt.Eval(scopeJS)
}

// Dispatch delivers msg to the scope's message handlers as a
// MessageEvent's data. A handler that throws synchronously surfaces as
// the returned error.
func Dispatch(rt core.JSRuntime, msg []byte) error {
	if !json.Valid(msg) {
		return fmt.Errorf("dispatch: message is not valid JSON")
	}
	quoted, err := json.Marshal(string(msg))
	if err != nil {
		return err
	}
	if err := rt.Eval("globalThis.__scopeDispatch(" + string(quoted) + ")"); err != nil {
		return err
	}
	rt.RunMicrotasks()
	return nil
}
