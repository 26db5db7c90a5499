// Package webapi installs the global scope of an execution unit: self,
// postMessage, onmessage, importScripts, console, timers, and a few
// standard globals.
package webapi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/eventloop"
)

// SetupFunc installs one group of globals into a runtime.
type SetupFunc func(rt core.JSRuntime, el *eventloop.EventLoop) error

// Unit describes the host side of a unit's global scope.
type Unit struct {
	// Context bounds importScripts loads. It is cancelled when the unit
	// terminates.
	Context context.Context
	Loader  core.ScriptLoader
	Logger  *slog.Logger
	// Post receives the JSON text of every postMessage call.
	Post func(msg string)
	// Close is called by self.close().
	Close func()
}

// Setups returns the setup functions for a unit, in install order.
func Setups(u Unit) []SetupFunc {
	return []SetupFunc{
		SetupGlobals,
		SetupEncoding,
		SetupTimers,
		func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
			return SetupConsole(rt, u.Logger)
		},
		SetupConsoleExt,
		func(rt core.JSRuntime, _ *eventloop.EventLoop) error {
			return SetupScope(rt, u)
		},
	}
}

// Install runs setups in order.
func Install(rt core.JSRuntime, el *eventloop.EventLoop, setups []SetupFunc) error {
	for i, setup := range setups {
		if err := setup(rt, el); err != nil {
			return fmt.Errorf("setup %d: %w", i, err)
		}
	}
	return nil
}
