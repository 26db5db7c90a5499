package core

import (
	"context"
	"log/slog"
)

// Unit is one isolated execution context: it has loaded generated code
// and exchanges JSON messages with its controller.
type Unit interface {
	// Post delivers a message to the unit. It never blocks on the
	// unit's computation.
	Post(msg []byte) error
	// Terminate stops the unit. It must be safe to call more than once
	// and from within the unit's own callbacks.
	Terminate()
}

// UnitCallbacks receive traffic from a unit. Implementations invoke them
// from a goroutine that is not the unit's execution goroutine, one call
// at a time, in the order the unit produced them.
type UnitCallbacks struct {
	OnMessage func(msg []byte)
	OnError   func(err error)
}

// UnitFactory instantiates units from generated code.
type UnitFactory interface {
	Spawn(ref *CodeRef, cb UnitCallbacks) (Unit, error)
}

// ScriptLoader resolves dependency locators to script source.
type ScriptLoader interface {
	Load(ctx context.Context, locator string) (string, error)
}

// RuntimeConfig configures script units.
type RuntimeConfig struct {
	MemoryLimitMB int          // per-unit memory limit, 0 for none
	Loader        ScriptLoader // resolves importScripts locators
	Logger        *slog.Logger // receives console output
}
