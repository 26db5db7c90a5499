// Package native runs registered Go functions as execution units, for
// tasks that are looked up by name instead of shipped as source.
package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/cryguy/offload/internal/core"
)

// Emitter posts non-terminal envelopes from a running task.
type Emitter interface {
	// Progress posts ["PROGRESS", data].
	Progress(data any) error
	// Emit posts [tag, data].
	Emit(tag string, data any) error
}

// TaskFunc is a registered task. args holds the call's JSON-encoded
// arguments in order. The returned value is JSON-encoded into the
// SUCCESS envelope; a non-nil error becomes an ERROR envelope carrying
// its text. ctx is cancelled when the unit is terminated.
type TaskFunc func(ctx context.Context, args []json.RawMessage, emit Emitter) (any, error)

// Registry maps task names to functions. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]TaskFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]TaskFunc)}
}

// Register adds fn under name. Names are unique.
func (r *Registry) Register(name string, fn TaskFunc) error {
	if name == "" {
		return errors.New("native: task name is empty")
	}
	if fn == nil {
		return fmt.Errorf("native: task %q has a nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.funcs[name]; dup {
		return fmt.Errorf("native: task %q is already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// Lookup returns the function registered as name.
func (r *Registry) Lookup(name string) (TaskFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Factory spawns native units from a registry.
type Factory struct {
	reg *Registry
	log *slog.Logger
}

var _ core.UnitFactory = (*Factory)(nil)

// NewFactory creates a factory.
func NewFactory(reg *Registry, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Factory{reg: reg, log: logger}
}

// Spawn creates a unit for a native code reference.
func (f *Factory) Spawn(ref *core.CodeRef, cb core.UnitCallbacks) (core.Unit, error) {
	if ref.Kind != core.CodeNative {
		return nil, fmt.Errorf("native: cannot run script code %s", ref.URL)
	}
	fn, ok := f.reg.Lookup(ref.Name)
	if !ok {
		return nil, fmt.Errorf("native: no task registered as %q", ref.Name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &unit{
		name:   ref.Name,
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		out:    core.NewOutbox(),
		log:    f.log.With("component", "native", "unit", ulid.Make().String(), "task", ref.Name),
	}
	go u.out.Deliver(cb, ctx.Done())
	return u, nil
}

type unit struct {
	name   string
	fn     TaskFunc
	ctx    context.Context
	cancel context.CancelFunc
	out    *core.Outbox
	log    *slog.Logger
}

func (u *unit) Post(msg []byte) error {
	if u.ctx.Err() != nil {
		return fmt.Errorf("native: unit %s is terminated", u.name)
	}
	args, err := core.DecodeRequest(msg)
	if err != nil {
		return err
	}
	go u.run(args)
	return nil
}

func (u *unit) Terminate() { u.cancel() }

func (u *unit) run(args []json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			u.log.Error("task panicked", "panic", r)
			u.send(core.TagError, fmt.Sprintf("panic: %v", r))
		}
	}()
	result, err := u.fn(u.ctx, args, emitter{u})
	if u.ctx.Err() != nil {
		return
	}
	if err != nil {
		u.send(core.TagError, err.Error())
		return
	}
	if err := u.send(core.TagSuccess, result); err != nil {
		u.send(core.TagError, err.Error())
	}
}

func (u *unit) send(tag string, data any) error {
	if u.ctx.Err() != nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", tag, err)
	}
	msg, err := json.Marshal(core.Envelope{Tag: tag, Payload: payload})
	if err != nil {
		return err
	}
	u.out.Push(core.UnitEvent{Msg: msg})
	return nil
}

type emitter struct{ u *unit }

func (e emitter) Progress(data any) error { return e.u.send(core.TagProgress, data) }

func (e emitter) Emit(tag string, data any) error {
	if tag == core.TagSuccess || tag == core.TagError || tag == core.TagTimeoutExpired {
		return fmt.Errorf("native: %s is a terminal tag", tag)
	}
	return e.u.send(tag, data)
}
