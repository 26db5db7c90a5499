package offload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/cryguy/offload/internal/codegen"
	"github.com/cryguy/offload/internal/core"
)

// ErrWorkerTerminated is returned by Post after Terminate.
var ErrWorkerTerminated = errors.New("worker is terminated")

// Worker is a long-lived unit running a script that installs its own
// onmessage handler. Unlike a Controller it does not speak the envelope
// protocol: every message the script posts replaces Data.
type Worker struct {
	ID  string
	ref *core.CodeRef
	log *slog.Logger

	mu      sync.Mutex
	unit    core.Unit
	data    json.RawMessage
	running bool
	err     error
	done    bool
}

// SpawnFunc starts a unit wired to cb. It lets a Worker run a unit the
// engine's factories do not build, such as one created by a custom
// UnitFactory.
type SpawnFunc func(cb core.UnitCallbacks) (core.Unit, error)

// NewWorker spawns a unit that loads the script at locator.
func (e *Engine) NewWorker(locator string) (*Worker, error) {
	sum := sha256.Sum256([]byte(locator))
	ref := core.NewCodeRef("worker:"+hex.EncodeToString(sum[:]), core.CodeScript, codegen.ForLocator(locator), "")
	w, err := e.startWorker(ref, func(cb core.UnitCallbacks) (core.Unit, error) {
		return e.units.Spawn(ref, cb)
	}, "locator", locator)
	if err != nil {
		return nil, fmt.Errorf("starting worker for %s: %w", locator, err)
	}
	return w, nil
}

// NewWorkerFrom runs the unit started by spawn as a Worker. The worker
// owns the unit: Terminate stops it.
func (e *Engine) NewWorkerFrom(spawn SpawnFunc) (*Worker, error) {
	w, err := e.startWorker(nil, spawn)
	if err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return w, nil
}

func (e *Engine) startWorker(ref *core.CodeRef, spawn SpawnFunc, attrs ...any) (*Worker, error) {
	w := &Worker{
		ID:  ulid.Make().String(),
		ref: ref,
	}
	w.log = e.log.With(append([]any{"component", "worker", "worker", w.ID}, attrs...)...)

	// The unit may deliver before spawn returns; callbacks only touch w
	// under its lock.
	unit, err := spawn(core.UnitCallbacks{
		OnMessage: w.onMessage,
		OnError:   w.onError,
	})
	if err == nil && unit == nil {
		err = errors.New("spawn returned no unit")
	}
	if err != nil {
		if ref != nil {
			ref.Release()
		}
		return nil, err
	}
	w.mu.Lock()
	w.unit = unit
	w.mu.Unlock()
	return w, nil
}

// Post sends msg to the script and marks the worker running until the
// script posts a reply or faults.
func (w *Worker) Post(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling worker message: %w", err)
	}
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return ErrWorkerTerminated
	}
	unit := w.unit
	w.running = true
	w.mu.Unlock()
	if err := unit.Post(b); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	return nil
}

// Data returns the last message the script posted.
func (w *Worker) Data() json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.data
}

// Running reports whether a posted message has not been answered yet.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Err returns the last fault reported by the unit.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Terminate stops the unit. Idempotent.
func (w *Worker) Terminate() {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.running = false
	unit := w.unit
	w.mu.Unlock()
	if unit != nil {
		unit.Terminate()
	}
	if w.ref != nil {
		w.ref.Release()
	}
}

func (w *Worker) onMessage(msg []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.data = json.RawMessage(msg)
	w.running = false
}

func (w *Worker) onError(err error) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.err = err
	w.running = false
	w.mu.Unlock()
	w.log.Warn("worker fault", "error", err)
}
