// Package handle owns one execution unit for the duration of one call.
package handle

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cryguy/offload/internal/core"
)

// Callbacks receive decoded traffic from the unit. Traffic arriving
// after Terminate is dropped.
type Callbacks struct {
	OnMessage func(env core.Envelope)
	OnFault   func(err error)
}

// Handle wraps a unit, the code reference it was spawned from, and the
// call's cancellation timer.
type Handle struct {
	ID  string
	ref *core.CodeRef

	mu    sync.Mutex
	unit  core.Unit
	timer *time.Timer
	cb    Callbacks
	done  bool
}

// Spawn instantiates a unit from ref and wires its callbacks.
func Spawn(f core.UnitFactory, ref *core.CodeRef, cb Callbacks) (*Handle, error) {
	h := &Handle{ID: ulid.Make().String(), ref: ref, cb: cb}
	ref.Retain()

	unit, err := f.Spawn(ref, core.UnitCallbacks{
		OnMessage: h.onMessage,
		OnError:   h.onError,
	})
	if err != nil {
		h.mu.Lock()
		h.done = true
		h.cb = Callbacks{}
		h.mu.Unlock()
		ref.Drop()
		return nil, fmt.Errorf("spawning unit for %s: %w", ref.URL, err)
	}

	h.mu.Lock()
	if h.done {
		// Terminated by a callback that fired during Spawn.
		h.mu.Unlock()
		unit.Terminate()
		return h, nil
	}
	h.unit = unit
	h.mu.Unlock()
	return h, nil
}

// Arm starts the cancellation timer. fire runs on the timer goroutine
// unless the handle was terminated first. A non-positive d is a no-op.
func (h *Handle) Arm(d time.Duration, fire func()) {
	if d <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(d, func() {
		if !h.Terminated() {
			fire()
		}
	})
}

// Post sends the request envelope for args.
func (h *Handle) Post(args []json.RawMessage) error {
	msg, err := core.EncodeRequest(args)
	if err != nil {
		return err
	}
	h.mu.Lock()
	unit, done := h.unit, h.done
	h.mu.Unlock()
	if done || unit == nil {
		return fmt.Errorf("handle %s is terminated", h.ID)
	}
	return unit.Post(msg)
}

// Terminate stops the unit and the timer and drops the hold on the code
// reference. It reports whether this call did the work.
func (h *Handle) Terminate() bool {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return false
	}
	h.done = true
	h.cb = Callbacks{}
	unit := h.unit
	h.unit = nil
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()

	if unit != nil {
		unit.Terminate()
	}
	h.ref.Drop()
	return true
}

// Terminated reports whether Terminate has run.
func (h *Handle) Terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *Handle) callbacks() (Callbacks, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cb, !h.done
}

func (h *Handle) onMessage(msg []byte) {
	cb, live := h.callbacks()
	if !live {
		return
	}
	env, err := core.DecodeEnvelope(msg)
	if err != nil {
		if cb.OnFault != nil {
			cb.OnFault(core.NewFailure(core.KindUnitFault, "", fmt.Errorf("undecodable message from unit: %w", err)))
		}
		return
	}
	if cb.OnMessage != nil {
		cb.OnMessage(env)
	}
}

func (h *Handle) onError(err error) {
	cb, live := h.callbacks()
	if !live || cb.OnFault == nil {
		return
	}
	if core.KindOf(err) == 0 {
		err = core.NewFailure(core.KindUnitFault, "", err)
	}
	cb.OnFault(err)
}
