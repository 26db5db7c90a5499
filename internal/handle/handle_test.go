package handle

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/offload/internal/core"
)

type fakeUnit struct {
	mu         sync.Mutex
	posted     [][]byte
	terminated int
	cb         core.UnitCallbacks
}

func (u *fakeUnit) Post(msg []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.posted = append(u.posted, msg)
	return nil
}

func (u *fakeUnit) Terminate() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.terminated++
}

type fakeFactory struct {
	unit *fakeUnit
	err  error
}

func (f *fakeFactory) Spawn(ref *core.CodeRef, cb core.UnitCallbacks) (core.Unit, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.unit = &fakeUnit{cb: cb}
	return f.unit, nil
}

func newRef() *core.CodeRef {
	return core.NewCodeRef("0123456789abcdef0123", core.CodeScript, "src", "")
}

func TestSpawnPostTerminate(t *testing.T) {
	f := &fakeFactory{}
	ref := newRef()
	var got []core.Envelope
	h, err := Spawn(f, ref, Callbacks{OnMessage: func(env core.Envelope) { got = append(got, env) }})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if ref.Handles() != 1 {
		t.Errorf("Handles = %d, want 1", ref.Handles())
	}

	if err := h.Post([]json.RawMessage{json.RawMessage(`1`), json.RawMessage(`"two"`)}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if len(f.unit.posted) != 1 || string(f.unit.posted[0]) != `[[1,"two"]]` {
		t.Errorf("posted = %q", f.unit.posted)
	}

	f.unit.cb.OnMessage([]byte(`["SUCCESS",3]`))
	if len(got) != 1 || got[0].Tag != core.TagSuccess || string(got[0].Payload) != "3" {
		t.Errorf("got = %+v", got)
	}

	if !h.Terminate() {
		t.Error("first Terminate should do work")
	}
	if h.Terminate() {
		t.Error("second Terminate should be a no-op")
	}
	if f.unit.terminated != 1 {
		t.Errorf("unit terminated %d times, want 1", f.unit.terminated)
	}
	if ref.Handles() != 0 {
		t.Errorf("Handles = %d after Terminate, want 0", ref.Handles())
	}
	if ref.IsReleased() {
		t.Error("terminating a handle must not release the shared reference")
	}

	f.unit.cb.OnMessage([]byte(`["SUCCESS",4]`))
	if len(got) != 1 {
		t.Error("messages after Terminate should be dropped")
	}
	if err := h.Post(nil); err == nil {
		t.Error("Post after Terminate should fail")
	}
}

func TestUndecodableMessageIsFault(t *testing.T) {
	f := &fakeFactory{}
	var fault error
	_, err := Spawn(f, newRef(), Callbacks{
		OnMessage: func(core.Envelope) { t.Error("unexpected message") },
		OnFault:   func(err error) { fault = err },
	})
	if err != nil {
		t.Fatal(err)
	}
	f.unit.cb.OnMessage([]byte(`{"not":"an envelope"}`))
	if !errors.Is(fault, core.ErrUnitFault) {
		t.Errorf("fault = %v, want unit fault", fault)
	}
}

func TestUnitErrorIsFault(t *testing.T) {
	f := &fakeFactory{}
	var fault error
	if _, err := Spawn(f, newRef(), Callbacks{OnFault: func(err error) { fault = err }}); err != nil {
		t.Fatal(err)
	}
	f.unit.cb.OnError(errors.New("script failed to load"))
	if !errors.Is(fault, core.ErrUnitFault) || fault.Error() != "script failed to load" {
		t.Errorf("fault = %v", fault)
	}
}

func TestSpawnFailure(t *testing.T) {
	ref := newRef()
	_, err := Spawn(&fakeFactory{err: errors.New("no vm")}, ref, Callbacks{})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if ref.Handles() != 0 {
		t.Errorf("Handles = %d after failed spawn, want 0", ref.Handles())
	}
}

func TestTerminateFromCallback(t *testing.T) {
	f := &fakeFactory{}
	var h *Handle
	h, err := Spawn(f, newRef(), Callbacks{OnMessage: func(core.Envelope) { h.Terminate() }})
	if err != nil {
		t.Fatal(err)
	}
	f.unit.cb.OnMessage([]byte(`["SUCCESS",null]`))
	if !h.Terminated() || f.unit.terminated != 1 {
		t.Errorf("terminated=%v unit terminations=%d", h.Terminated(), f.unit.terminated)
	}
}

func TestArmFires(t *testing.T) {
	f := &fakeFactory{}
	h, err := Spawn(f, newRef(), Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	fired := make(chan struct{})
	h.Arm(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	h.Terminate()
}

func TestArmStoppedByTerminate(t *testing.T) {
	f := &fakeFactory{}
	h, err := Spawn(f, newRef(), Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	fired := make(chan struct{}, 1)
	h.Arm(20*time.Millisecond, func() { fired <- struct{}{} })
	h.Terminate()
	select {
	case <-fired:
		t.Fatal("timer fired after Terminate")
	case <-time.After(80 * time.Millisecond):
	}
}
