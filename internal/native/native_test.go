package native

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cryguy/offload/internal/core"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	fn := func(context.Context, []json.RawMessage, Emitter) (any, error) { return nil, nil }

	if err := r.Register("b", fn); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("a", fn); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("a", fn); err == nil {
		t.Error("duplicate registration should fail")
	}
	if err := r.Register("", fn); err == nil {
		t.Error("empty name should fail")
	}
	if err := r.Register("c", nil); err == nil {
		t.Error("nil function should fail")
	}
	if !r.Has("a") || r.Has("zz") {
		t.Error("Has reports wrong membership")
	}
	if got := r.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Names = %v", got)
	}
}

func spawn(t *testing.T, fn TaskFunc) (core.Unit, chan core.Envelope) {
	t.Helper()
	r := NewRegistry()
	if err := r.Register("task", fn); err != nil {
		t.Fatal(err)
	}
	msgs := make(chan core.Envelope, 16)
	u, err := NewFactory(r, nil).Spawn(core.NewCodeRef("k", core.CodeNative, "", "task"), core.UnitCallbacks{
		OnMessage: func(msg []byte) {
			env, err := core.DecodeEnvelope(msg)
			if err != nil {
				t.Errorf("decode %s: %v", msg, err)
				return
			}
			msgs <- env
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(u.Terminate)
	return u, msgs
}

func recv(t *testing.T, ch chan core.Envelope) core.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
	}
	return core.Envelope{}
}

func TestUnit_SuccessWithProgress(t *testing.T) {
	u, msgs := spawn(t, func(_ context.Context, args []json.RawMessage, emit Emitter) (any, error) {
		var a, b int
		if err := json.Unmarshal(args[0], &a); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(args[1], &b); err != nil {
			return nil, err
		}
		if err := emit.Progress(50); err != nil {
			return nil, err
		}
		if err := emit.Emit(core.TagSuccess, 1); err == nil {
			return nil, errors.New("emitting a terminal tag should fail")
		}
		return a + b, nil
	})
	if err := u.Post([]byte(`[[2,3]]`)); err != nil {
		t.Fatal(err)
	}
	if env := recv(t, msgs); env.Tag != core.TagProgress || string(env.Payload) != "50" {
		t.Errorf("progress = %s %s", env.Tag, env.Payload)
	}
	if env := recv(t, msgs); env.Tag != core.TagSuccess || string(env.Payload) != "5" {
		t.Errorf("result = %s %s", env.Tag, env.Payload)
	}
}

func TestUnit_ErrorAndPanic(t *testing.T) {
	u, msgs := spawn(t, func(_ context.Context, args []json.RawMessage, _ Emitter) (any, error) {
		if len(args) == 0 {
			panic("no args")
		}
		return nil, errors.New("Test error")
	})
	if err := u.Post([]byte(`[[1]]`)); err != nil {
		t.Fatal(err)
	}
	if env := recv(t, msgs); env.Tag != core.TagError || env.Description() != "Test error" {
		t.Errorf("got %s %s", env.Tag, env.Payload)
	}
	if err := u.Post([]byte(`[[]]`)); err != nil {
		t.Fatal(err)
	}
	if env := recv(t, msgs); env.Tag != core.TagError || env.Description() != "panic: no args" {
		t.Errorf("got %s %s", env.Tag, env.Payload)
	}
}

func TestUnit_TerminateCancelsContext(t *testing.T) {
	cancelled := make(chan struct{})
	u, msgs := spawn(t, func(ctx context.Context, _ []json.RawMessage, _ Emitter) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return "late", nil
	})
	if err := u.Post([]byte(`[[]]`)); err != nil {
		t.Fatal(err)
	}
	u.Terminate()
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("task context was not cancelled")
	}
	select {
	case env := <-msgs:
		t.Errorf("unexpected envelope after Terminate: %s", env.Tag)
	case <-time.After(50 * time.Millisecond):
	}
	if err := u.Post([]byte(`[[]]`)); err == nil {
		t.Error("Post after Terminate should fail")
	}
}

func TestFactory_RejectsUnknown(t *testing.T) {
	f := NewFactory(NewRegistry(), nil)
	if _, err := f.Spawn(core.NewCodeRef("k", core.CodeNative, "", "nope"), core.UnitCallbacks{}); err == nil {
		t.Error("unknown task should fail to spawn")
	}
	if _, err := f.Spawn(core.NewCodeRef("k", core.CodeScript, "x", ""), core.UnitCallbacks{}); err == nil {
		t.Error("script code should be rejected")
	}
}
