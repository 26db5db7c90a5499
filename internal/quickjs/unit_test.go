//go:build !v8

package quickjs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cryguy/offload/internal/codegen"
	"github.com/cryguy/offload/internal/core"
)

type mapLoader map[string]string

func (m mapLoader) Load(_ context.Context, locator string) (string, error) {
	src, ok := m[locator]
	if !ok {
		return "", fmt.Errorf("no script at %s", locator)
	}
	return src, nil
}

type recorder struct {
	msgs   chan core.Envelope
	faults chan error
}

func newRecorder() *recorder {
	return &recorder{msgs: make(chan core.Envelope, 64), faults: make(chan error, 8)}
}

func (r *recorder) callbacks(t *testing.T) core.UnitCallbacks {
	return core.UnitCallbacks{
		OnMessage: func(msg []byte) {
			env, err := core.DecodeEnvelope(msg)
			if err != nil {
				t.Errorf("undecodable message %s: %v", msg, err)
				return
			}
			r.msgs <- env
		},
		OnError: func(err error) { r.faults <- err },
	}
}

func (r *recorder) next(t *testing.T) core.Envelope {
	t.Helper()
	select {
	case env := <-r.msgs:
		return env
	case err := <-r.faults:
		t.Fatalf("unexpected fault: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return core.Envelope{}
}

func spawnTask(t *testing.T, task core.Task, loader core.ScriptLoader) (core.Unit, *recorder) {
	t.Helper()
	src, err := codegen.Generate(task, codegen.Options{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	rec := newRecorder()
	f := NewFactory(core.RuntimeConfig{Loader: loader})
	u, err := f.Spawn(core.NewCodeRef("test", core.CodeScript, src, ""), rec.callbacks(t))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(u.Terminate)
	return u, rec
}

func post(t *testing.T, u core.Unit, args ...any) {
	t.Helper()
	raw, err := core.EncodeArgs(args)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := core.EncodeRequest(raw)
	if err != nil {
		t.Fatal(err)
	}
	if err := u.Post(msg); err != nil {
		t.Fatalf("Post: %v", err)
	}
}

func TestUnit_Success(t *testing.T) {
	u, rec := spawnTask(t, core.Task{Source: "(a, b) => a + b"}, nil)
	post(t, u, 1, 2)
	env := rec.next(t)
	if env.Tag != core.TagSuccess || string(env.Payload) != "3" {
		t.Errorf("got %s %s, want SUCCESS 3", env.Tag, env.Payload)
	}
}

func TestUnit_AsyncWithTimer(t *testing.T) {
	u, rec := spawnTask(t, core.Task{
		Source: "async (ms) => { await new Promise(r => setTimeout(r, ms)); return 'done'; }",
	}, nil)
	post(t, u, 20)
	env := rec.next(t)
	if env.Tag != core.TagSuccess || env.Description() != "done" {
		t.Errorf("got %s %s", env.Tag, env.Payload)
	}
}

func TestUnit_Throw(t *testing.T) {
	u, rec := spawnTask(t, core.Task{Source: "() => { throw new Error('Test error'); }"}, nil)
	post(t, u)
	env := rec.next(t)
	if env.Tag != core.TagError || env.Description() != "Test error" {
		t.Errorf("got %s %s, want ERROR \"Test error\"", env.Tag, env.Payload)
	}
}

func TestUnit_RejectNonError(t *testing.T) {
	u, rec := spawnTask(t, core.Task{Source: "async () => { throw 'plain'; }"}, nil)
	post(t, u)
	env := rec.next(t)
	if env.Tag != core.TagError || env.Description() != "plain" {
		t.Errorf("got %s %s", env.Tag, env.Payload)
	}
}

func TestUnit_Progress(t *testing.T) {
	u, rec := spawnTask(t, core.Task{
		Source: "function (n, ctx) { for (let i = 0; i < n; i++) ctx.progress(i); this.emit('custom', 'x'); return n; }",
	}, nil)
	post(t, u, 3)
	for i := 0; i < 3; i++ {
		env := rec.next(t)
		if env.Tag != core.TagProgress || string(env.Payload) != fmt.Sprint(i) {
			t.Fatalf("message %d = %s %s", i, env.Tag, env.Payload)
		}
	}
	if env := rec.next(t); env.Tag != "custom" || env.Description() != "x" {
		t.Errorf("custom = %s %s", env.Tag, env.Payload)
	}
	if env := rec.next(t); env.Tag != core.TagSuccess || string(env.Payload) != "3" {
		t.Errorf("final = %s %s", env.Tag, env.Payload)
	}
}

func TestUnit_HelpersAndDependencies(t *testing.T) {
	loader := mapLoader{"lib/square.js": "var square = function (x) { return x * x; };"}
	u, rec := spawnTask(t, core.Task{
		Source:       "(xs) => xs.map(x => double(square(x)))",
		Dependencies: []string{"lib/square.js"},
		Helpers:      []string{"function double(x) { return x * 2; }"},
	}, loader)
	post(t, u, []int{1, 2, 3})
	env := rec.next(t)
	if env.Tag != core.TagSuccess || string(env.Payload) != "[2,8,18]" {
		t.Errorf("got %s %s", env.Tag, env.Payload)
	}
}

func TestUnit_MissingDependencyFaults(t *testing.T) {
	_, rec := spawnTask(t, core.Task{Source: "() => 1", Dependencies: []string{"missing.js"}}, mapLoader{})
	select {
	case err := <-rec.faults:
		if !errors.Is(err, core.ErrUnitFault) {
			t.Errorf("fault kind = %v", core.KindOf(err))
		}
	case env := <-rec.msgs:
		t.Fatalf("unexpected message %s", env.Tag)
	case <-time.After(5 * time.Second):
		t.Fatal("no fault reported")
	}
}

func TestUnit_TerminateInterruptsBusyLoop(t *testing.T) {
	u, rec := spawnTask(t, core.Task{Source: "() => { while (true) {} }"}, nil)
	post(t, u)
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		u.Terminate()
		u.Terminate()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Terminate blocked")
	}
	if err := u.Post([]byte(`[[]]`)); !errors.Is(err, ErrStopped) {
		t.Errorf("Post after Terminate = %v, want ErrStopped", err)
	}
	select {
	case env := <-rec.msgs:
		t.Errorf("unexpected message after Terminate: %s", env.Tag)
	case err := <-rec.faults:
		t.Errorf("unexpected fault after Terminate: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnit_RawScript(t *testing.T) {
	loader := mapLoader{"echo.js": "onmessage = function (e) { postMessage({ doubled: e.data * 2 }); };"}
	rec := newRecorder()
	f := NewFactory(core.RuntimeConfig{Loader: loader})
	u, err := f.Spawn(core.NewCodeRef("raw", core.CodeScript, codegen.ForLocator("echo.js"), ""), core.UnitCallbacks{
		OnMessage: func(msg []byte) { rec.msgs <- core.Envelope{Payload: msg} },
		OnError:   func(err error) { rec.faults <- err },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer u.Terminate()

	if err := u.Post([]byte("21")); err != nil {
		t.Fatal(err)
	}
	if got := rec.next(t); string(got.Payload) != `{"doubled":42}` {
		t.Errorf("got %s", got.Payload)
	}
}

func TestUnit_Globals(t *testing.T) {
	u, rec := spawnTask(t, core.Task{
		Source: `() => {
			const c = structuredClone({ a: [1, { b: 2 }] });
			return [btoa('hi'), atob('aGk='), typeof performance.now(), c.a[1].b, typeof queueMicrotask];
		}`,
	}, nil)
	post(t, u)
	env := rec.next(t)
	if env.Tag != core.TagSuccess || string(env.Payload) != `["aGk=","hi","number",2,"function"]` {
		t.Errorf("got %s %s", env.Tag, env.Payload)
	}
}

func TestUnit_SelfCloseFaults(t *testing.T) {
	u, rec := spawnTask(t, core.Task{
		Source: `() => { postMessage(["PROGRESS", 1]); self.close(); postMessage(["PROGRESS", 2]); return 1; }`,
	}, nil)
	post(t, u)

	if env := rec.next(t); env.Tag != core.TagProgress || string(env.Payload) != "1" {
		t.Fatalf("first message = %s %s", env.Tag, env.Payload)
	}
	select {
	case err := <-rec.faults:
		if !errors.Is(err, core.ErrUnitFault) || err.Error() != "unit closed itself" {
			t.Errorf("fault = %v", err)
		}
	case env := <-rec.msgs:
		t.Fatalf("message after close: %s %s", env.Tag, env.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no fault after self.close()")
	}
	if err := u.Post([]byte(`[[]]`)); !errors.Is(err, ErrStopped) {
		t.Errorf("Post after close = %v, want ErrStopped", err)
	}
	select {
	case env := <-rec.msgs:
		t.Errorf("unexpected message %s", env.Tag)
	case <-time.After(100 * time.Millisecond):
	}
}
