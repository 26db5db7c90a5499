//go:build v8

package v8engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/eventloop"
	"github.com/cryguy/offload/internal/webapi"
)

// ErrStopped is returned by Post on a terminated unit.
var ErrStopped = errors.New("v8: unit is terminated")

// Factory spawns V8 units, one isolate per unit.
type Factory struct {
	cfg core.RuntimeConfig
}

var _ core.UnitFactory = (*Factory)(nil)

// NewFactory creates a factory.
func NewFactory(cfg core.RuntimeConfig) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Factory{cfg: cfg}
}

// Spawn starts a unit; ref is compiled and run on the unit goroutine.
func (f *Factory) Spawn(ref *core.CodeRef, cb core.UnitCallbacks) (core.Unit, error) {
	if ref.Kind != core.CodeScript {
		return nil, fmt.Errorf("v8: cannot run non-script code %s", ref.URL)
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &unit{
		id:      ulid.Make().String(),
		cfg:     f.cfg,
		inbox:   make(chan []byte, 64),
		stop:    make(chan struct{}),
		closing: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		out:     core.NewOutbox(),
	}
	u.log = f.cfg.Logger.With("component", "v8", "unit", u.id)
	go u.out.Deliver(cb, u.stop)
	go u.run(ref)
	return u, nil
}

type unit struct {
	id  string
	cfg core.RuntimeConfig
	log *slog.Logger

	inbox   chan []byte
	stop    chan struct{}
	once    sync.Once
	closing chan struct{} // closed by self.close()
	closed  sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	out    *core.Outbox

	mu sync.Mutex
	rt *v8Runtime
}

func (u *unit) Post(msg []byte) error {
	select {
	case <-u.stop:
		return ErrStopped
	case <-u.closing:
		return ErrStopped
	case u.inbox <- msg:
		return nil
	}
}

func (u *unit) Terminate() {
	u.once.Do(func() {
		close(u.stop)
		u.cancel()
		u.mu.Lock()
		if u.rt != nil {
			u.rt.iso.TerminateExecution()
		}
		u.mu.Unlock()
	})
}

func (u *unit) stopped() bool {
	select {
	case <-u.stop:
		return true
	default:
		return false
	}
}

func (u *unit) halted() bool {
	select {
	case <-u.stop:
		return true
	case <-u.closing:
		return true
	default:
		return false
	}
}

// closeSelf handles self.close(): the owner gets a fault and later
// output is dropped.
func (u *unit) closeSelf() {
	u.closed.Do(func() {
		if !u.stopped() {
			u.out.Push(core.UnitEvent{Err: core.NewFailure(core.KindUnitFault, "unit closed itself", nil)})
		}
		close(u.closing)
		u.cancel()
	})
}

func (u *unit) fault(err error) {
	if !u.halted() {
		u.out.Push(core.UnitEvent{Err: core.NewFailure(core.KindUnitFault, "", err)})
	}
}

func (u *unit) post(msg string) {
	if !u.halted() {
		u.out.Push(core.UnitEvent{Msg: []byte(msg)})
	}
}

func (u *unit) run(ref *core.CodeRef) {
	rt := newRuntime(u.cfg.MemoryLimitMB)
	u.mu.Lock()
	u.rt = rt
	u.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			u.fault(fmt.Errorf("v8 unit panicked: %v", r))
		}
		u.mu.Lock()
		u.rt = nil
		u.mu.Unlock()
		rt.close()
	}()
	if u.stopped() {
		return
	}

	el := eventloop.New()
	setups := webapi.Setups(webapi.Unit{
		Context: u.ctx,
		Loader:  u.cfg.Loader,
		Logger:  u.log,
		Post:    u.post,
		Close:   u.closeSelf,
	})
	if err := webapi.Install(rt, el, setups); err != nil {
		u.fault(fmt.Errorf("installing unit scope: %w", err))
		<-u.stop
		return
	}
	if _, err := rt.ctx.RunScript(ref.Source, ref.URL); err != nil {
		u.fault(fmt.Errorf("loading %s: %w", ref.URL, err))
		<-u.stop
		return
	}
	rt.RunMicrotasks()

	for !u.halted() {
		var timerC <-chan time.Time
		var timer *time.Timer
		if wait, ok := el.Next(); ok {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		select {
		case <-u.stop:
		case <-u.closing:
		case msg := <-u.inbox:
			if err := webapi.Dispatch(rt, msg); err != nil {
				u.fault(err)
			}
		case <-timerC:
			if err := el.FireDue(rt); err != nil {
				u.fault(err)
			}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
