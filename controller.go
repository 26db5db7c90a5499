package offload

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cryguy/offload/internal/codecache"
	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/handle"
	"github.com/cryguy/offload/internal/metrics"
)

// Options configure a Controller.
type Options struct {
	// Timeout arms a deadline per call. Zero uses the engine default;
	// negative disables it.
	Timeout time.Duration
	// Dependencies and Helpers are appended to the task's own lists.
	Dependencies []string
	Helpers      []string
	// OnError observes every ERROR and TIMEOUT_EXPIRED transition and
	// every unit fault, once per failure.
	OnError func(err error)
	// OnProgress observes every non-terminal envelope of the current call.
	OnProgress func(msg Message)
}

// Controller runs one task at a time in a fresh execution unit per call
// and tracks the call's status.
type Controller struct {
	eng     *Engine
	task    core.Task
	key     string
	kind    string
	timeout time.Duration
	onError func(error)
	onProg  func(Message)
	log     *slog.Logger

	mu     sync.Mutex
	status core.Status
	cur    *flight
	closed bool
}

// flight is the state of the call in progress. Callbacks carry the
// flight they were created for, so traffic from an earlier call is
// recognised and dropped.
type flight struct {
	call  *Call
	h     *handle.Handle
	start time.Time
	stop  func() bool // detaches the context watcher
}

// NewController creates a controller for t. The task is copied.
func (e *Engine) NewController(t Task, opts Options) *Controller {
	task := t.Clone()
	task.Dependencies = append(task.Dependencies, opts.Dependencies...)
	task.Helpers = append(task.Helpers, opts.Helpers...)

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = e.cfg.DefaultTimeout
	}
	kind := metrics.KindScript
	if task.Native() {
		kind = metrics.KindNative
	}
	key := codecache.Key(task)
	c := &Controller{
		eng:     e,
		task:    task,
		key:     key,
		kind:    kind,
		timeout: timeout,
		onError: opts.OnError,
		onProg:  opts.OnProgress,
		status:  core.StatusPending,
		log:     e.log.With("component", "controller", "task", key[:12]),
	}
	if !e.track(c) {
		c.closed = true
	}
	return c
}

// Task returns a copy of the controller's task, including appended
// dependencies and helpers.
func (c *Controller) Task() Task { return c.task.Clone() }

// Status returns the current status. A terminal status stays visible
// until the next call starts.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Go starts a call with args and returns immediately. The returned Call
// is already rejected if the controller is busy or closed, or if the
// task or its arguments cannot be encoded.
func (c *Controller) Go(args ...any) *Call {
	return c.start(context.Background(), args)
}

// Invoke starts a call and waits for it. If ctx is done first, the
// call is terminated and rejected with ErrCancelled.
func (c *Controller) Invoke(ctx context.Context, args ...any) (json.RawMessage, error) {
	call := c.start(ctx, args)
	return call.Result()
}

func (c *Controller) start(ctx context.Context, args []any) *Call {
	call := newCall()
	log := c.log.With("call", call.ID)

	raw, err := core.EncodeArgs(args)
	if err != nil {
		call.reject(core.NewFailure(core.KindGeneration, "", err))
		metrics.CallSettled(c.kind, metrics.OutcomeRejected, 0)
		return call
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.reject(core.ErrClosed)
		return call
	}
	if c.status == core.StatusRunning {
		c.mu.Unlock()
		log.Warn("call rejected", "reason", "already running")
		call.reject(core.NewFailure(core.KindAlreadyRunning, "worker is already running", nil))
		metrics.CallSettled(c.kind, metrics.OutcomeRejected, 0)
		return call
	}

	ref, err := c.eng.cache.GetOrCreate(c.task)
	if err != nil {
		c.mu.Unlock()
		log.Warn("code generation failed", "error", err)
		if core.KindOf(err) == 0 {
			err = core.NewFailure(core.KindGeneration, "", err)
		}
		call.reject(err)
		metrics.CallSettled(c.kind, metrics.OutcomeRejected, 0)
		return call
	}

	f := &flight{call: call, start: time.Now()}
	h, err := handle.Spawn(c.eng.units, ref, handle.Callbacks{
		OnMessage: func(env core.Envelope) { c.onEnvelope(f, env) },
		OnFault:   func(err error) { c.onFault(f, err) },
	})
	if err != nil {
		c.status = core.StatusError
		c.mu.Unlock()
		log.Error("unit spawn failed", "error", err)
		fail := core.NewFailure(core.KindUnitFault, "", err)
		c.observeError(fail)
		call.reject(fail)
		metrics.CallSettled(c.kind, metrics.OutcomeError, 0)
		return call
	}
	metrics.UnitStarted(c.kind)
	f.h = h
	c.cur = f
	c.status = core.StatusRunning
	if c.timeout > 0 {
		h.Arm(c.timeout, func() { c.onTimeout(f) })
	}
	postErr := h.Post(raw)
	if postErr == nil && ctx.Done() != nil {
		f.stop = context.AfterFunc(ctx, func() { c.cancel(f, context.Cause(ctx)) })
	}
	c.mu.Unlock()

	log.Debug("call dispatched", "unit", h.ID, "args", len(raw))
	if postErr != nil {
		c.onFault(f, fmt.Errorf("posting request: %w", postErr))
	}
	return call
}

// end detaches f if it is still the current flight and moves to status.
// It reports false for stale flights.
func (c *Controller) end(f *flight, status core.Status) bool {
	c.mu.Lock()
	if c.cur != f {
		c.mu.Unlock()
		return false
	}
	c.cur = nil
	c.status = status
	c.mu.Unlock()

	if f.stop != nil {
		f.stop()
	}
	if f.h.Terminate() {
		metrics.UnitStopped(c.kind)
	}
	return true
}

func (c *Controller) current(f *flight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur == f
}

func (c *Controller) onEnvelope(f *flight, env core.Envelope) {
	switch env.Tag {
	case core.TagSuccess:
		if c.end(f, core.StatusSuccess) {
			f.call.resolve(env.Payload)
			c.settled(f, metrics.OutcomeSuccess)
		}
	case core.TagError:
		fail := core.NewFailure(core.KindRuntime, env.Description(), nil)
		if c.end(f, core.StatusError) {
			c.observeError(fail)
			f.call.reject(fail)
			c.settled(f, metrics.OutcomeError)
		}
	case core.TagTimeoutExpired:
		msg := env.Description()
		if msg == "" {
			msg = core.ErrTimeout.Message
		}
		fail := core.NewFailure(core.KindTimeout, msg, nil)
		if c.end(f, core.StatusTimeoutExpired) {
			c.observeError(fail)
			f.call.reject(fail)
			c.settled(f, metrics.OutcomeTimeout)
		}
	default:
		if c.onProg != nil && c.current(f) {
			c.onProg(env.Message())
		}
	}
}

func (c *Controller) onFault(f *flight, err error) {
	if !c.end(f, core.StatusError) {
		return
	}
	if core.KindOf(err) == 0 {
		err = core.NewFailure(core.KindUnitFault, "", err)
	}
	c.log.Warn("unit fault", "call", f.call.ID, "unit", f.h.ID, "error", err)
	c.observeError(err)
	f.call.reject(err)
	c.settled(f, metrics.OutcomeError)
}

func (c *Controller) onTimeout(f *flight) {
	if !c.end(f, core.StatusTimeoutExpired) {
		return
	}
	fail := core.NewFailure(core.KindTimeout, fmt.Sprintf("timeout expired after %s", c.timeout), nil)
	c.log.Warn("call timed out", "call", f.call.ID, "unit", f.h.ID, "timeout", c.timeout)
	c.observeError(fail)
	f.call.reject(fail)
	c.settled(f, metrics.OutcomeTimeout)
}

func (c *Controller) cancel(f *flight, cause error) {
	if !c.end(f, core.StatusPending) {
		return
	}
	f.call.reject(core.NewFailure(core.KindCancelled, "call cancelled", cause))
	c.settled(f, metrics.OutcomeCancelled)
}

func (c *Controller) observeError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Controller) settled(f *flight, outcome string) {
	elapsed := time.Since(f.start)
	metrics.CallSettled(c.kind, outcome, elapsed)
	c.log.Debug("call settled", "call", f.call.ID, "outcome", outcome, "duration", elapsed)
}

// Terminate stops the call in progress, if any, and returns to PENDING.
func (c *Controller) Terminate() { c.TerminateWithStatus(core.StatusPending) }

// TerminateWithStatus stops the call in progress and sets status. The
// pending call is rejected with ErrCancelled. With no call in progress
// it does nothing. RUNNING and unknown statuses are replaced by PENDING.
func (c *Controller) TerminateWithStatus(status Status) {
	if !status.Valid() || status == core.StatusRunning {
		status = core.StatusPending
	}
	c.mu.Lock()
	f := c.cur
	c.mu.Unlock()
	if f == nil {
		return
	}
	if !c.end(f, status) {
		return
	}
	c.log.Info("call terminated", "call", f.call.ID, "unit", f.h.ID, "status", status)
	f.call.reject(core.NewFailure(core.KindCancelled, "call terminated", nil))
	c.settled(f, metrics.OutcomeCancelled)
}

// Close terminates the call in progress, releases the task's cached
// code, and rejects later calls with ErrClosed. Idempotent.
func (c *Controller) Close() { c.shutdown(true) }

// Stop is Close without releasing the cached code, for short-lived
// controllers whose task other controllers keep using.
func (c *Controller) Stop() { c.shutdown(false) }

func (c *Controller) shutdown(release bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Terminate()
	if release {
		c.eng.cache.Invalidate(c.key)
	}
	c.eng.untrack(c)
}
