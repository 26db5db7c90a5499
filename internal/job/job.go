// Package job is the JSON form of an offload invocation shared by the
// HTTP surface and the queue runner.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cryguy/offload"
)

// MaxTimeout caps the per-job timeout a client may request.
const MaxTimeout = 5 * time.Minute

// Request describes one invocation.
type Request struct {
	ID           string            `json:"id,omitempty"`
	Source       string            `json:"source,omitempty"`
	Name         string            `json:"name,omitempty"`
	Loader       string            `json:"loader,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Helpers      []string          `json:"helpers,omitempty"`
	Args         []json.RawMessage `json:"args,omitempty"`
	TimeoutMS    int               `json:"timeout_ms,omitempty"`
}

// Response is the outcome of a Request.
type Response struct {
	ID       string            `json:"id"`
	Status   offload.Status    `json:"status"`
	Result   json.RawMessage   `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	Progress []offload.Message `json:"progress,omitempty"`
}

// ErrInvalid reports a request that names neither a source nor a task.
var ErrInvalid = errors.New("one of source or name is required")

// Validate checks the request and assigns an ID if missing.
func (r *Request) Validate() error {
	if r.Source == "" && r.Name == "" {
		return ErrInvalid
	}
	if r.Source != "" && r.Name != "" {
		return errors.New("source and name are mutually exclusive")
	}
	if r.TimeoutMS < 0 {
		return errors.New("timeout_ms must not be negative")
	}
	switch offload.Loader(r.Loader) {
	case "", offload.LoaderJS, offload.LoaderTS:
	default:
		return errors.New("loader must be js or ts")
	}
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	return nil
}

// Task converts the request into a task descriptor.
func (r *Request) Task() offload.Task {
	return offload.Task{
		Source:       r.Source,
		Name:         r.Name,
		Loader:       offload.Loader(r.Loader),
		Dependencies: r.Dependencies,
		Helpers:      r.Helpers,
	}
}

// Timeout returns the requested timeout, capped at MaxTimeout. Zero
// leaves the engine default in place.
func (r *Request) Timeout() time.Duration {
	d := time.Duration(r.TimeoutMS) * time.Millisecond
	if d > MaxTimeout {
		d = MaxTimeout
	}
	return d
}

// ArgValues returns the encoded arguments as call arguments.
func (r *Request) ArgValues() []any {
	args := make([]any, len(r.Args))
	for i, a := range r.Args {
		args[i] = a
	}
	return args
}

// Run executes req on a short-lived controller and waits for it. ctx
// cancellation terminates the call.
func Run(ctx context.Context, eng *offload.Engine, req Request) Response {
	var mu sync.Mutex
	var progress []offload.Message
	ctrl := eng.NewController(req.Task(), offload.Options{
		Timeout: req.Timeout(),
		OnProgress: func(m offload.Message) {
			mu.Lock()
			progress = append(progress, m)
			mu.Unlock()
		},
	})
	defer ctrl.Stop()

	result, err := ctrl.Invoke(ctx, req.ArgValues()...)
	resp := Response{ID: req.ID, Status: ctrl.Status(), Result: result}
	if err != nil {
		resp.Error = err.Error()
		resp.Kind = offload.KindOf(err).String()
		if resp.Status == offload.StatusPending || resp.Status == offload.StatusRunning {
			resp.Status = offload.StatusError
		}
	}
	mu.Lock()
	resp.Progress = progress
	mu.Unlock()
	return resp
}
