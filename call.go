package offload

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Call is the pending result of one invocation. It settles exactly once,
// either with the function's JSON result or with an error.
type Call struct {
	ID string

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCall() *Call {
	return &Call{ID: ulid.Make().String(), done: make(chan struct{})}
}

func (c *Call) settle(result json.RawMessage, err error) bool {
	settled := false
	c.once.Do(func() {
		c.result, c.err = result, err
		close(c.done)
		settled = true
	})
	return settled
}

func (c *Call) resolve(result json.RawMessage) bool { return c.settle(result, nil) }

func (c *Call) reject(err error) bool { return c.settle(nil, err) }

// Done is closed when the call settles.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call settles or ctx is done. A done ctx does not
// cancel the call; use Controller.Invoke for that.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result blocks until the call settles and returns its outcome.
func (c *Call) Result() (json.RawMessage, error) {
	<-c.done
	return c.result, c.err
}

// Decode waits for the call and unmarshals its result into v.
func (c *Call) Decode(v any) error {
	raw, err := c.Result()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding result of call %s: %w", c.ID, err)
	}
	return nil
}
