package eventloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/offload/internal/core"
)

// timerEntry represents a pending setTimeout or setInterval callback.
// The actual callback is stored in globalThis.__timerCallbacks[id] on the
// JS side. Go only tracks scheduling metadata.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout, >0 for setInterval
	id       int
}

// EventLoop manages Go-backed timers for setTimeout/setInterval.
// It does not own a goroutine: the unit loop asks Next how long it may
// block and calls FireDue when that time has passed.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int
	now    func() time.Time
}

// New creates a new EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
		now:    time.Now,
	}
}

// RegisterTimer creates a timer entry and returns its ID.
// The actual JS callback is stored in globalThis.__timerCallbacks[id].
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	el.nextID++
	id := el.nextID
	entry := &timerEntry{
		deadline: el.now().Add(delay),
		id:       id,
	}
	if isInterval {
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond // minimum interval
		}
		entry.interval = delay
	}
	el.timers[id] = entry
	return id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	delete(el.timers, id)
}

// Next returns how long until the earliest timer is due. ok is false
// when no timer is pending.
func (el *EventLoop) Next() (wait time.Duration, ok bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	next := el.earliest()
	if next == nil {
		return 0, false
	}
	wait = next.deadline.Sub(el.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func (el *EventLoop) earliest() *timerEntry {
	var next *timerEntry
	for _, t := range el.timers {
		if next == nil || t.deadline.Before(next.deadline) ||
			(t.deadline.Equal(next.deadline) && t.id < next.id) {
			next = t
		}
	}
	return next
}

// FireDue runs every timer whose deadline has passed, earliest first,
// with a microtask checkpoint after each. Timers scheduled by a callback
// wait for the next call. It stops at the first callback that throws
// and returns that exception.
// Must be called on the runtime's goroutine (JS engines are single-threaded).
func (el *EventLoop) FireDue(rt core.JSRuntime) error {
	now := el.now()
	for {
		el.mu.Lock()
		next := el.earliest()
		if next == nil || next.deadline.After(now) {
			el.mu.Unlock()
			return nil
		}
		id := next.id
		if next.interval > 0 {
			next.deadline = now.Add(next.interval)
		} else {
			delete(el.timers, id)
		}
		el.mu.Unlock()

		if err := el.fireTimer(rt, id); err != nil {
			return err
		}
		rt.RunMicrotasks()
	}
}

// fireTimer fires a timer callback by invoking the JS-side callback map.
func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) error {
	js := fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id)
	if err := rt.Eval(js); err != nil {
		return fmt.Errorf("timer %d: %w", id, err)
	}
	return nil
}
