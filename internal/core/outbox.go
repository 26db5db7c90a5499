package core

import "sync"

// UnitEvent is one item of unit output: a message or a fault.
type UnitEvent struct {
	Msg []byte
	Err error
}

// Outbox is an unbounded FIFO between a unit's execution goroutine and
// its delivery goroutine. Push never blocks.
type Outbox struct {
	mu    sync.Mutex
	items []UnitEvent
	ready chan struct{}
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{ready: make(chan struct{}, 1)}
}

// Push appends an event.
func (o *Outbox) Push(e UnitEvent) {
	o.mu.Lock()
	o.items = append(o.items, e)
	o.mu.Unlock()
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or stop is closed.
func (o *Outbox) Next(stop <-chan struct{}) (UnitEvent, bool) {
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			e := o.items[0]
			o.items[0] = UnitEvent{}
			o.items = o.items[1:]
			o.mu.Unlock()
			return e, true
		}
		o.mu.Unlock()
		select {
		case <-o.ready:
		case <-stop:
			return UnitEvent{}, false
		}
	}
}

// Deliver drains the outbox into cb until stop is closed.
func (o *Outbox) Deliver(cb UnitCallbacks, stop <-chan struct{}) {
	for {
		e, ok := o.Next(stop)
		if !ok {
			return
		}
		select {
		case <-stop:
			return
		default:
		}
		switch {
		case e.Err != nil:
			if cb.OnError != nil {
				cb.OnError(e.Err)
			}
		case cb.OnMessage != nil:
			cb.OnMessage(e.Msg)
		}
	}
}
