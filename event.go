// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gdp

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/creachadair/gdp/name"
	"github.com/creachadair/gdp/pdu"
	"github.com/creachadair/mds/queue"
)

// EventKind identifies the type of an [Event].
type EventKind byte

const (
	EventState        EventKind = iota + 1 // The channel changed state
	EventConnected                         // A connection to a router was established
	EventReceived                          // A REGULAR PDU arrived
	EventRouterError                       // The router reported a routing failure
	EventCorrupt                           // A malformed PDU was received and discarded
	EventDisconnected                      // The transport failed
	EventGaveUp                            // The retry policy stopped reconnection
	EventClosing                           // The channel was closed; this is the last event
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "STATE"
	case EventConnected:
		return "CONNECTED"
	case EventReceived:
		return "RECEIVED"
	case EventRouterError:
		return "ROUTER_ERROR"
	case EventCorrupt:
		return "CORRUPT"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventGaveUp:
		return "GAVE_UP"
	case EventClosing:
		return "CLOSING"
	default:
		return fmt.Sprintf("EVENT:%d", byte(k))
	}
}

// An Event is a notification from a channel to its owner.
type Event struct {
	Kind EventKind

	// For EventState, the old and new states.
	From, To State

	// For EventReceived and EventRouterError, the PDU from the router.
	PDU *pdu.PDU

	// For EventRouterError, EventCorrupt, EventDisconnected and EventGaveUp,
	// the error observed.
	Err error

	// For EventConnected, the address and name of the router reached.
	Addr   Addr
	Router name.Name
}

func (e Event) String() string {
	switch e.Kind {
	case EventState:
		return fmt.Sprintf("Event(%v, %v→%v)", e.Kind, e.From, e.To)
	case EventConnected:
		return fmt.Sprintf("Event(%v, %v)", e.Kind, e.Addr)
	case EventReceived:
		return fmt.Sprintf("Event(%v, %v)", e.Kind, e.PDU)
	case EventClosing:
		return fmt.Sprintf("Event(%v)", e.Kind)
	default:
		return fmt.Sprintf("Event(%v, %v)", e.Kind, e.Err)
	}
}

// eventQueue is an unbounded FIFO of events with a blocking pop.
type eventQueue struct {
	μ      sync.Mutex
	q      queue.Queue[Event]
	closed bool

	ready chan struct{} // buffered, signals q may be non-empty
	done  chan struct{} // closed when the queue is closed
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1), done: make(chan struct{})}
}

func (e *eventQueue) signal() {
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

func (e *eventQueue) push(ev Event) {
	e.μ.Lock()
	defer e.μ.Unlock()
	if e.closed {
		return
	}
	e.q.Add(ev)
	e.signal()
}

// close stops accepting events. Events already queued remain available.
func (e *eventQueue) close() {
	e.μ.Lock()
	defer e.μ.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
}

func (e *eventQueue) pop(ctx context.Context) (Event, error) {
	for {
		e.μ.Lock()
		ev, ok := e.q.Pop()
		if ok && !e.q.IsEmpty() {
			e.signal() // wake another consumer
		}
		closed := e.closed
		e.μ.Unlock()

		if ok {
			return ev, nil
		} else if closed {
			return Event{}, ErrClosed
		}
		select {
		case <-e.ready:
		case <-e.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Recv blocks until an event is available or ctx ends. After the channel has
// closed and its final EventClosing has been delivered, Recv reports
// ErrClosed.
func (c *Channel) Recv(ctx context.Context) (Event, error) { return c.events.pop(ctx) }

// Events returns an iterator over the events of c. The iterator ends when ctx
// ends or after the channel closes and all its events have been delivered.
func (c *Channel) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, err := c.Recv(ctx)
			if err != nil || !yield(ev) {
				return
			}
		}
	}
}
