// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gob

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// A Request is an outstanding operation bound to a handle, such as a read or
// append awaiting a response from the network.
type Request struct {
	ID uuid.UUID

	once sync.Once
	done chan struct{}
	err  error
}

func newRequest() *Request {
	return &Request{ID: uuid.New(), done: make(chan struct{})}
}

// Complete marks r as finished with the given error. Only the first call to
// Complete has any effect; it reports whether this call completed r.
func (r *Request) Complete(err error) bool {
	ok := false
	r.once.Do(func() {
		r.err = err
		close(r.done)
		ok = true
	})
	return ok
}

// Done returns a channel that is closed when r completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until r completes or ctx ends, and reports the error from r or
// from ctx.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.err
	}
}
