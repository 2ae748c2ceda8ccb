// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package gob manages the in-process handles that represent open GDP objects
// (GOBs): their creation, reference counts, locking, and cached reuse.
//
// A [Manager] creates handles from an injected [Pool], which recycles the
// storage of destroyed handles. Every operation on a handle requires its lock,
// and holding the lock is represented by a [*Guard]: a guard exists only
// while the lock is held, and is invalidated when the lock is released or the
// handle is destroyed. A [Ref] names a handle without holding its lock, and
// detects when the handle it named has been destroyed or recycled.
//
// # Locking
//
// A goroutine holding one handle's lock must release it before acquiring the
// lock of another handle. The manager never holds its own lock while
// acquiring a handle lock; a goroutine holding a handle lock may call into
// the manager.
package gob

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStale is reported by Ref.Lock when the handle has been destroyed or
	// recycled for another object.
	ErrStale = errors.New("gob: stale handle reference")

	// ErrReleased is reported to a pending request whose handle was destroyed
	// before the request completed.
	ErrReleased = errors.New("gob: handle released")

	// ErrNoSigner is reported by Sign for a handle with no signing key.
	ErrNoSigner = errors.New("gob: no signing key")

	// ErrNoVerifier is reported by Verify for a handle with no verifying key.
	ErrNoVerifier = errors.New("gob: no verification key")

	// ErrVerify is reported by Verify for a signature that does not match.
	ErrVerify = errors.New("gob: signature verification failed")
)

// An InvariantError is the panic value reported when a handle is misused in a
// way that would corrupt its state.
type InvariantError struct {
	Op  string // the operation that detected the violation
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("gob: invariant violated in %s: %s", e.Op, e.Msg)
}

func invariant(op, msg string, args ...any) {
	panic(&InvariantError{Op: op, Msg: fmt.Sprintf(msg, args...)})
}

// Flags are the status bits of a handle.
type Flags uint16

const (
	InUse      Flags = 1 << iota // Allocated, not on the free list
	Dropping                     // Destruction is in progress
	InCache                      // Reachable through the manager's name index
	DeferFree                    // Do not destroy when the refcount reaches zero
	KeepLocked                   // Decref retains the lock
	Pending                      // Creation is not yet confirmed
	Signing                      // A signing key is attached
	Verifying                    // A verification key is attached
	VerifyWarn                   // Verification failures are logged, not reported

	// Flags reserved to the manager, which callers may not set or clear.
	systemFlags = InUse | Dropping | InCache
)

var flagNames = []string{
	"INUSE", "DROPPING", "INCACHE", "DEFER_FREE", "KEEPLOCKED",
	"PENDING", "SIGNING", "VERIFYING", "VRFY_WARN",
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for i, s := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, s)
		}
	}
	if rest := f &^ (1<<len(flagNames) - 1); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint16(rest)))
	}
	return strings.Join(parts, "|")
}
