// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package name defines the 256-bit internal names used to address objects,
// routers, and endpoints in the data plane.
//
// A [Name] has a printable form, which is the unpadded URL-safe base64
// encoding of its 32 bytes (43 characters). Human-oriented names are mapped to
// internal names by hashing them with SHA-256, see [Hash].
package name

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Len is the length of a name in bytes.
const Len = 32

// PrintableLen is the length of the printable form of a name.
const PrintableLen = 43

// A Name is a 256-bit internal name.
type Name [Len]byte

// Zero is the zero name. It is never assigned to an object.
var Zero Name

// ErrInvalid is reported when a string cannot be parsed as a name.
var ErrInvalid = errors.New("invalid name")

var enc = base64.RawURLEncoding

// IsZero reports whether n is the zero name.
func (n Name) IsZero() bool { return n == Zero }

// String returns the printable form of n.
func (n Name) String() string { return enc.EncodeToString(n[:]) }

// Short returns an abbreviated printable form of n for use in logs.
func (n Name) Short() string { return n.String()[:8] }

// MarshalText implements [encoding.TextMarshaler] using the printable form.
func (n Name) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler]. It accepts the same
// inputs as [Parse].
func (n *Name) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// Parse parses s as either the printable (base64url) form of a name or as a
// 64-digit hexadecimal string.
func Parse(s string) (Name, error) {
	var n Name
	switch len(s) {
	case PrintableLen:
		if nb, err := enc.Decode(n[:], []byte(s)); err != nil || nb != Len {
			return Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
	case 2 * Len:
		if _, err := hex.Decode(n[:], []byte(s)); err != nil {
			return Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
		}
	default:
		return Zero, fmt.Errorf("%w: %q has length %d", ErrInvalid, s, len(s))
	}
	return n, nil
}

// Hash returns the internal name for the human-oriented name s.
func Hash(s string) Name { return Name(sha256.Sum256([]byte(s))) }

// Resolve returns the name denoted by s. If s is a valid printable or hex
// name it is parsed, otherwise it is treated as a human-oriented name and
// hashed.
func Resolve(s string) Name {
	if n, err := Parse(s); err == nil {
		return n
	}
	return Hash(s)
}

// Random returns a fresh random name.
func Random() Name {
	var n Name
	rand.Read(n[:])
	return n
}

// FromBytes returns the name stored in the first Len bytes of b.
// It panics if len(b) < Len.
func FromBytes(b []byte) Name {
	if len(b) < Len {
		panic(fmt.Sprintf("name: short input (%d < %d bytes)", len(b), Len))
	}
	var n Name
	copy(n[:], b)
	return n
}
