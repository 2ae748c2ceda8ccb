// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package gob

import (
	"crypto/sha512"
	"fmt"
	"hash"
	"slices"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// DefaultAlgorithm is the digest algorithm used when none is configured or
// the configured name is not recognized.
const DefaultAlgorithm = "sha256"

var digests = map[string]func() hash.Hash{
	"sha256":   sha256.New,
	"sha512":   sha512.New,
	"sha3-256": sha3.New256,
	"blake3":   func() hash.Hash { return blake3.New(32, nil) },
}

// Algorithms reports the names of the supported digest algorithms.
func Algorithms() []string {
	var out []string
	for alg := range digests {
		out = append(out, alg)
	}
	slices.Sort(out)
	return out
}

// resolveAlgorithm returns the canonical name of the digest algorithm alg,
// and reports whether alg was recognized. Names are not case sensitive.
func resolveAlgorithm(alg string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(alg))
	if _, ok := digests[key]; ok {
		return key, true
	}
	return DefaultAlgorithm, false
}

// SetSigner attaches a signing key to the handle and sets the Signing flag.
// The key is zeroed when the handle is destroyed.
func (g *Guard) SetSigner(key *secp256k1.PrivateKey) {
	h := g.handle("set signer")
	if h.signer != nil && h.signer != key {
		h.signer.Zero()
	}
	h.signer = key
	h.flags |= Signing
}

// SetVerifier attaches a verification key to the handle and sets the
// Verifying flag. If warnOnly is true, the VerifyWarn flag is also set.
func (g *Guard) SetVerifier(key *secp256k1.PublicKey, warnOnly bool) {
	h := g.handle("set verifier")
	h.verifier = key
	h.flags |= Verifying
	if warnOnly {
		h.flags |= VerifyWarn
	}
}

// Sign signs the current digest of the object and returns the DER-encoded
// signature.
func (g *Guard) Sign() ([]byte, error) {
	h := g.handle("sign")
	if h.flags&Signing == 0 || h.signer == nil {
		return nil, ErrNoSigner
	}
	return ecdsa.Sign(h.signer, h.digest.Sum(nil)).Serialize(), nil
}

// Verify checks that sig is a valid DER-encoded signature of the current
// digest of the object. If the VerifyWarn flag is set, a mismatch is logged
// and Verify reports nil.
func (g *Guard) Verify(sig []byte) error {
	h := g.handle("verify")
	if h.flags&Verifying == 0 || h.verifier == nil {
		return ErrNoVerifier
	}
	err := verify(h.verifier, h.digest.Sum(nil), sig)
	if err != nil && h.flags&VerifyWarn != 0 {
		h.mgr.log.Warn().Err(err).Str("name", h.printable).Msg("signature mismatch")
		return nil
	}
	return err
}

func verify(key *secp256k1.PublicKey, digest, sig []byte) error {
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerify, err)
	}
	if !s.Verify(digest, key) {
		return ErrVerify
	}
	return nil
}
