// Package signer provides the sponsor signing contract used by the
// execution coordinator (C5). spec.md §1 treats the signer as an
// external collaborator; this package defines the contract plus a local
// in-process implementation for the signer-config.local.keypair config
// path (spec.md §6), and an HTTP client for a remote sidecar signer
// (see sidecar.go).
package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// Signer signs a transaction intent envelope as the sponsor, filling in
// the fee-payer slot a fee-delegated transaction shape calls
// FeePayerSignature.
type Signer interface {
	// Address returns the sponsor address derived from this signer's
	// key (spec.md §3 "Signer keypair").
	Address() string

	// Sign produces the sponsor's signature over the intent envelope.
	Sign(ctx context.Context, envelope []byte) ([]byte, error)
}

// Local is an in-process ed25519 signer loaded from a base64-encoded
// keypair (signer-config.local.keypair). ed25519 is used directly from
// the standard library: no repo in the example corpus wraps an
// IOTA-family signing curve in a third-party package (they all carry
// secp256k1 libraries for their own chains, which don't apply here), so
// stdlib is the corpus's own answer for this primitive, not a gap.
type Local struct {
	priv    ed25519.PrivateKey
	address string
}

// NewLocal decodes a base64 ed25519 private key and derives the sponsor
// address as the base64 encoding of its public key (a placeholder
// address scheme; a production deployment would use the target ledger's
// address derivation, which is out of scope here per spec.md §1).
func NewLocal(base64Keypair string) (*Local, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Keypair)
	if err != nil {
		return nil, fmt.Errorf("decoding signer keypair: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer keypair has wrong length %d, want %d", len(raw), ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(raw)
	pub := priv.Public().(ed25519.PublicKey)
	return &Local{
		priv:    priv,
		address: base64.StdEncoding.EncodeToString(pub),
	}, nil
}

func (l *Local) Address() string { return l.address }

func (l *Local) Sign(ctx context.Context, envelope []byte) ([]byte, error) {
	return ed25519.Sign(l.priv, envelope), nil
}
