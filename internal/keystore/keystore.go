// Package keystore manages RSA-2048 identities used to authenticate to
// an adbd daemon: PKCS#1 v1.5/SHA-1 signing over the AUTH token, and the
// adbd-specific Montgomery-form public key encoding. See spec.md §4.2.
package keystore

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"adbcore/internal/adberrors"
)

// Identity is a cached RSA-2048 keypair plus its adbd-encoded public key.
// The encoding is derived once, at construction, and reused for every
// AUTH(RSAPUBLICKEY) frame sent for this identity.
type Identity struct {
	Private      *rsa.PrivateKey
	Label        string
	encodedPubKey []byte
}

const rsaBits = 2048

// GenerateIdentity creates a fresh RSA-2048 keypair (e=65537) for
// first-run enrolment. Persisting the result is the caller's
// responsibility; adbcore touches no files (spec.md §6).
func GenerateIdentity(label string) (*Identity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa-2048 identity: %w", err)
	}
	return LoadIdentity(priv, label)
}

// LoadIdentity wraps a caller-supplied RSA-2048 private key and
// precomputes its adbd public-key blob.
func LoadIdentity(priv *rsa.PrivateKey, label string) (*Identity, error) {
	if priv.N.BitLen() > rsaBits {
		return nil, fmt.Errorf("adbd identities must be RSA-%d or smaller, got %d bits", rsaBits, priv.N.BitLen())
	}
	if label == "" {
		label = "unknown@host"
	}
	blob, err := EncodePublicKey(&priv.PublicKey, label)
	if err != nil {
		return nil, err
	}
	return &Identity{Private: priv, Label: label, encodedPubKey: blob}, nil
}

// EncodedPublicKey returns the cached adbd-format public key blob,
// including the trailing NUL-terminated user label.
func (id *Identity) EncodedPublicKey() []byte {
	out := make([]byte, len(id.encodedPubKey))
	copy(out, id.encodedPubKey)
	return out
}

// Sign produces a PKCS#1 v1.5 signature over token. adbd's AUTH token is
// 20 raw bytes presented directly as the "digest" argument — it is not
// re-hashed — matching the reference client behaviour (see DESIGN.md,
// grounded on other_examples/binzume-adbproto and dosgo-adbtest).
func Sign(id *Identity, token []byte) ([]byte, error) {
	sig, err := rsa.SignPKCS1v15(rand.Reader, id.Private, crypto.SHA1, token)
	if err != nil {
		return nil, adberrors.Wrap(adberrors.KindAuthenticationFailed, "sign_token", err)
	}
	return sig, nil
}
