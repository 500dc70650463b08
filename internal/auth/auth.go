// Package auth implements the per-connection mutual challenge-response
// handshake (spec §4.9): the host proves its identity to the client and
// vice versa, using nonces to prevent replay.
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"

	"github.com/ianremillard/lucidity-host/internal/clock"
	"github.com/ianremillard/lucidity-host/internal/keypair"
)

// MinNonceBytes is the minimum nonce length spec.md requires (16+ bytes).
const MinNonceBytes = 16

// DefaultNonceBytes is the nonce length this implementation generates.
const DefaultNonceBytes = 32

// ErrUnknownDevice is returned when a presented public key is not in the
// trust store.
var ErrUnknownDevice = errors.New("auth: unknown device")

// ErrBadSignature is returned when a presented signature fails to verify.
var ErrBadSignature = errors.New("auth: invalid signature")

// NewNonce generates a fresh DefaultNonceBytes-byte nonce using r.
func NewNonce(r clock.Randomness) ([]byte, error) {
	n := make([]byte, DefaultNonceBytes)
	if _, err := r.Read(n); err != nil {
		return nil, fmt.Errorf("auth: generate nonce: %w", err)
	}
	return n, nil
}

// VerifyClientSignature checks that sig is a valid signature over
// serverNonce by publicKey, as required of an auth_response frame.
func VerifyClientSignature(publicKey ed25519.PublicKey, serverNonce, sig []byte) error {
	if !keypair.Verify(publicKey, serverNonce, sig) {
		return ErrBadSignature
	}
	return nil
}

// SignClientNonce signs clientNonce with the host's private key, the
// payload of auth_success.
func SignClientNonce(host *keypair.KeyPair, clientNonce []byte) []byte {
	return host.Sign(clientNonce)
}

// IsLoopback reports whether ip (a bare IP, host part of a "host:port")
// names a loopback address, used for the loopback-auth-exemption policy.
func IsLoopback(ip string) bool {
	if ip == "localhost" {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
