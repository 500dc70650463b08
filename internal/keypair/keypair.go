// Package keypair implements Ed25519 keypair generation, b64u
// serialization, signing/verification, and lazy on-disk persistence of the
// host's long-lived identity key.
package keypair

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// b64u encodes/decodes URL-safe base64 without padding, used for every
// public key, signature, and persisted seed on the wire and at rest.
var b64u = base64.RawURLEncoding

// EncodeB64U encodes raw bytes to the wire's b64u form.
func EncodeB64U(b []byte) string { return b64u.EncodeToString(b) }

// DecodeB64U decodes the wire's b64u form back to raw bytes.
func DecodeB64U(s string) ([]byte, error) { return b64u.DecodeString(s) }

// KeyPair holds a generated or loaded Ed25519 keypair.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh random Ed25519 keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keypair: generate: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Sign produces a 64-byte signature over message using kp's private key.
func (kp *KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify checks sig over message against the given 32-byte public key.
func Verify(public ed25519.PublicKey, message, sig []byte) bool {
	if len(public) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(public, message, sig)
}

// PublicB64U returns kp's public key in wire form.
func (kp *KeyPair) PublicB64U() string {
	return EncodeB64U(kp.Public)
}

// seedFile is the on-disk JSON shape: a single b64u-encoded 32-byte seed.
type seedFile struct {
	Seed string `json:"seed"`
}

// ErrCorruptSeedFile is returned when the persisted seed is malformed.
var ErrCorruptSeedFile = errors.New("keypair: corrupt seed file")

// LoadOrCreate loads the host keypair from path, generating and persisting
// a new one if the file does not yet exist. Generation and load are not
// internally serialized across goroutines; callers that need single-flight
// semantics across concurrent first-use should guard this with their own
// mutex (cmd/lucidityd serve avoids concurrency instead: it calls this once
// at start-up, before the supervisor accepts any connections).
func LoadOrCreate(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		kp, genErr := Generate()
		if genErr != nil {
			return nil, genErr
		}
		if saveErr := Save(path, kp); saveErr != nil {
			return nil, saveErr
		}
		return kp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keypair: read %s: %w", path, err)
	}

	var sf seedFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSeedFile, err)
	}
	seed, err := DecodeB64U(sf.Seed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, ErrCorruptSeedFile
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// Save writes kp's seed atomically (write-tmp-then-rename) with mode 0600,
// the way the teacher's daemon persists instance metadata, hardened with
// an atomic rename rather than a direct WriteFile.
func Save(path string, kp *KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("keypair: mkdir: %w", err)
	}
	seed := kp.Private.Seed()
	data, err := json.MarshalIndent(seedFile{Seed: EncodeB64U(seed)}, "", "  ")
	if err != nil {
		return fmt.Errorf("keypair: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("keypair: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("keypair: rename: %w", err)
	}
	return nil
}
