// Package trust implements the durable trust store: the set of approved
// remote public keys, keyed by public key, surviving process restart. It is
// backed by modernc.org/sqlite, the pure-Go sqlite driver used elsewhere in
// the example pack. Every operation goes to sqlite under one mutex; no
// in-memory copy of the device set is kept.
package trust

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get/Remove/Touch when no device with the
// given public key exists.
var ErrNotFound = errors.New("trust: device not found")

// Device is a durable record of one approved remote public key.
type Device struct {
	PublicKey  string // b64u
	UserEmail  string
	DeviceName string
	PairedAt   int64
	LastSeen   int64 // 0 means never touched since pairing
}

// Store is the single-writer, many-reader trust store. Concurrent access
// from the connection supervisor and administrative operations is
// serialized by mu; add/remove/touch are durable before they return.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	// seq is the last rowid_order value assigned; List sorts by rowid_order
	// to preserve insertion order, since sqlite's default rowid ordering is
	// not guaranteed stable across every path.
	seq int
}

// Open opens (creating if necessary) the trust store at path and applies
// any pending schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("trust: create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("trust: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("trust: ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("trust: chmod db path: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	var max sql.NullInt64
	_ = db.QueryRowContext(ctx, `SELECT MAX(rowid_order) FROM trusted_devices`).Scan(&max)
	if max.Valid {
		s.seq = int(max.Int64)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Add inserts a new trusted device. Insertion implies approval. Adding a
// public key that already exists overwrites its metadata (re-pairing).
func (s *Store) Add(ctx context.Context, d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trusted_devices(public_key, user_email, device_name, paired_at, last_seen, rowid_order)
VALUES (?, ?, ?, ?, NULLIF(?, 0), ?)
ON CONFLICT(public_key) DO UPDATE SET
	user_email=excluded.user_email,
	device_name=excluded.device_name,
	paired_at=excluded.paired_at,
	last_seen=excluded.last_seen
`, d.PublicKey, d.UserEmail, d.DeviceName, d.PairedAt, d.LastSeen, s.seq)
	if err != nil {
		return fmt.Errorf("trust: add: %w", err)
	}
	return nil
}

// Get returns the device for publicKey, or ErrNotFound.
func (s *Store) Get(ctx context.Context, publicKey string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, publicKey)
}

func (s *Store) getLocked(ctx context.Context, publicKey string) (Device, error) {
	var d Device
	var lastSeen sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
SELECT public_key, user_email, device_name, paired_at, last_seen
FROM trusted_devices WHERE public_key = ?`, publicKey)
	if err := row.Scan(&d.PublicKey, &d.UserEmail, &d.DeviceName, &d.PairedAt, &lastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, ErrNotFound
		}
		return Device{}, fmt.Errorf("trust: get: %w", err)
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Int64
	}
	return d, nil
}

// List returns every trusted device, insertion-ordered.
func (s *Store) List(ctx context.Context) ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
SELECT public_key, user_email, device_name, paired_at, last_seen
FROM trusted_devices ORDER BY rowid_order ASC`)
	if err != nil {
		return nil, fmt.Errorf("trust: list: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var lastSeen sql.NullInt64
		if err := rows.Scan(&d.PublicKey, &d.UserEmail, &d.DeviceName, &d.PairedAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("trust: list scan: %w", err)
		}
		if lastSeen.Valid {
			d.LastSeen = lastSeen.Int64
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Remove revokes trust for publicKey.
func (s *Store) Remove(ctx context.Context, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM trusted_devices WHERE public_key = ?`, publicKey)
	if err != nil {
		return fmt.Errorf("trust: remove: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch updates last_seen for publicKey, e.g. on successful authentication.
func (s *Store) Touch(ctx context.Context, publicKey string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE trusted_devices SET last_seen = ? WHERE public_key = ?`, now, publicKey)
	if err != nil {
		return fmt.Errorf("trust: touch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fingerprint derives a short human-readable identifier for a b64u public
// key: the first 8 and last 6 base64 characters, joined with an ellipsis,
// used in approval prompts.
func Fingerprint(publicKeyB64U string) string {
	if len(publicKeyB64U) <= 16 {
		return publicKeyB64U
	}
	return publicKeyB64U[:8] + "..." + publicKeyB64U[len(publicKeyB64U)-6:]
}

// RelayID derives a short, stable identifier for a pairing payload from the
// raw desktop public key bytes, using blake2b so the derivation doesn't
// leak signing-key structure. publicKey must already be raw bytes, not
// b64u-encoded.
func RelayID(publicKey []byte) (string, error) {
	h, err := relayIDHash(publicKey)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(h), nil
}
