package keypair

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	msg := []byte("hello")
	sig := kp.Sign(msg)
	assert.True(t, Verify(kp.Public, msg, sig))
	assert.False(t, Verify(kp.Public, []byte("tampered"), sig))
}

func TestLoadOrCreatePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.json")

	kp1, err := LoadOrCreate(path)
	require.NoError(t, err)

	kp2, err := LoadOrCreate(path)
	require.NoError(t, err)

	assert.Equal(t, kp1.PublicB64U(), kp2.PublicB64U())
}

func TestLoadOrCreateCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := LoadOrCreate(path)
	assert.ErrorIs(t, err, ErrCorruptSeedFile)
}
