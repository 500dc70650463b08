package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "127.0.0.1:9797", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.MaxSessions)
	assert.Equal(t, 15*time.Second, cfg.AuthGracePeriod)
	assert.True(t, cfg.LoopbackAuthExempt)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().ListenAddr, cfg.ListenAddr)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lucidityd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_address: \"0.0.0.0:9000\"\nmax_concurrent_sessions: 10\nauth_grace_period: \"30s\"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.Equal(t, 30*time.Second, cfg.AuthGracePeriod)
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lucidityd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_sessions: 10\n"), 0o600))

	t.Setenv(EnvMaxSessions, "20")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.MaxSessions)
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lucidityd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_sessions: 1\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 1)
	go Watch(ctx, path, zerolog.Nop(), func(cfg Config) {
		reloaded <- cfg
	})

	// Give the watcher time to register with the filesystem before the
	// write it needs to observe.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_sessions: 7\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 7, cfg.MaxSessions)
	case <-time.After(2 * time.Second):
		t.Fatal("config reload was not observed")
	}
}

func TestWatchIgnoresInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lucidityd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_sessions: 1\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan Config, 1)
	go Watch(ctx, path, zerolog.Nop(), func(cfg Config) {
		reloaded <- cfg
	})

	time.Sleep(50 * time.Millisecond)
	// Malformed YAML: Load will fail, so onChange must not fire.
	require.NoError(t, os.WriteFile(path, []byte(": not: valid: yaml: [\n"), 0o600))

	select {
	case cfg := <-reloaded:
		t.Fatalf("unexpected reload with invalid config: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}
