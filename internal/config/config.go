// Package config loads lucidityd's recognized configuration options
// (spec §6): an optional YAML file, overridden by environment variables,
// the way the teacher loads project.yaml with gopkg.in/yaml.v3 and
// rcourtman-Pulse layers environment overrides on top of file config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Env var names for the recognized configuration options (spec §6).
const (
	EnvListenAddr           = "LUCIDITYD_LISTEN_ADDR"
	EnvHostDisabled         = "LUCIDITYD_DISABLED"
	EnvMaxSessions          = "LUCIDITYD_MAX_SESSIONS"
	EnvAuthGracePeriod      = "LUCIDITYD_AUTH_GRACE_PERIOD"
	EnvPairingTimeout       = "LUCIDITYD_PAIRING_APPROVAL_TIMEOUT"
	EnvPairingFreshness     = "LUCIDITYD_PAIRING_FRESHNESS_WINDOW"
	EnvOverflowPolicy       = "LUCIDITYD_OVERFLOW_POLICY"
	EnvLoopbackAuthExempt   = "LUCIDITYD_LOOPBACK_AUTH_EXEMPT"
	EnvHostKeypairPath      = "LUCIDITYD_HOST_KEYPAIR_PATH"
	EnvTrustStorePath       = "LUCIDITYD_TRUST_STORE_PATH"
)

// OverflowPolicy mirrors fanout.OverflowPolicy's two string forms on the
// wire/config layer, avoiding a config->fanout import cycle.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop-oldest"
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// Config is the fully resolved set of recognized options.
type Config struct {
	ListenAddr         string         `yaml:"listen_address"`
	HostDisabled       bool           `yaml:"host_disabled"`
	MaxSessions        int            `yaml:"max_concurrent_sessions"`
	AuthGracePeriod    time.Duration  `yaml:"-"`
	PairingTimeout     time.Duration  `yaml:"-"`
	PairingFreshness   time.Duration  `yaml:"-"`
	OverflowPolicy     OverflowPolicy `yaml:"overflow_policy"`
	LoopbackAuthExempt bool           `yaml:"loopback_auth_exemption"`
	HostKeypairPath    string         `yaml:"host_keypair_path"`
	TrustStorePath     string         `yaml:"trust_store_path"`

	// Durations accept YAML's native duration-as-string form; the struct
	// fields above are populated from these after unmarshal.
	AuthGracePeriodRaw  string `yaml:"auth_grace_period"`
	PairingTimeoutRaw   string `yaml:"pairing_approval_timeout"`
	PairingFreshnessRaw string `yaml:"pairing_freshness_window"`
}

// Defaults returns the spec's default configuration (spec §6).
func Defaults() Config {
	return Config{
		ListenAddr:         "127.0.0.1:9797",
		MaxSessions:        4,
		AuthGracePeriod:    15 * time.Second,
		PairingTimeout:     60 * time.Second,
		PairingFreshness:   300 * time.Second,
		OverflowPolicy:     OverflowDropOldest,
		LoopbackAuthExempt: true,
		HostKeypairPath:    defaultStatePath("host_key.json"),
		TrustStorePath:     defaultStatePath("trust.db"),
	}
}

// Load resolves configuration from defaults, an optional YAML file at
// path (ignored if it does not exist), and environment variable
// overrides, in that precedence order (low to high).
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
			applyRawDurations(&cfg)
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyRawDurations(cfg *Config) {
	if cfg.AuthGracePeriodRaw != "" {
		if d, err := time.ParseDuration(cfg.AuthGracePeriodRaw); err == nil {
			cfg.AuthGracePeriod = d
		}
	}
	if cfg.PairingTimeoutRaw != "" {
		if d, err := time.ParseDuration(cfg.PairingTimeoutRaw); err == nil {
			cfg.PairingTimeout = d
		}
	}
	if cfg.PairingFreshnessRaw != "" {
		if d, err := time.ParseDuration(cfg.PairingFreshnessRaw); err == nil {
			cfg.PairingFreshness = d
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvHostDisabled); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HostDisabled = b
		}
	}
	if v := os.Getenv(EnvMaxSessions); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv(EnvAuthGracePeriod); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AuthGracePeriod = d
		}
	}
	if v := os.Getenv(EnvPairingTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PairingTimeout = d
		}
	}
	if v := os.Getenv(EnvPairingFreshness); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PairingFreshness = d
		}
	}
	if v := os.Getenv(EnvOverflowPolicy); v != "" {
		cfg.OverflowPolicy = OverflowPolicy(v)
	}
	if v := os.Getenv(EnvLoopbackAuthExempt); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LoopbackAuthExempt = b
		}
	}
	if v := os.Getenv(EnvHostKeypairPath); v != "" {
		cfg.HostKeypairPath = v
	}
	if v := os.Getenv(EnvTrustStorePath); v != "" {
		cfg.TrustStorePath = v
	}
}

// defaultStatePath returns ~/.lucidityd/<name>, falling back to
// ./.lucidityd/<name> if the home directory can't be resolved.
func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return home + "/.lucidityd/" + name
}
