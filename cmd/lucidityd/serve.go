package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ianremillard/lucidity-host/internal/bridge/localpty"
	"github.com/ianremillard/lucidity-host/internal/clock"
	"github.com/ianremillard/lucidity-host/internal/config"
	"github.com/ianremillard/lucidity-host/internal/fanout"
	"github.com/ianremillard/lucidity-host/internal/keypair"
	"github.com/ianremillard/lucidity-host/internal/logging"
	"github.com/ianremillard/lucidity-host/internal/pairing"
	"github.com/ianremillard/lucidity-host/internal/session"
	"github.com/ianremillard/lucidity-host/internal/supervisor"
	"github.com/ianremillard/lucidity-host/internal/trust"
)

var (
	jsonLogs bool
	logLevel string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host bridge accept loop",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of a console writer")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.New(jsonLogs, logging.ParseLevel(logLevel))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("lucidityd: load config: %w", err)
	}
	if cfg.HostDisabled {
		log.Info().Msg("host disabled via configuration, exiting")
		return nil
	}

	host, err := keypair.LoadOrCreate(cfg.HostKeypairPath)
	if err != nil {
		return fmt.Errorf("lucidityd: load host keypair: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trustStore, err := trust.Open(ctx, cfg.TrustStorePath)
	if err != nil {
		return fmt.Errorf("lucidityd: open trust store: %w", err)
	}
	defer trustStore.Close()

	br := localpty.New()
	// Seed a default shell pane so a freshly started host has something to
	// list/attach to; real deployments drive Spawn from their own surface.
	if _, err := br.Spawn("shell", defaultShell(), nil, nil); err != nil {
		log.Warn().Err(err).Msg("failed to spawn default shell pane")
	}

	fo := fanout.New(br)

	approver := newStdinApprover(log)
	desktopPubRaw, err := keypair.DecodeB64U(host.PublicB64U())
	if err != nil {
		return fmt.Errorf("lucidityd: decode host public key: %w", err)
	}
	relayID, err := trust.RelayID(desktopPubRaw)
	if err != nil {
		return fmt.Errorf("lucidityd: derive relay id: %w", err)
	}
	proto := pairing.NewProtocol(host, trustStore, approver, clock.Real, pairing.Config{
		ApprovalTimeout: cfg.PairingTimeout,
		FreshnessWindow: cfg.PairingFreshness,
	})

	sessionCfg := session.Config{
		AuthGracePeriod:      cfg.AuthGracePeriod,
		LoopbackAuthExempt:   cfg.LoopbackAuthExempt,
		OverflowPolicy:       overflowPolicyFromConfig(cfg.OverflowPolicy),
		SubscriberQueueDepth: fanout.DefaultQueueDepth,
	}

	deps := session.Deps{
		Bridge:  br,
		Fanout:  fo,
		Trust:   trustStore,
		Pairing: proto,
		Host:    host,
		RelayID: relayID,
		Clock:   clock.Real,
		Rand:    clock.Real,
		Logger:  log,
	}

	sv := supervisor.New(supervisor.Config{
		ListenAddr:  cfg.ListenAddr,
		MaxSessions: int32(cfg.MaxSessions),
		Session:     sessionCfg,
	}, deps)

	log.Info().Str("relay_id", relayID).Str("public_key", host.PublicB64U()).Msg("host identity ready")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		go func() {
			err := config.Watch(sigCtx, configPath, log, func(reloaded config.Config) {
				sv.UpdateSessionConfig(session.Config{
					AuthGracePeriod:      reloaded.AuthGracePeriod,
					LoopbackAuthExempt:   reloaded.LoopbackAuthExempt,
					OverflowPolicy:       overflowPolicyFromConfig(reloaded.OverflowPolicy),
					SubscriberQueueDepth: fanout.DefaultQueueDepth,
				})
			})
			if err != nil && sigCtx.Err() == nil {
				log.Warn().Err(err).Msg("config watcher exited")
			}
		}()
	}

	return sv.Serve(sigCtx)
}

func overflowPolicyFromConfig(p config.OverflowPolicy) fanout.OverflowPolicy {
	if p == config.OverflowDisconnect {
		return fanout.Disconnect
	}
	return fanout.DropOldest
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// requestID is used only for log correlation of stdin-approver prompts.
func requestID() string { return uuid.NewString()[:8] }
