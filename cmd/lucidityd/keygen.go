package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ianremillard/lucidity-host/internal/config"
	"github.com/ianremillard/lucidity-host/internal/keypair"
	"github.com/ianremillard/lucidity-host/internal/trust"
)

var forceRegenerate bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print the host's identity keypair, generating one if none exists",
	RunE:  runKeygen,
}

func init() {
	keygenCmd.Flags().BoolVar(&forceRegenerate, "force", false, "discard any existing keypair and generate a new one")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("lucidityd: load config: %w", err)
	}

	var host *keypair.KeyPair
	if forceRegenerate {
		host, err = keypair.Generate()
		if err != nil {
			return fmt.Errorf("lucidityd: generate keypair: %w", err)
		}
		if err := keypair.Save(cfg.HostKeypairPath, host); err != nil {
			return fmt.Errorf("lucidityd: save keypair: %w", err)
		}
	} else {
		host, err = keypair.LoadOrCreate(cfg.HostKeypairPath)
		if err != nil {
			return fmt.Errorf("lucidityd: load or create keypair: %w", err)
		}
	}

	raw, err := keypair.DecodeB64U(host.PublicB64U())
	if err != nil {
		return fmt.Errorf("lucidityd: decode public key: %w", err)
	}
	relayID, err := trust.RelayID(raw)
	if err != nil {
		return fmt.Errorf("lucidityd: derive relay id: %w", err)
	}

	fmt.Printf("public_key: %s\n", host.PublicB64U())
	fmt.Printf("relay_id:   %s\n", relayID)
	fmt.Printf("fingerprint: %s\n", trust.Fingerprint(host.PublicB64U()))
	return nil
}
