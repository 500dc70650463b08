package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ianremillard/lucidity-host/internal/config"
	"github.com/ianremillard/lucidity-host/internal/trust"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Inspect and manage the trusted-device store",
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted devices",
	RunE:  runTrustList,
}

var trustRevokeCmd = &cobra.Command{
	Use:   "revoke <public-key>",
	Short: "Revoke trust for a device by its b64u public key",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrustRevoke,
}

func init() {
	trustCmd.AddCommand(trustListCmd, trustRevokeCmd)
}

func openTrustStore(ctx context.Context) (*trust.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("lucidityd: load config: %w", err)
	}
	return trust.Open(ctx, cfg.TrustStorePath)
}

func runTrustList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openTrustStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	devices, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("lucidityd: list trusted devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("no trusted devices")
		return nil
	}
	for _, d := range devices {
		lastSeen := "never"
		if d.LastSeen != 0 {
			lastSeen = time.Unix(d.LastSeen, 0).Format(time.RFC3339)
		}
		fmt.Printf("%s  %-20s  %-24s  paired=%s  last_seen=%s\n",
			trust.Fingerprint(d.PublicKey), d.DeviceName, d.UserEmail,
			time.Unix(d.PairedAt, 0).Format(time.RFC3339), lastSeen)
	}
	return nil
}

func runTrustRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openTrustStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Remove(ctx, args[0]); err != nil {
		return fmt.Errorf("lucidityd: revoke: %w", err)
	}
	fmt.Printf("revoked %s\n", trust.Fingerprint(args[0]))
	return nil
}
