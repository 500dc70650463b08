package main

import (
	"fmt"
	"os"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ianremillard/lucidity-host/internal/clock"
	"github.com/ianremillard/lucidity-host/internal/config"
	"github.com/ianremillard/lucidity-host/internal/keypair"
	"github.com/ianremillard/lucidity-host/internal/pairing"
	"github.com/ianremillard/lucidity-host/internal/trust"
)

var (
	pairingLanAddr      string
	pairingExternalAddr string
	pairingRelayURL     string
	pairingRelaySecret  string
	pairingNoQR         bool
)

var pairingURLCmd = &cobra.Command{
	Use:   "pairing-url",
	Short: "Print the current pairing payload URL and QR code",
	RunE:  runPairingURL,
}

func init() {
	pairingURLCmd.Flags().StringVar(&pairingLanAddr, "lan-addr", "", "LAN address to advertise in the pairing payload")
	pairingURLCmd.Flags().StringVar(&pairingExternalAddr, "external-addr", "", "external/relay-reachable address to advertise")
	pairingURLCmd.Flags().StringVar(&pairingRelayURL, "relay-url", "", "relay service URL, if this host uses one")
	pairingURLCmd.Flags().StringVar(&pairingRelaySecret, "relay-secret", "", "relay authorization secret, if applicable")
	pairingURLCmd.Flags().BoolVar(&pairingNoQR, "no-qr", false, "print only the URL, skip the QR rendering")
}

func runPairingURL(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("lucidityd: load config: %w", err)
	}

	host, err := keypair.LoadOrCreate(cfg.HostKeypairPath)
	if err != nil {
		return fmt.Errorf("lucidityd: load host keypair: %w", err)
	}

	raw, err := keypair.DecodeB64U(host.PublicB64U())
	if err != nil {
		return fmt.Errorf("lucidityd: decode public key: %w", err)
	}
	relayID, err := trust.RelayID(raw)
	if err != nil {
		return fmt.Errorf("lucidityd: derive relay id: %w", err)
	}

	payload := pairing.NewPayload(host.PublicB64U(), relayID, clock.Real.Now().Unix(),
		pairingLanAddr, pairingExternalAddr, pairingRelayURL, pairingRelaySecret, nil)

	payloadURL, err := pairing.EncodeURL(payload)
	if err != nil {
		return fmt.Errorf("lucidityd: encode pairing url: %w", err)
	}

	fmt.Println(payloadURL)

	if pairingNoQR {
		return nil
	}

	qr, err := qrcode.New(payloadURL, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("lucidityd: render qr code: %w", err)
	}

	small := true
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		if width, _, err := term.GetSize(fd); err == nil {
			// A full-block QR needs roughly two terminal columns per module;
			// fall back to the half-height rendering on narrow terminals.
			small = width < len(qr.Bitmap()[0])*2
		}
	}
	if small {
		fmt.Println(qr.ToSmallString(false))
	} else {
		fmt.Println(qr.ToString(false))
	}
	return nil
}
