// Command lucidityd runs the lucidity desktop host bridge: a framed TCP
// service exposing local PTY panes to a paired, authenticated remote
// client (spec.md §1).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "lucidityd",
	Short:   "lucidity desktop host bridge",
	Long:    "Exposes a live PTY session over an authenticated, framed TCP protocol to a paired remote client.",
	Version: Version,
}

func main() {
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional YAML config file")
	rootCmd.AddCommand(serveCmd, keygenCmd, pairingURLCmd, trustCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
