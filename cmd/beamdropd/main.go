// Command beamdropd runs the beamdrop signaling relay: a rendezvous that
// brokers WebRTC session descriptions and ICE candidates between two browser
// peers until they establish a direct connection. The relay never carries
// file content.
//
// Usage:
//
//	beamdropd serve [--config /etc/beamdrop/config.toml]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var globalConfigPath string

// rootCmd is the top-level command. Running it without a subcommand starts
// the relay, so `beamdropd` alone works in a container entrypoint.
var rootCmd = &cobra.Command{
	Use:   "beamdropd",
	Short: "Signaling relay for browser-to-browser file drops",
	Long: `beamdropd brokers the small control messages two browsers exchange to set
up a direct peer connection. Peers are addressed by ephemeral codes minted at
connect time; once the browsers connect to each other the relay is out of the
path. Nothing is persisted.`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: $BEAMDROP_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the beamdropd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
