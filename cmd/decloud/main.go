package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "decloud",
	Short: "decloud - control plane for decentralized VM hosting",
	Long: `decloud is the orchestrator of a decentralized VM-hosting platform.
Untrusted worker hosts register with it, advertise hardware, and run
guest VMs for tenants. The orchestrator admits nodes, grades their
performance, schedules VMs, supervises lifecycles, maintains the
WireGuard overlay for NATed nodes, exposes VMs through a shared
ingress, meters usage and settles it on chain.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"decloud version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}
