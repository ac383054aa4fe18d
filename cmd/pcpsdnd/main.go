// pcpsdnd is the PCP-SDN controller daemon: it speaks the Port Control
// Protocol (RFC 6887) to clients and programs NAT/proxy-ARP flow entries on
// an attached OpenFlow 1.3 forwarder.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	appversion "github.com/unifycore/pcp-sdn/internal/version"
)

// GitCommit is the git commit hash, set at build time via ldflags.
var GitCommit = "unknown"

// BuildDate is the build timestamp, set at build time via ldflags.
var BuildDate = "unknown"

// configPath is the --config flag shared by every subcommand that needs it.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "pcpsdnd",
	Short: "PCP-SDN controller daemon",
	Long:  "pcpsdnd implements RFC 6887 PCP MAP/PEER request handling backed by an OpenFlow 1.3 NAT/proxy-ARP forwarder.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to the pcpsdnd JSON configuration file (created with factory defaults if absent)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print pcpsdnd build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("pcpsdnd %s\n", appversion.Version)
			fmt.Printf("  commit:  %s\n", GitCommit)
			fmt.Printf("  built:   %s\n", BuildDate)
		},
	}
}
