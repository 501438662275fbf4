package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgeward/edgeward/internal/version"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "edgeward",
		Short:         "Edgeward - reverse proxy and firewall control plane",
		Long:          `Edgeward drives a Caddy edge proxy: hosts, certificates, IP jails and traffic analytics.`,
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newImportGeoCommand())
	return rootCmd
}
