// Command edgemesh runs the EdgeMesh control plane and its admin tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/samblam/edgemesh/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "edgemesh",
		Short: "Zero-trust access control plane",
		Long: `EdgeMesh enrolls devices, tracks their health and decides every
connection request against an external policy engine. Each decision is
written to a hash-chained audit log.`,
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		path, err := cmd.Flags().GetString("config")
		if err != nil {
			return fmt.Errorf("failed to get config flag: %w", err)
		}
		if path != "" {
			return os.Setenv("EDGEMESH_CONFIG", path)
		}
		return nil
	}

	root.AddCommand(
		newServeCmd(),
		newUserCmd(),
		newTokenCmd(),
		newAuditCmd(),
	)
	return root
}
