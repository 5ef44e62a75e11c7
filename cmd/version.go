package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fulmenhq/lading/pkg/buildinfo"
)

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the lading version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		version := buildinfo.BinaryVersion
		if version == "dev" {
			if module := buildinfo.ModuleVersion(); module != "" {
				version = module
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "lading %s\n", version)
		return nil
	},
}
