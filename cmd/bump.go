package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fulmenhq/lading/internal/bump"
	"github.com/fulmenhq/lading/internal/execrunner"
	"github.com/fulmenhq/lading/pkg/config"
	"github.com/fulmenhq/lading/pkg/versioning"
)

// bumpCmd represents the bump command
var bumpCmd = &cobra.Command{
	Use:   "bump <version>",
	Short: "Propagate a version across workspace manifests and docs",
	Long: `Bump sets the given semantic version on the workspace manifest, every
member crate, internal dependency requirements (preserving operators like ^
and ~), and TOML fences in configured documentation files.`,
	Args: cobra.ExactArgs(1),
	RunE: runBump,
}

func runBump(cmd *cobra.Command, args []string) error {
	target := args[0]
	if err := versioning.Validate(target); err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg, err := config.Load(workspaceRoot)
	if err != nil {
		return err
	}
	graph, err := loadWorkspace(execrunner.New())
	if err != nil {
		return err
	}
	report, err := bump.Run(graph, cfg, target, bump.Options{DryRun: dryRun})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), report.Message())
	return nil
}

func init() {
	bumpCmd.Flags().Bool("dry-run", false, "Preview manifest changes without writing files")
}
