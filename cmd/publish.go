package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fulmenhq/lading/internal/execrunner"
	"github.com/fulmenhq/lading/internal/plan"
	"github.com/fulmenhq/lading/internal/preflight"
	"github.com/fulmenhq/lading/internal/publish"
	"github.com/fulmenhq/lading/internal/staging"
	"github.com/fulmenhq/lading/pkg/config"
	"github.com/fulmenhq/lading/pkg/logger"
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Plan, stage, validate, and publish workspace crates",
	Long: `Publish selects publishable crates, orders them by their internal
dependency graph, stages the workspace into a temporary clone, runs
pre-flight checks, and packages and publishes each crate in order. Without
--live, cargo publish runs with --dry-run.`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

func runPublish(cmd *cobra.Command, _ []string) error {
	live, _ := cmd.Flags().GetBool("live")
	forbidDirty, _ := cmd.Flags().GetBool("forbid-dirty")
	cleanup, _ := cmd.Flags().GetBool("cleanup")
	buildDir, _ := cmd.Flags().GetString("build-dir")
	dereference, _ := cmd.Flags().GetBool("dereference-symlinks")

	cfg, err := config.Load(workspaceRoot)
	if err != nil {
		return err
	}
	runner := execrunner.New()
	graph, err := loadWorkspace(runner)
	if err != nil {
		return err
	}

	if err := preflight.Run(workspaceRoot, &cfg.Preflight, preflight.Options{ForbidDirty: forbidDirty}, runner); err != nil {
		return err
	}

	publishPlan, err := plan.Build(graph, cfg)
	if err != nil {
		return err
	}
	if len(publishPlan.Publishable) == 0 {
		logger.Info("No crates to publish")
	}

	ctx, err := staging.Prepare(graph, publishPlan, cfg.Publish.StripPatches, staging.Options{
		BuildDirectory:      buildDir,
		DereferenceSymlinks: dereference,
		Cleanup:             cleanup,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := ctx.Close(); closeErr != nil {
			logger.Warn("Failed to remove staging directory", logger.Err(closeErr))
		}
	}()

	mode := publish.ModeDryRun
	if live {
		mode = publish.ModeLive
	}
	results, execErr := publish.Execute(publishPlan, ctx, cfg.Publish.StripPatches, mode, runner)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, plan.Format(publishPlan, cfg.Publish.StripPatches))
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, ctx.Summary())
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, publish.FormatResults(results))
	return execErr
}

func init() {
	publishCmd.Flags().Bool("live", false, "Run cargo publish without --dry-run; default behaviour is dry-run")
	publishCmd.Flags().Bool("forbid-dirty", false, "Require a clean working tree before running publish pre-flight checks")
	publishCmd.Flags().Bool("cleanup", false, "Remove the staging directory on exit instead of keeping it for inspection")
	publishCmd.Flags().String("build-dir", "", "Stage the workspace under this directory instead of a temporary one")
	publishCmd.Flags().Bool("dereference-symlinks", false, "Copy symlink targets into the staging area instead of recreating links")
}
