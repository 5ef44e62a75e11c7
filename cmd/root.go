package cmd

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fulmenhq/lading/internal/execrunner"
	"github.com/fulmenhq/lading/internal/plan"
	"github.com/fulmenhq/lading/internal/preflight"
	"github.com/fulmenhq/lading/internal/publish"
	"github.com/fulmenhq/lading/internal/staging"
	"github.com/fulmenhq/lading/pkg/buildinfo"
	"github.com/fulmenhq/lading/pkg/config"
	"github.com/fulmenhq/lading/pkg/exitcode"
	"github.com/fulmenhq/lading/pkg/logger"
	"github.com/fulmenhq/lading/pkg/tomledit"
	"github.com/fulmenhq/lading/pkg/versioning"
	"github.com/fulmenhq/lading/pkg/workspace"
)

// WorkspaceRootEnvVar carries the resolved workspace root for subprocesses.
const WorkspaceRootEnvVar = "LADING_WORKSPACE_ROOT"

// LogLevelEnvVar controls log verbosity when --log-level is not given.
const LogLevelEnvVar = "LADING_LOG_LEVEL"

// newRootCommand creates a fresh root command instance with its own
// persistent flags. The subcommands that registerSubcommands attaches are
// package-level values shared by every tree built this way.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lading",
		Short: "Release orchestrator for Cargo workspaces",
		Long: `Lading manages releases of inter-dependent crates in a Cargo workspace.

Examples:
   lading bump 1.2.3               # Propagate a version across manifests and docs
   lading bump 1.2.3 --dry-run     # Preview without writing
   lading publish                  # Plan, stage, check, and dry-run publish
   lading publish --live           # Actually publish to the registry`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initializeRun(cmd)
		},
	}

	cmd.PersistentFlags().String("workspace-root", "", "Path to the Cargo workspace root (default: current directory)")
	cmd.PersistentFlags().String("log-level", "", "Set log level (debug|info|warning|error|critical)")
	cmd.PersistentFlags().Bool("json", false, "Output logs in JSON format")
	cmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	cmd.Version = buildinfo.BinaryVersion
	cmd.SetVersionTemplate("lading {{.Version}}\n")

	return cmd
}

// registerSubcommands adds all subcommands to the root command.
func registerSubcommands(cmd *cobra.Command) {
	cmd.AddCommand(bumpCmd)
	cmd.AddCommand(publishCmd)
	cmd.AddCommand(versionCmd)
}

// workspaceRoot is resolved once per invocation by initializeRun.
var workspaceRoot string

// initializeRun binds environment variables, configures logging, and
// resolves the workspace root for the invocation.
func initializeRun(cmd *cobra.Command) error {
	// cmd.Flag resolves the flag the invoked command actually parsed, which
	// for a subcommand is the inherited persistent flag it carries.
	v := viper.New()
	if err := v.BindPFlag("workspace-root", cmd.Flag("workspace-root")); err != nil {
		return err
	}
	if err := v.BindPFlag("log-level", cmd.Flag("log-level")); err != nil {
		return err
	}
	if err := v.BindEnv("workspace-root", WorkspaceRootEnvVar); err != nil {
		return err
	}
	if err := v.BindEnv("log-level", LogLevelEnvVar); err != nil {
		return err
	}

	level, err := logger.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return err
	}
	jsonLogs := cmd.Flag("json").Value.String() == "true"
	noColor := cmd.Flag("no-color").Value.String() == "true"
	logger.Initialize(logger.Config{
		Level:     level,
		UseColor:  !noColor,
		JSON:      jsonLogs,
		Component: "lading",
	})

	root := v.GetString("workspace-root")
	if root == "" {
		root = "."
	}
	resolved, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	workspaceRoot = resolved
	return os.Setenv(WorkspaceRootEnvVar, resolved)
}

// loadWorkspace builds the graph consumed by both commands.
func loadWorkspace(runner execrunner.Runner) (*workspace.Graph, error) {
	metadata, err := workspace.LoadMetadata(runner, workspaceRoot)
	if err != nil {
		return nil, err
	}
	return workspace.BuildGraph(metadata)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = newRootCommand()

// Execute runs the CLI and exits with a code describing any failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", logger.Err(err))
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps lading's error taxonomy onto process exit codes.
func exitCodeFor(err error) int {
	var (
		configErr    *config.ConfigError
		versionErr   *versioning.InvalidVersionError
		planErr      *plan.PublishPlanError
		invariantErr *workspace.WorkspaceInvariantError
		metadataErr  *workspace.CargoMetadataError
		parseErr     *tomledit.ParseError
		stagingErr   *staging.StagingError
		dirtyErr     *preflight.DirtyWorkspaceError
		preflightErr *preflight.PreflightError
		publishErr   *publish.PublishStepError
	)
	switch {
	case errors.As(err, &configErr):
		return exitcode.ConfigError
	case errors.As(err, &versionErr), errors.As(err, &planErr),
		errors.As(err, &invariantErr), errors.As(err, &metadataErr):
		return exitcode.ValidationError
	case errors.As(err, &parseErr), errors.As(err, &stagingErr):
		return exitcode.FileSystemError
	case errors.As(err, &dirtyErr), errors.As(err, &preflightErr):
		return exitcode.PreflightError
	case errors.As(err, &publishErr):
		return exitcode.PublishError
	}
	return exitcode.GeneralError
}

func init() {
	// Register all subcommands with the production rootCmd
	registerSubcommands(rootCmd)
}
