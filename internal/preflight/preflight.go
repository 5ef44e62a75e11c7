// Package preflight runs the validation commands that gate publication:
// working-tree cleanliness, auxiliary builds, and the cargo check/test
// sweep with an isolated target directory.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/fulmenhq/lading/internal/execrunner"
	"github.com/fulmenhq/lading/internal/gitctx"
	"github.com/fulmenhq/lading/pkg/config"
	"github.com/fulmenhq/lading/pkg/logger"
)

// DirtyWorkspaceError reports uncommitted changes when --forbid-dirty is set.
type DirtyWorkspaceError struct{}

func (e *DirtyWorkspaceError) Error() string {
	return "Workspace has uncommitted changes; commit or stash them before publishing or re-run without --forbid-dirty."
}

// PreflightError reports a failed pre-flight command.
type PreflightError struct {
	Command  string
	ExitCode int
	Message  string
}

func (e *PreflightError) Error() string {
	return e.Message
}

// Options controls a pre-flight run.
type Options struct {
	ForbidDirty bool
}

// Run executes the pre-flight sequence in workspaceRoot, stopping at the
// first failure.
func Run(workspaceRoot string, cfg *config.PreflightConfig, opts Options, runner execrunner.Runner) error {
	if opts.ForbidDirty {
		if err := verifyCleanWorkingTree(workspaceRoot, cfg.Env, runner); err != nil {
			return err
		}
	}
	if err := runAuxBuilds(workspaceRoot, cfg, runner); err != nil {
		return err
	}

	targetDir, err := os.MkdirTemp("", "lading-preflight-target-")
	if err != nil {
		return fmt.Errorf("cannot create pre-flight target directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(targetDir) }()

	baseEnv := mergeEnv(cfg.Env, map[string]string{"CARGO_TARGET_DIR": targetDir})

	checkArgs := []string{"check", "--workspace", "--all-targets", "--target-dir=" + targetDir}
	if err := runCargo(workspaceRoot, checkArgs, baseEnv, runner, 0); err != nil {
		return err
	}

	testArgs := []string{"test", "--workspace"}
	if !cfg.UnitTestsOnly {
		testArgs = append(testArgs, "--all-targets")
	}
	testArgs = append(testArgs, "--target-dir="+targetDir)
	if cfg.UnitTestsOnly {
		testArgs = append(testArgs, "--lib", "--bins")
	}
	for _, name := range normalizeExcludes(cfg.TestExclude) {
		testArgs = append(testArgs, "--exclude", name)
	}
	testEnv := applyCompiletestExterns(baseEnv, cfg.CompiletestExtern, workspaceRoot)
	return runCargo(workspaceRoot, testArgs, testEnv, runner, cfg.StderrTailLines)
}

// verifyCleanWorkingTree fails when git reports pending changes.
func verifyCleanWorkingTree(workspaceRoot string, env map[string]string, runner execrunner.Runner) error {
	exitCode, stdout, stderr, err := runner.Run("git", []string{"status", "--porcelain"}, workspaceRoot, env)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = strings.TrimSpace(stdout)
		}
		message := "Failed to verify workspace state with git status"
		if strings.Contains(strings.ToLower(detail), "not a git repository") {
			message = "Failed to verify workspace state; is this a git repository?"
		}
		if detail != "" {
			message = message + ": " + detail
		}
		return &PreflightError{Command: "git status --porcelain", ExitCode: exitCode, Message: message}
	}
	if strings.TrimSpace(stdout) != "" {
		ctx := gitctx.Collect(workspaceRoot)
		logger.Debug("Dirty working tree detected",
			logger.String("branch", ctx.Branch),
			logger.String("head", ctx.HeadSHA))
		return &DirtyWorkspaceError{}
	}
	return nil
}

func runAuxBuilds(workspaceRoot string, cfg *config.PreflightConfig, runner execrunner.Runner) error {
	for _, argv := range cfg.AuxBuild {
		program, args := argv[0], argv[1:]
		exitCode, stdout, stderr, err := runner.Run(program, args, workspaceRoot, cfg.Env)
		if err != nil {
			return err
		}
		if exitCode != 0 {
			rendered := execrunner.FormatCommand(program, args)
			message := fmt.Sprintf("Auxiliary build command failed with exit code %d: %s", exitCode, rendered)
			if detail := firstNonEmpty(stderr, stdout); detail != "" {
				message = message + "; " + detail
			}
			return &PreflightError{Command: rendered, ExitCode: exitCode, Message: message}
		}
	}
	return nil
}

// runCargo executes one cargo pre-flight command, appending compiletest
// diagnostics to test failures when tailLines is positive.
func runCargo(workspaceRoot string, args []string, env map[string]string, runner execrunner.Runner, tailLines int) error {
	exitCode, stdout, stderr, err := runner.Run("cargo", args, workspaceRoot, env)
	if err != nil {
		return err
	}
	if exitCode == 0 {
		return nil
	}
	subcommand := args[0]
	message := fmt.Sprintf("Pre-flight cargo %s failed with exit code %d", subcommand, exitCode)
	if detail := firstNonEmpty(stderr, stdout); detail != "" {
		message = message + ": " + detail
	}
	if subcommand == "test" && tailLines > 0 {
		message = appendCompiletestDiagnostics(message, stdout, stderr, tailLines)
	}
	return &PreflightError{
		Command:  execrunner.FormatCommand("cargo", args),
		ExitCode: exitCode,
		Message:  message,
	}
}

func normalizeExcludes(entries []string) []string {
	seen := make(map[string]bool, len(entries))
	var names []string
	for _, entry := range entries {
		name := strings.TrimSpace(entry)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// applyCompiletestExterns appends --extern flags to RUSTFLAGS, merging with
// any value already present.
func applyCompiletestExterns(env map[string]string, externs map[string]string, workspaceRoot string) map[string]string {
	if len(externs) == 0 {
		return env
	}
	names := make([]string, 0, len(externs))
	for name := range externs {
		names = append(names, name)
	}
	sort.Strings(names)
	flags := make([]string, 0, len(names))
	for _, name := range names {
		path := externs[name]
		if !filepath.IsAbs(path) {
			path = filepath.Join(workspaceRoot, path)
		}
		flags = append(flags, fmt.Sprintf("--extern %s=%s", name, path))
	}
	previous := strings.TrimSpace(env["RUSTFLAGS"])
	if previous == "" {
		previous = strings.TrimSpace(os.Getenv("RUSTFLAGS"))
	}
	merged := strings.TrimSpace(previous + " " + strings.Join(flags, " "))
	return mergeEnv(env, map[string]string{"RUSTFLAGS": merged})
}

var stderrArtifactPattern = regexp.MustCompile(`(/[^\s)]+\.stderr)`)

// appendCompiletestDiagnostics tails compiletest .stderr artifacts named in
// the output streams onto the failure message.
func appendCompiletestDiagnostics(message, stdout, stderr string, tailLines int) string {
	var artifacts []string
	seen := make(map[string]bool)
	for _, stream := range []string{stdout, stderr} {
		for _, match := range stderrArtifactPattern.FindAllString(stream, -1) {
			artifact := strings.TrimRight(match, `)]:,.;'"`)
			if !seen[artifact] {
				seen[artifact] = true
				artifacts = append(artifacts, artifact)
			}
		}
	}
	if len(artifacts) == 0 {
		return message
	}
	lines := []string{message, "Compiletest stderr artifacts:"}
	for _, artifact := range artifacts {
		lines = append(lines, "- "+artifact)
		data, err := os.ReadFile(artifact) // #nosec G304 -- paths come from compiler output for operator diagnostics
		if err != nil {
			lines = append(lines, "  (file not found)")
			continue
		}
		tail := tailOf(strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n"), tailLines)
		if len(tail) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("  Last %d line(s):", tailLines))
		for _, entry := range tail {
			lines = append(lines, "    "+entry)
		}
	}
	return strings.Join(lines, "\n")
}

func tailOf(lines []string, count int) []string {
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if count <= 0 || len(lines) == 0 {
		return nil
	}
	if len(lines) > count {
		lines = lines[len(lines)-count:]
	}
	return lines
}

func mergeEnv(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}
	return merged
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
