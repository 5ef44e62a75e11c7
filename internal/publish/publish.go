// Package publish packages and publishes planned crates from the staging
// area, in order, tolerating "already published" responses.
package publish

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/lading/internal/execrunner"
	"github.com/fulmenhq/lading/internal/plan"
	"github.com/fulmenhq/lading/internal/staging"
	"github.com/fulmenhq/lading/pkg/config"
	"github.com/fulmenhq/lading/pkg/logger"
)

// Mode selects whether cargo publish runs with --dry-run.
type Mode string

const (
	ModeDryRun Mode = "dry_run"
	ModeLive   Mode = "live"
)

// Outcome is the per-crate result of the executor.
type Outcome string

const (
	OutcomePublished        Outcome = "published"
	OutcomeDryRun           Outcome = "dry_run"
	OutcomeAlreadyPublished Outcome = "already_published"
	OutcomeFailed           Outcome = "failed"
)

// CrateResult records what happened to one crate.
type CrateResult struct {
	Name    string
	Outcome Outcome
}

// PublishStepError reports a cargo package/publish failure that is not an
// "already published" response.
type PublishStepError struct {
	Crate    string
	Stage    string
	ExitCode int
	Detail   string
}

func (e *PublishStepError) Error() string {
	message := fmt.Sprintf("cargo %s failed for crate %q with exit code %d", e.Stage, e.Crate, e.ExitCode)
	if e.Detail != "" {
		message = message + ": " + e.Detail
	}
	return message
}

// Execute runs package+publish for every planned crate in order. The
// returned results cover every crate attempted, including the failing one.
func Execute(p *plan.Plan, ctx *staging.Context, strip config.StripPatches, mode Mode, runner execrunner.Runner) ([]CrateResult, error) {
	var results []CrateResult
	for _, crate := range p.Publishable {
		if strip == config.StripPerCrate {
			if err := staging.StripCratePatch(ctx.StagingRoot, crate.Name); err != nil {
				results = append(results, CrateResult{Name: crate.Name, Outcome: OutcomeFailed})
				return results, err
			}
		}
		stagedDir, err := stagedCrateDir(p.WorkspaceRoot, ctx.StagingRoot, crate.RootPath)
		if err != nil {
			results = append(results, CrateResult{Name: crate.Name, Outcome: OutcomeFailed})
			return results, err
		}

		if stepErr := runStep(runner, crate.Name, "package", []string{"package"}, stagedDir); stepErr != nil {
			results = append(results, CrateResult{Name: crate.Name, Outcome: OutcomeFailed})
			return results, stepErr
		}

		publishArgs := []string{"publish"}
		if mode == ModeDryRun {
			publishArgs = append(publishArgs, "--dry-run")
		}
		exitCode, stdout, stderr, err := runner.Run("cargo", publishArgs, stagedDir, nil)
		if err != nil {
			results = append(results, CrateResult{Name: crate.Name, Outcome: OutcomeFailed})
			return results, err
		}
		switch {
		case exitCode == 0:
			outcome := OutcomePublished
			if mode == ModeDryRun {
				outcome = OutcomeDryRun
			}
			results = append(results, CrateResult{Name: crate.Name, Outcome: outcome})
		case alreadyPublished(stderr):
			logger.Warn("Crate version already published; continuing",
				logger.String("crate", crate.Name))
			results = append(results, CrateResult{Name: crate.Name, Outcome: OutcomeAlreadyPublished})
		default:
			results = append(results, CrateResult{Name: crate.Name, Outcome: OutcomeFailed})
			return results, &PublishStepError{
				Crate:    crate.Name,
				Stage:    "publish",
				ExitCode: exitCode,
				Detail:   firstNonEmpty(stderr, stdout),
			}
		}
	}
	return results, nil
}

func runStep(runner execrunner.Runner, crate, stage string, args []string, dir string) error {
	exitCode, stdout, stderr, err := runner.Run("cargo", args, dir, nil)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return &PublishStepError{
			Crate:    crate,
			Stage:    stage,
			ExitCode: exitCode,
			Detail:   firstNonEmpty(stderr, stdout),
		}
	}
	return nil
}

func stagedCrateDir(workspaceRoot, stagingRoot, crateRoot string) (string, error) {
	rel, err := filepath.Rel(workspaceRoot, crateRoot)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("crate directory %s is outside the workspace root", crateRoot)
	}
	return filepath.Join(stagingRoot, rel), nil
}

// alreadyPublished recognises cargo's "version already exists" responses.
func alreadyPublished(stderr string) bool {
	lowered := strings.ToLower(stderr)
	if strings.Contains(lowered, "already uploaded") {
		return true
	}
	return strings.Contains(lowered, "crate") && strings.Contains(lowered, "already exists")
}

// FormatResults renders per-crate outcomes for CLI output.
func FormatResults(results []CrateResult) string {
	if len(results) == 0 {
		return "Publish results: none"
	}
	lines := []string{"Publish results:"}
	for _, result := range results {
		lines = append(lines, fmt.Sprintf("- %s: %s", result.Name, result.Outcome))
	}
	return strings.Join(lines, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
