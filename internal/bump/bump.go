// Package bump propagates a target version across workspace manifests,
// internal dependency requirements, and documentation TOML fences.
package bump

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fulmenhq/lading/pkg/config"
	"github.com/fulmenhq/lading/pkg/logger"
	"github.com/fulmenhq/lading/pkg/tomledit"
	"github.com/fulmenhq/lading/pkg/versioning"
	"github.com/fulmenhq/lading/pkg/workspace"
)

// Options controls a bump run.
type Options struct {
	DryRun bool
}

// Report lists the files a bump run touched (or would touch).
type Report struct {
	// Manifests and Documents hold workspace-relative paths, manifests
	// ordered root-first then lexicographically.
	Manifests []string
	Documents []string
	Target    string
	DryRun    bool
}

// Changed reports whether any file differed from the target state.
func (r *Report) Changed() bool {
	return len(r.Manifests) > 0 || len(r.Documents) > 0
}

// Message renders the report for CLI presentation.
func (r *Report) Message() string {
	if !r.Changed() {
		if r.DryRun {
			return fmt.Sprintf("Dry run; no manifest changes required; all versions already %s.", r.Target)
		}
		return fmt.Sprintf("No manifest changes required; all versions already %s.", r.Target)
	}
	var parts []string
	if len(r.Manifests) > 0 {
		parts = append(parts, fmt.Sprintf("%d manifest(s)", len(r.Manifests)))
	}
	if len(r.Documents) > 0 {
		parts = append(parts, fmt.Sprintf("%d documentation file(s)", len(r.Documents)))
	}
	description := strings.Join(parts, " and ")
	header := fmt.Sprintf("Updated version to %s in %s:", r.Target, description)
	if r.DryRun {
		header = fmt.Sprintf("Dry run; would update version to %s in %s:", r.Target, description)
	}
	lines := []string{header}
	for _, path := range r.Manifests {
		lines = append(lines, "- "+path)
	}
	for _, path := range r.Documents {
		lines = append(lines, "- "+path+" (documentation)")
	}
	return strings.Join(lines, "\n")
}

// dependencySections are the manifest tables holding dependency entries.
var dependencySections = []string{"dependencies", "dev-dependencies", "build-dependencies"}

// Run applies target to every manifest and documentation file of graph.
func Run(graph *workspace.Graph, cfg *config.Config, target string, opts Options) (*Report, error) {
	if err := versioning.Validate(target); err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(cfg.Bump.Exclude))
	for _, name := range cfg.Bump.Exclude {
		excluded[name] = true
	}
	updated := make(map[string]bool, len(graph.Crates))
	for _, crate := range graph.Crates {
		if !excluded[crate.Name] {
			updated[crate.Name] = true
		}
	}

	report := &Report{Target: target, DryRun: opts.DryRun}
	workspaceManifest := filepath.Join(graph.Root, "Cargo.toml")
	var changedManifests []string

	changed, err := updateWorkspaceManifest(workspaceManifest, target, updated, opts.DryRun)
	if err != nil {
		return nil, err
	}
	if changed {
		changedManifests = append(changedManifests, workspaceManifest)
	}

	for _, crate := range graph.Crates {
		changed, err := updateCrateManifest(&crate, target, excluded, updated, opts.DryRun)
		if err != nil {
			return nil, err
		}
		if changed {
			changedManifests = append(changedManifests, crate.ManifestPath)
		}
	}

	sort.Slice(changedManifests, func(i, j int) bool {
		if (changedManifests[i] == workspaceManifest) != (changedManifests[j] == workspaceManifest) {
			return changedManifests[i] == workspaceManifest
		}
		return changedManifests[i] < changedManifests[j]
	})
	for _, path := range changedManifests {
		report.Manifests = append(report.Manifests, relativeTo(graph.Root, path))
	}

	documents, err := updateDocumentation(graph, cfg.Bump.Documentation.Globs, target, updated, opts.DryRun)
	if err != nil {
		return nil, err
	}
	report.Documents = documents

	if report.Changed() {
		logger.Info("Version bump computed",
			logger.String("target", target),
			logger.Int("manifests", len(report.Manifests)),
			logger.Int("documents", len(report.Documents)),
			logger.Bool("dry_run", opts.DryRun))
	}
	return report, nil
}

// updateWorkspaceManifest bumps the root manifest's package versions and
// the workspace-level dependency tables.
func updateWorkspaceManifest(path, target string, updated map[string]bool, dryRun bool) (bool, error) {
	document, err := tomledit.Load(path)
	if err != nil {
		return false, err
	}
	changed := false
	for _, tablePath := range [][]string{{"package"}, {"workspace", "package"}} {
		didChange, err := assignVersion(document, tablePath, target)
		if err != nil {
			return false, err
		}
		changed = changed || didChange
	}
	names := sortedNames(updated)
	for _, section := range dependencySections {
		for _, name := range names {
			if document.RewriteDependency([]string{section}, name, rewriteTo(target)) {
				changed = true
			}
			if document.RewriteDependency([]string{"workspace", section}, name, rewriteTo(target)) {
				changed = true
			}
		}
	}
	if changed && !dryRun {
		if err := document.Save(path); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// updateCrateManifest bumps one member manifest. Excluded crates keep their
// own version but still have requirements on updated members rewritten.
func updateCrateManifest(crate *workspace.Crate, target string, excluded, updated map[string]bool, dryRun bool) (bool, error) {
	sections := dependencyKeysBySection(crate, updated)
	bumpOwnVersion := !excluded[crate.Name]
	if !bumpOwnVersion && len(sections) == 0 {
		return false, nil
	}

	document, err := tomledit.Load(crate.ManifestPath)
	if err != nil {
		return false, err
	}
	changed := false
	if bumpOwnVersion {
		didChange, err := assignVersion(document, []string{"package"}, target)
		if err != nil {
			return false, err
		}
		changed = changed || didChange
	}
	for _, section := range dependencySections {
		for _, key := range sections[section] {
			if document.RewriteDependency([]string{section}, key, rewriteTo(target)) {
				changed = true
			}
		}
	}
	if changed && !dryRun {
		if err := document.Save(crate.ManifestPath); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// dependencyKeysBySection groups the crate's manifest keys for updated
// targets by manifest section. The manifest key preserves renames: when a
// crate aliases alpha as alpha-core = { package = "alpha" }, the entry to
// rewrite is alpha-core.
func dependencyKeysBySection(crate *workspace.Crate, updated map[string]bool) map[string][]string {
	sections := make(map[string][]string)
	seen := make(map[string]bool)
	for _, dep := range crate.InternalDeps {
		if !updated[dep.TargetName] {
			continue
		}
		section := dep.Section.ManifestSection()
		marker := section + "\x00" + dep.ManifestKey
		if seen[marker] {
			continue
		}
		seen[marker] = true
		sections[section] = append(sections[section], dep.ManifestKey)
	}
	for _, keys := range sections {
		sort.Strings(keys)
	}
	return sections
}

// assignVersion sets table.version = target when the table exists.
func assignVersion(document *tomledit.Document, tablePath []string, target string) (bool, error) {
	if !document.HasTable(tablePath...) {
		return false, nil
	}
	return document.SetString(tablePath, "version", target)
}

func rewriteTo(target string) func(string) string {
	return func(current string) string {
		return versioning.RewriteRequirement(current, target)
	}
}

func sortedNames(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func relativeTo(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
