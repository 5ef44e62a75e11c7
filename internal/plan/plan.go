// Package plan selects and orders the crates to publish from a workspace.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/fulmenhq/lading/pkg/config"
	"github.com/fulmenhq/lading/pkg/workspace"
)

// PublishPlanError reports an invalid explicit order or a dependency cycle.
type PublishPlanError struct {
	Detail string
	Cause  error
}

func (e *PublishPlanError) Error() string {
	return e.Detail
}

func (e *PublishPlanError) Unwrap() error {
	return e.Cause
}

// Plan describes which crates should be published and in what order.
type Plan struct {
	WorkspaceRoot string
	// Publishable is ordered: explicit publish.order when configured,
	// otherwise a deterministic topological order over non-dev edges.
	Publishable []workspace.Crate
	// SkippedManifest holds crates with publish = false, sorted by name.
	SkippedManifest []workspace.Crate
	// SkippedConfiguration holds crates excluded via publish.exclude.
	SkippedConfiguration []workspace.Crate
	// UnknownExclusions lists publish.exclude entries naming no member.
	UnknownExclusions []string
}

// PublishableNames returns the ordered crate names scheduled for publication.
func (p *Plan) PublishableNames() []string {
	names := make([]string, len(p.Publishable))
	for i, crate := range p.Publishable {
		names[i] = crate.Name
	}
	return names
}

// Build computes the publish plan for graph under cfg.
func Build(graph *workspace.Graph, cfg *config.Config) (*Plan, error) {
	exclusions := make(map[string]bool, len(cfg.Publish.Exclude))
	for _, name := range cfg.Publish.Exclude {
		exclusions[name] = true
	}

	var publishable, skippedManifest, skippedConfiguration []workspace.Crate
	memberNames := make(map[string]bool, len(graph.Crates))
	for _, crate := range graph.Crates {
		memberNames[crate.Name] = true
		switch {
		case !crate.Publishable:
			skippedManifest = append(skippedManifest, crate)
		case exclusions[crate.Name]:
			skippedConfiguration = append(skippedConfiguration, crate)
		default:
			publishable = append(publishable, crate)
		}
	}

	var unknown []string
	for _, name := range cfg.Publish.Exclude {
		if !memberNames[name] {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)

	var ordered []workspace.Crate
	var err error
	if len(cfg.Publish.Order) > 0 {
		ordered, err = resolveConfiguredOrder(publishable, cfg.Publish.Order)
	} else {
		ordered, err = resolveTopologicalOrder(publishable)
	}
	if err != nil {
		return nil, err
	}

	sortByName(skippedManifest)
	sortByName(skippedConfiguration)
	return &Plan{
		WorkspaceRoot:        graph.Root,
		Publishable:          ordered,
		SkippedManifest:      skippedManifest,
		SkippedConfiguration: skippedConfiguration,
		UnknownExclusions:    unknown,
	}, nil
}

// resolveConfiguredOrder validates publish.order as a permutation of the
// publishable set and returns the crates in that order.
func resolveConfiguredOrder(publishable []workspace.Crate, order []string) ([]workspace.Crate, error) {
	byName := make(map[string]workspace.Crate, len(publishable))
	for _, crate := range publishable {
		byName[crate.Name] = crate
	}

	var ordered []workspace.Crate
	seen := make(map[string]bool, len(order))
	duplicates := make(map[string]bool)
	var unknown []string
	for _, name := range order {
		crate, ok := byName[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if seen[name] {
			duplicates[name] = true
			continue
		}
		seen[name] = true
		ordered = append(ordered, crate)
	}
	var missing []string
	for name := range byName {
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)

	var messages []string
	if len(duplicates) > 0 {
		names := make([]string, 0, len(duplicates))
		for name := range duplicates {
			names = append(names, name)
		}
		sort.Strings(names)
		messages = append(messages, "Duplicate publish.order entries: "+strings.Join(names, ", "))
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		messages = append(messages, "publish.order references crates outside the publishable set: "+strings.Join(unknown, ", "))
	}
	if len(missing) > 0 {
		messages = append(messages, "publish.order omits publishable crate(s): "+strings.Join(missing, ", "))
	}
	if len(messages) > 0 {
		return nil, &PublishPlanError{Detail: strings.Join(messages, "; ")}
	}
	return ordered, nil
}

// resolveTopologicalOrder runs Kahn's algorithm over the candidates,
// ignoring dev-only edges, popping lexicographically for determinism.
func resolveTopologicalOrder(publishable []workspace.Crate) ([]workspace.Crate, error) {
	byName := make(map[string]workspace.Crate, len(publishable))
	for _, crate := range publishable {
		byName[crate.Name] = crate
	}

	incoming := make(map[string]int, len(publishable))
	dependents := make(map[string]map[string]bool, len(publishable))
	for _, crate := range publishable {
		targets := make(map[string]bool)
		for _, dep := range crate.InternalDeps {
			if dep.Section == workspace.SectionDev {
				continue
			}
			if _, ok := byName[dep.TargetName]; !ok {
				continue
			}
			targets[dep.TargetName] = true
		}
		incoming[crate.Name] = len(targets)
		for target := range targets {
			if dependents[target] == nil {
				dependents[target] = make(map[string]bool)
			}
			dependents[target][crate.Name] = true
		}
	}

	var available []string
	for name, count := range incoming {
		if count == 0 {
			available = append(available, name)
		}
	}
	sort.Strings(available)

	ordered := make([]workspace.Crate, 0, len(publishable))
	for len(available) > 0 {
		current := available[0]
		available = available[1:]
		ordered = append(ordered, byName[current])
		for dependent := range dependents[current] {
			incoming[dependent]--
			if incoming[dependent] == 0 {
				available = append(available, dependent)
			}
		}
		sort.Strings(available)
	}

	if len(ordered) != len(publishable) {
		var cycle []string
		done := make(map[string]bool, len(ordered))
		for _, crate := range ordered {
			done[crate.Name] = true
		}
		for name := range byName {
			if !done[name] {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return nil, &PublishPlanError{
			Detail: "Cannot determine publish order due to dependency cycle involving: " + strings.Join(cycle, ", "),
			Cause:  &workspace.CycleError{Crates: cycle},
		}
	}
	return ordered, nil
}

// Format renders the plan to a human-readable summary for CLI output.
func Format(p *Plan, strip config.StripPatches) string {
	lines := []string{
		fmt.Sprintf("Publish plan for %s", p.WorkspaceRoot),
		fmt.Sprintf("Strip patch strategy: %s", strip),
	}
	if len(p.Publishable) > 0 {
		lines = append(lines, fmt.Sprintf("Crates to publish (%d):", len(p.Publishable)))
		nameWidth := 0
		for _, crate := range p.Publishable {
			if w := runewidth.StringWidth(crate.Name); w > nameWidth {
				nameWidth = w
			}
		}
		for _, crate := range p.Publishable {
			lines = append(lines, fmt.Sprintf("- %s @ %s", runewidth.FillRight(crate.Name, nameWidth), crate.Version))
		}
	} else {
		lines = append(lines, "Crates to publish: none")
	}
	appendCrateSection(&lines, "Skipped (publish = false):", p.SkippedManifest)
	appendCrateSection(&lines, "Skipped via publish.exclude:", p.SkippedConfiguration)
	if len(p.UnknownExclusions) > 0 {
		lines = append(lines, "Configured exclusions not found in workspace:")
		for _, name := range p.UnknownExclusions {
			lines = append(lines, "- "+name)
		}
	}
	return strings.Join(lines, "\n")
}

func appendCrateSection(lines *[]string, header string, crates []workspace.Crate) {
	if len(crates) == 0 {
		return
	}
	*lines = append(*lines, header)
	for _, crate := range crates {
		*lines = append(*lines, "- "+crate.Name)
	}
}

func sortByName(crates []workspace.Crate) {
	sort.Slice(crates, func(i, j int) bool {
		return crates[i].Name < crates[j].Name
	})
}
