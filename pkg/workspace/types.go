// Package workspace builds an immutable graph of workspace crates from
// cargo metadata and per-crate manifests.
package workspace

import (
	"fmt"
	"sort"
	"strings"
)

// DepSection classifies which manifest section a dependency lives in.
type DepSection string

const (
	SectionNormal DepSection = "normal"
	SectionDev    DepSection = "dev"
	SectionBuild  DepSection = "build"
)

// ManifestSection returns the Cargo.toml table name for the section.
func (s DepSection) ManifestSection() string {
	switch s {
	case SectionDev:
		return "dev-dependencies"
	case SectionBuild:
		return "build-dependencies"
	default:
		return "dependencies"
	}
}

// InternalDep is a dependency edge between two workspace crates.
type InternalDep struct {
	// TargetName is the canonical crate name being depended on.
	TargetName string
	// ManifestKey is the key the dependency appears under; it differs from
	// TargetName when the dependency is renamed via package = "...".
	ManifestKey string
	Section     DepSection
	// Requirement is the version requirement expression, "" when omitted.
	Requirement string
	// DevOnly is true when the only edges to TargetName are dev edges.
	DevOnly bool
}

// Crate is a single workspace member.
type Crate struct {
	Name         string
	Version      string
	ManifestPath string
	RootPath     string
	Publishable  bool
	// ReadmeInheritsWorkspace is true when the manifest sets
	// package.readme.workspace = true.
	ReadmeInheritsWorkspace bool
	InternalDeps            []InternalDep
}

// Graph is the immutable workspace model consumed by every command.
type Graph struct {
	Root   string
	Crates []Crate
}

// CrateByName returns the crate with the given name.
func (g *Graph) CrateByName(name string) (*Crate, bool) {
	for i := range g.Crates {
		if g.Crates[i].Name == name {
			return &g.Crates[i], true
		}
	}
	return nil, false
}

// Names returns all crate names in graph order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.Crates))
	for i, crate := range g.Crates {
		names[i] = crate.Name
	}
	return names
}

// WorkspaceInvariantError reports a workspace that violates structural
// invariants (duplicate names, manifests outside the root).
type WorkspaceInvariantError struct {
	Detail string
}

func (e *WorkspaceInvariantError) Error() string {
	return fmt.Sprintf("workspace invariant violated: %s", e.Detail)
}

// CycleError reports a dependency cycle among non-dev edges.
type CycleError struct {
	Crates []string
}

func (e *CycleError) Error() string {
	message := "workspace dependency graph contains a cycle"
	if len(e.Crates) > 0 {
		sorted := append([]string(nil), e.Crates...)
		sort.Strings(sorted)
		message = message + ": " + strings.Join(sorted, ", ")
	}
	return message
}
