package workspace

import (
	"fmt"
	"path/filepath"

	"github.com/fulmenhq/lading/pkg/safeio"
	"github.com/fulmenhq/lading/pkg/tomledit"
)

// BuildGraph converts cargo metadata into a Graph, reading each member
// manifest to derive README inheritance.
func BuildGraph(metadata *Metadata) (*Graph, error) {
	if metadata.WorkspaceRoot == "" {
		return nil, &CargoMetadataError{Detail: "missing 'workspace_root'"}
	}
	root, err := filepath.Abs(metadata.WorkspaceRoot)
	if err != nil {
		return nil, &CargoMetadataError{Detail: fmt.Sprintf("cannot resolve workspace_root: %v", err)}
	}

	packagesByID := make(map[string]*Package, len(metadata.Packages))
	memberSet := make(map[string]bool, len(metadata.WorkspaceMembers))
	for _, id := range metadata.WorkspaceMembers {
		memberSet[id] = true
	}
	for i := range metadata.Packages {
		pkg := &metadata.Packages[i]
		if memberSet[pkg.ID] {
			packagesByID[pkg.ID] = pkg
		}
	}

	memberNames := make(map[string]bool, len(metadata.WorkspaceMembers))
	for _, id := range metadata.WorkspaceMembers {
		pkg, ok := packagesByID[id]
		if !ok {
			return nil, &CargoMetadataError{Detail: fmt.Sprintf("workspace member %q missing from package list", id)}
		}
		if memberNames[pkg.Name] {
			return nil, &WorkspaceInvariantError{Detail: fmt.Sprintf("duplicate crate name %q", pkg.Name)}
		}
		memberNames[pkg.Name] = true
	}

	crates := make([]Crate, 0, len(metadata.WorkspaceMembers))
	for _, id := range metadata.WorkspaceMembers {
		pkg := packagesByID[id]
		crate, err := buildCrate(root, pkg, memberNames)
		if err != nil {
			return nil, err
		}
		crates = append(crates, crate)
	}
	return &Graph{Root: root, Crates: crates}, nil
}

func buildCrate(root string, pkg *Package, memberNames map[string]bool) (Crate, error) {
	manifestPath, err := filepath.Abs(pkg.ManifestPath)
	if err != nil {
		return Crate{}, &CargoMetadataError{Detail: fmt.Sprintf("cannot resolve manifest_path for %q: %v", pkg.Name, err)}
	}
	within, err := safeio.PathWithin(root, manifestPath)
	if err != nil || !within {
		return Crate{}, &WorkspaceInvariantError{
			Detail: fmt.Sprintf("manifest for crate %q lies outside the workspace root: %s", pkg.Name, manifestPath),
		}
	}

	document, err := tomledit.Load(manifestPath)
	if err != nil {
		return Crate{}, err
	}
	deps := buildInternalDeps(pkg, memberNames)
	return Crate{
		Name:                    pkg.Name,
		Version:                 pkg.Version,
		ManifestPath:            manifestPath,
		RootPath:                filepath.Dir(manifestPath),
		Publishable:             publishable(pkg.Publish),
		ReadmeInheritsWorkspace: manifestUsesWorkspaceReadme(document),
		InternalDeps:            deps,
	}, nil
}

// publishable derives the publish flag: absent means publishable, an empty
// registry list means publish = false, a non-empty list restricts registries
// but still publishes.
func publishable(value *[]string) bool {
	if value == nil {
		return true
	}
	return len(*value) > 0
}

// manifestUsesWorkspaceReadme accepts the three spellings Cargo allows:
// readme.workspace = true, [package.readme] workspace = true, and
// readme = { workspace = true }.
func manifestUsesWorkspaceReadme(document *tomledit.Document) bool {
	if v, ok := document.GetBool([]string{"package"}, "readme.workspace"); ok {
		return v
	}
	if v, ok := document.GetBool([]string{"package", "readme"}, "workspace"); ok {
		return v
	}
	return document.InlineTableBool([]string{"package"}, "readme", "workspace")
}

func buildInternalDeps(pkg *Package, memberNames map[string]bool) []InternalDep {
	var deps []InternalDep
	nonDevTargets := make(map[string]bool)
	for _, dep := range pkg.Dependencies {
		if dep.Path == nil || !memberNames[dep.Name] {
			continue
		}
		section := classifyKind(dep.Kind)
		if section != SectionDev {
			nonDevTargets[dep.Name] = true
		}
		key := dep.Name
		if dep.Rename != nil && *dep.Rename != "" {
			key = *dep.Rename
		}
		deps = append(deps, InternalDep{
			TargetName:  dep.Name,
			ManifestKey: key,
			Section:     section,
			Requirement: dep.Req,
		})
	}
	for i := range deps {
		deps[i].DevOnly = deps[i].Section == SectionDev && !nonDevTargets[deps[i].TargetName]
	}
	return deps
}

func classifyKind(kind *string) DepSection {
	if kind == nil {
		return SectionNormal
	}
	switch *kind {
	case "dev":
		return SectionDev
	case "build":
		return SectionBuild
	}
	return SectionNormal
}
