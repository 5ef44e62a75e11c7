// Package staging clones the workspace into a temporary directory and
// prepares it for publication: patch-table stripping and workspace README
// projection happen here, never in the live tree.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fulmenhq/lading/internal/plan"
	"github.com/fulmenhq/lading/pkg/config"
	"github.com/fulmenhq/lading/pkg/logger"
	"github.com/fulmenhq/lading/pkg/safeio"
	"github.com/fulmenhq/lading/pkg/tomledit"
	"github.com/fulmenhq/lading/pkg/workspace"
)

// WorkspaceReadmeRequiredMessage opens the error reported when README
// projection finds no workspace README.
const WorkspaceReadmeRequiredMessage = "Workspace README.md is required by crates that set readme.workspace = true"

// StagingError reports a staging copy or README projection failure.
type StagingError struct {
	Detail string
}

func (e *StagingError) Error() string {
	return e.Detail
}

// Options controls staging behaviour.
type Options struct {
	// BuildDirectory overrides the temporary build root. It must lie
	// outside the workspace.
	BuildDirectory string
	// DereferenceSymlinks copies link targets instead of recreating links.
	DereferenceSymlinks bool
	// Cleanup removes the staging tree when the context closes.
	Cleanup bool
}

// Context is the prepared staging area. Close removes it unless the
// context was created with Cleanup disabled.
type Context struct {
	// StagingRoot mirrors the workspace inside the build directory.
	StagingRoot string
	// CopiedReadmes lists staged README paths, sorted.
	CopiedReadmes []string

	buildRoot string
	cleanup   bool
}

// Prepare stages the workspace described by graph for the given plan.
func Prepare(graph *workspace.Graph, p *plan.Plan, strip config.StripPatches, opts Options) (*Context, error) {
	buildRoot, err := resolveBuildDirectory(graph.Root, opts.BuildDirectory)
	if err != nil {
		return nil, err
	}
	stagingRoot := filepath.Join(buildRoot, filepath.Base(graph.Root))
	if within, err := safeio.PathWithin(graph.Root, stagingRoot); err != nil || within {
		return nil, &StagingError{Detail: "publish staging directory cannot be nested inside the workspace root"}
	}
	if err := os.RemoveAll(stagingRoot); err != nil {
		return nil, &StagingError{Detail: fmt.Sprintf("cannot clear staging root %s: %v", stagingRoot, err)}
	}
	if err := copyTree(graph.Root, stagingRoot, !opts.DereferenceSymlinks); err != nil {
		return nil, err
	}
	if err := applyStripStrategy(stagingRoot, p, strip); err != nil {
		return nil, err
	}
	readmes, err := projectWorkspaceReadmes(graph, stagingRoot)
	if err != nil {
		return nil, err
	}
	logger.Info("Staged workspace", logger.String("staging_root", stagingRoot))
	return &Context{
		StagingRoot:   stagingRoot,
		CopiedReadmes: readmes,
		buildRoot:     buildRoot,
		cleanup:       opts.Cleanup,
	}, nil
}

// Close removes the staging tree when cleanup was requested.
func (c *Context) Close() error {
	if !c.cleanup {
		logger.Info("Staging directory kept for inspection", logger.String("path", c.StagingRoot))
		return nil
	}
	return os.RemoveAll(c.buildRoot)
}

// Summary renders the staging result for CLI output.
func (c *Context) Summary() string {
	lines := []string{fmt.Sprintf("Staged workspace at: %s", c.StagingRoot)}
	if len(c.CopiedReadmes) > 0 {
		lines = append(lines, "Copied workspace README to:")
		for _, path := range c.CopiedReadmes {
			rel, err := filepath.Rel(c.StagingRoot, path)
			if err != nil {
				rel = path
			}
			lines = append(lines, "- "+rel)
		}
	} else {
		lines = append(lines, "Copied workspace README to: none required")
	}
	return strings.Join(lines, "\n")
}

func resolveBuildDirectory(workspaceRoot, buildDirectory string) (string, error) {
	if buildDirectory == "" {
		dir, err := os.MkdirTemp("", "lading-publish-")
		if err != nil {
			return "", &StagingError{Detail: fmt.Sprintf("cannot create staging directory: %v", err)}
		}
		return dir, nil
	}
	candidate, err := filepath.Abs(buildDirectory)
	if err != nil {
		return "", &StagingError{Detail: fmt.Sprintf("cannot resolve build directory: %v", err)}
	}
	within, err := safeio.PathWithin(workspaceRoot, candidate)
	if err != nil {
		return "", &StagingError{Detail: err.Error()}
	}
	if within {
		return "", &StagingError{Detail: "publish build directory cannot reside within the workspace root"}
	}
	if err := os.MkdirAll(candidate, 0o750); err != nil {
		return "", &StagingError{Detail: fmt.Sprintf("cannot create build directory %s: %v", candidate, err)}
	}
	return candidate, nil
}

// copyTree mirrors src into dst. Symbolic links are recreated as links by
// default; with preserveSymlinks false they are dereferenced.
func copyTree(src, dst string, preserveSymlinks bool) error {
	info, err := os.Lstat(src)
	if err != nil {
		return &StagingError{Detail: fmt.Sprintf("cannot stat %s: %v", src, err)}
	}
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		if preserveSymlinks {
			target, err := os.Readlink(src)
			if err != nil {
				return &StagingError{Detail: fmt.Sprintf("cannot read link %s: %v", src, err)}
			}
			if err := os.Symlink(target, dst); err != nil {
				return &StagingError{Detail: fmt.Sprintf("cannot recreate link %s: %v", dst, err)}
			}
			return nil
		}
		resolved, err := os.Stat(src)
		if err != nil {
			return &StagingError{Detail: fmt.Sprintf("cannot resolve link %s: %v", src, err)}
		}
		if resolved.IsDir() {
			return copyDirContents(src, dst, preserveSymlinks, resolved.Mode())
		}
		return copyFile(src, dst, resolved.Mode())
	case info.IsDir():
		return copyDirContents(src, dst, preserveSymlinks, info.Mode())
	default:
		return copyFile(src, dst, info.Mode())
	}
}

func copyDirContents(src, dst string, preserveSymlinks bool, mode os.FileMode) error {
	if err := os.MkdirAll(dst, mode.Perm()); err != nil {
		return &StagingError{Detail: fmt.Sprintf("cannot create directory %s: %v", dst, err)}
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return &StagingError{Detail: fmt.Sprintf("cannot read directory %s: %v", src, err)}
	}
	for _, entry := range entries {
		if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name()), preserveSymlinks); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src) // #nosec G304 -- staging copies the workspace tree
	if err != nil {
		return &StagingError{Detail: fmt.Sprintf("cannot open %s: %v", src, err)}
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm()) // #nosec G304
	if err != nil {
		return &StagingError{Detail: fmt.Sprintf("cannot create %s: %v", dst, err)}
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return &StagingError{Detail: fmt.Sprintf("cannot copy %s: %v", src, err)}
	}
	if err := out.Close(); err != nil {
		return &StagingError{Detail: fmt.Sprintf("cannot finish %s: %v", dst, err)}
	}
	return nil
}

// applyStripStrategy rewrites the staged root manifest's patch tables.
func applyStripStrategy(stagingRoot string, p *plan.Plan, strip config.StripPatches) error {
	if strip == config.StripNone {
		return nil
	}
	manifestPath := filepath.Join(stagingRoot, "Cargo.toml")
	if _, err := os.Stat(manifestPath); err != nil {
		return nil
	}
	document, err := tomledit.Load(manifestPath)
	if err != nil {
		return err
	}
	modified := false
	switch strip {
	case config.StripAll:
		modified = document.RemoveTable("patch", "crates-io")
	case config.StripPerCrate:
		for _, name := range p.PublishableNames() {
			if document.RemoveKey([]string{"patch", "crates-io"}, name) {
				modified = true
			}
		}
	}
	if !modified {
		return nil
	}
	cleanupEmptyPatchTables(document)
	return document.Save(manifestPath)
}

// StripCratePatch removes one crate's entry from the staged root manifest's
// [patch.crates-io] table. The executor calls this per crate just before
// packaging when the per-crate strategy is active.
func StripCratePatch(stagingRoot, crateName string) error {
	manifestPath := filepath.Join(stagingRoot, "Cargo.toml")
	if _, err := os.Stat(manifestPath); err != nil {
		return nil
	}
	document, err := tomledit.Load(manifestPath)
	if err != nil {
		return err
	}
	if !document.RemoveKey([]string{"patch", "crates-io"}, crateName) {
		return nil
	}
	cleanupEmptyPatchTables(document)
	return document.Save(manifestPath)
}

func cleanupEmptyPatchTables(document *tomledit.Document) {
	if document.HasTable("patch", "crates-io") && len(document.Keys("patch", "crates-io")) == 0 {
		document.RemoveTable("patch", "crates-io")
	}
	if document.HasTable("patch") && len(document.Keys("patch")) == 0 && !document.HasSubtables("patch") {
		document.RemoveTable("patch")
	}
}

// projectWorkspaceReadmes copies the workspace README into every staged
// crate that inherits it.
func projectWorkspaceReadmes(graph *workspace.Graph, stagingRoot string) ([]string, error) {
	var targets []workspace.Crate
	for _, crate := range graph.Crates {
		if crate.ReadmeInheritsWorkspace {
			targets = append(targets, crate)
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}
	workspaceReadme := filepath.Join(graph.Root, "README.md")
	data, err := os.ReadFile(workspaceReadme) // #nosec G304 -- fixed name under the workspace root
	if err != nil {
		return nil, &StagingError{Detail: WorkspaceReadmeRequiredMessage}
	}
	var copied []string
	for _, crate := range targets {
		rel, err := filepath.Rel(graph.Root, crate.RootPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			return nil, &StagingError{Detail: fmt.Sprintf("crate %q is outside the workspace root; cannot stage README", crate.Name)}
		}
		stagedDir := filepath.Join(stagingRoot, rel)
		if err := os.MkdirAll(stagedDir, 0o750); err != nil {
			return nil, &StagingError{Detail: fmt.Sprintf("cannot create staged crate directory %s: %v", stagedDir, err)}
		}
		stagedReadme := filepath.Join(stagedDir, "README.md")
		if err := os.WriteFile(stagedReadme, data, 0o600); err != nil {
			return nil, &StagingError{Detail: fmt.Sprintf("cannot write %s: %v", stagedReadme, err)}
		}
		copied = append(copied, stagedReadme)
	}
	sort.Strings(copied)
	return copied, nil
}
