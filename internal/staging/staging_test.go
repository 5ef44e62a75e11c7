package staging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulmenhq/lading/internal/plan"
	"github.com/fulmenhq/lading/pkg/config"
	"github.com/fulmenhq/lading/pkg/tomledit"
	"github.com/fulmenhq/lading/pkg/workspace"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const rootManifest = `[workspace]
members = ["crates/alpha", "crates/beta"]

[patch.crates-io]
alpha = { path = "./crates/alpha" }
beta = { path = "./crates/beta" }
serde = { path = "../serde" }
`

// fixture builds a workspace with two crates and a populated patch table.
func fixture(t *testing.T, readmeWorkspace bool) (*workspace.Graph, *plan.Plan) {
	root := t.TempDir()
	writeFile(t, root, "Cargo.toml", rootManifest)
	alphaManifest := writeFile(t, root, "crates/alpha/Cargo.toml", "[package]\nname = \"alpha\"\nversion = \"0.1.0\"\n")
	betaManifest := writeFile(t, root, "crates/beta/Cargo.toml", "[package]\nname = \"beta\"\nversion = \"0.1.0\"\n")

	graph := &workspace.Graph{
		Root: root,
		Crates: []workspace.Crate{
			{
				Name:                    "alpha",
				Version:                 "0.1.0",
				ManifestPath:            alphaManifest,
				RootPath:                filepath.Dir(alphaManifest),
				Publishable:             true,
				ReadmeInheritsWorkspace: readmeWorkspace,
			},
			{
				Name:         "beta",
				Version:      "0.1.0",
				ManifestPath: betaManifest,
				RootPath:     filepath.Dir(betaManifest),
				Publishable:  true,
			},
		},
	}
	p := &plan.Plan{
		WorkspaceRoot: root,
		Publishable:   graph.Crates,
	}
	return graph, p
}

func TestPrepareMirrorsWorkspace(t *testing.T) {
	graph, p := fixture(t, false)
	ctx, err := Prepare(graph, p, config.StripNone, Options{Cleanup: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, ctx.Close()) }()

	assert.Equal(t, filepath.Base(graph.Root), filepath.Base(ctx.StagingRoot))
	assert.FileExists(t, filepath.Join(ctx.StagingRoot, "Cargo.toml"))
	assert.FileExists(t, filepath.Join(ctx.StagingRoot, "crates", "alpha", "Cargo.toml"))
	assert.FileExists(t, filepath.Join(ctx.StagingRoot, "crates", "beta", "Cargo.toml"))

	// the live tree is untouched
	data, err := os.ReadFile(filepath.Join(graph.Root, "Cargo.toml"))
	require.NoError(t, err)
	assert.Equal(t, rootManifest, string(data))
}

func TestPrepareStripAllRemovesPatchTable(t *testing.T) {
	graph, p := fixture(t, false)
	ctx, err := Prepare(graph, p, config.StripAll, Options{Cleanup: true})
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	document, err := tomledit.Load(filepath.Join(ctx.StagingRoot, "Cargo.toml"))
	require.NoError(t, err)
	assert.False(t, document.HasTable("patch", "crates-io"))
	assert.False(t, document.HasTable("patch"))
	assert.NotContains(t, document.String(), "[patch.crates-io]")
}

func TestPrepareStripPerCrateRemovesOnlyPlannedEntries(t *testing.T) {
	graph, p := fixture(t, false)
	ctx, err := Prepare(graph, p, config.StripPerCrate, Options{Cleanup: true})
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	document, err := tomledit.Load(filepath.Join(ctx.StagingRoot, "Cargo.toml"))
	require.NoError(t, err)
	keys := document.Keys("patch", "crates-io")
	assert.Equal(t, []string{"serde"}, keys, "external patch entries survive")
}

func TestPrepareStripNoneKeepsManifest(t *testing.T) {
	graph, p := fixture(t, false)
	ctx, err := Prepare(graph, p, config.StripNone, Options{Cleanup: true})
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	data, err := os.ReadFile(filepath.Join(ctx.StagingRoot, "Cargo.toml"))
	require.NoError(t, err)
	assert.Equal(t, rootManifest, string(data))
}

func TestPrepareProjectsWorkspaceReadme(t *testing.T) {
	graph, p := fixture(t, true)
	readme := "# The Workspace\n\nShared readme.\n"
	writeFile(t, graph.Root, "README.md", readme)
	// crate-local README that must be overwritten
	writeFile(t, graph.Root, "crates/alpha/README.md", "stale\n")

	ctx, err := Prepare(graph, p, config.StripNone, Options{Cleanup: true})
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	staged := filepath.Join(ctx.StagingRoot, "crates", "alpha", "README.md")
	require.Len(t, ctx.CopiedReadmes, 1)
	assert.Equal(t, staged, ctx.CopiedReadmes[0])
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, readme, string(data), "staged README is byte-identical to the workspace README")
	assert.Contains(t, ctx.Summary(), "Copied workspace README to:")
}

func TestPrepareFailsWithoutWorkspaceReadme(t *testing.T) {
	graph, p := fixture(t, true)
	_, err := Prepare(graph, p, config.StripNone, Options{Cleanup: true})
	var stagingErr *StagingError
	require.ErrorAs(t, err, &stagingErr)
	assert.Equal(t, WorkspaceReadmeRequiredMessage, stagingErr.Detail)
}

func TestPreparePreservesSymlinksByDefault(t *testing.T) {
	graph, p := fixture(t, false)
	target := writeFile(t, graph.Root, "crates/alpha/NOTES.md", "notes\n")
	link := filepath.Join(graph.Root, "NOTES.md")
	require.NoError(t, os.Symlink(target, link))

	ctx, err := Prepare(graph, p, config.StripNone, Options{Cleanup: true})
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	staged := filepath.Join(ctx.StagingRoot, "NOTES.md")
	info, err := os.Lstat(staged)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink, "links are preserved as links")
}

func TestPrepareDereferencesSymlinksWhenAsked(t *testing.T) {
	graph, p := fixture(t, false)
	writeFile(t, graph.Root, "crates/alpha/NOTES.md", "notes\n")
	require.NoError(t, os.Symlink(filepath.Join(graph.Root, "crates/alpha/NOTES.md"), filepath.Join(graph.Root, "NOTES.md")))

	ctx, err := Prepare(graph, p, config.StripNone, Options{Cleanup: true, DereferenceSymlinks: true})
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	staged := filepath.Join(ctx.StagingRoot, "NOTES.md")
	info, err := os.Lstat(staged)
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSymlink)
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, "notes\n", string(data))
}

func TestPrepareRejectsBuildDirectoryInsideWorkspace(t *testing.T) {
	graph, p := fixture(t, false)
	_, err := Prepare(graph, p, config.StripNone, Options{BuildDirectory: filepath.Join(graph.Root, "target")})
	var stagingErr *StagingError
	require.ErrorAs(t, err, &stagingErr)
	assert.Contains(t, stagingErr.Detail, "cannot reside within the workspace root")
}

func TestCloseRemovesStagingWhenCleanup(t *testing.T) {
	graph, p := fixture(t, false)
	ctx, err := Prepare(graph, p, config.StripNone, Options{Cleanup: true})
	require.NoError(t, err)
	require.NoError(t, ctx.Close())
	_, statErr := os.Stat(ctx.StagingRoot)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCloseKeepsStagingWithoutCleanup(t *testing.T) {
	graph, p := fixture(t, false)
	ctx, err := Prepare(graph, p, config.StripNone, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(filepath.Dir(ctx.StagingRoot)) })

	require.NoError(t, ctx.Close())
	assert.DirExists(t, ctx.StagingRoot)
}

func TestStripCratePatchRemovesSingleEntry(t *testing.T) {
	graph, p := fixture(t, false)
	ctx, err := Prepare(graph, p, config.StripNone, Options{Cleanup: true})
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	require.NoError(t, StripCratePatch(ctx.StagingRoot, "alpha"))
	document, err := tomledit.Load(filepath.Join(ctx.StagingRoot, "Cargo.toml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"beta", "serde"}, document.Keys("patch", "crates-io"))
}
