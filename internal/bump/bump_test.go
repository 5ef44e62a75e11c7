package bump

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulmenhq/lading/pkg/config"
	"github.com/fulmenhq/lading/pkg/workspace"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// fixtureWorkspace builds a two-crate workspace where beta depends on alpha.
func fixtureWorkspace(t *testing.T) *workspace.Graph {
	root := t.TempDir()
	writeFile(t, root, "Cargo.toml", `[workspace]
members = ["crates/alpha", "crates/beta"]

[workspace.package]
version = "0.1.0"
`)
	alphaManifest := writeFile(t, root, "crates/alpha/Cargo.toml", `[package]
name = "alpha"
version = "0.1.0"
`)
	betaManifest := writeFile(t, root, "crates/beta/Cargo.toml", `[package]
name = "beta"
version = "0.1.0"

[dependencies]
alpha = { version = "^0.1.0", path = "../alpha" }
`)
	return &workspace.Graph{
		Root: root,
		Crates: []workspace.Crate{
			{
				Name:         "alpha",
				Version:      "0.1.0",
				ManifestPath: alphaManifest,
				RootPath:     filepath.Dir(alphaManifest),
				Publishable:  true,
			},
			{
				Name:         "beta",
				Version:      "0.1.0",
				ManifestPath: betaManifest,
				RootPath:     filepath.Dir(betaManifest),
				Publishable:  true,
				InternalDeps: []workspace.InternalDep{{
					TargetName:  "alpha",
					ManifestKey: "alpha",
					Section:     workspace.SectionNormal,
					Requirement: "^0.1.0",
				}},
			},
		},
	}
}

func TestBumpUpdatesWorkspaceAndCrates(t *testing.T) {
	graph := fixtureWorkspace(t)
	report, err := Run(graph, config.Default(), "1.2.3", Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Cargo.toml",
		filepath.Join("crates", "alpha", "Cargo.toml"),
		filepath.Join("crates", "beta", "Cargo.toml"),
	}, report.Manifests)

	assert.Contains(t, readFile(t, filepath.Join(graph.Root, "Cargo.toml")), `version = "1.2.3"`)
	assert.Contains(t, readFile(t, filepath.Join(graph.Root, "crates/alpha/Cargo.toml")), `version = "1.2.3"`)
	beta := readFile(t, filepath.Join(graph.Root, "crates/beta/Cargo.toml"))
	assert.Contains(t, beta, `version = "1.2.3"`)
	assert.Contains(t, beta, `alpha = { version = "^1.2.3", path = "../alpha" }`)
}

func TestBumpRejectsInvalidVersionBeforeIO(t *testing.T) {
	graph := fixtureWorkspace(t)
	before := readFile(t, filepath.Join(graph.Root, "Cargo.toml"))

	_, err := Run(graph, config.Default(), "v1.2.3", Options{})
	require.Error(t, err)
	assert.Equal(t, before, readFile(t, filepath.Join(graph.Root, "Cargo.toml")))
}

func TestBumpIsIdempotent(t *testing.T) {
	graph := fixtureWorkspace(t)
	_, err := Run(graph, config.Default(), "1.2.3", Options{})
	require.NoError(t, err)

	report, err := Run(graph, config.Default(), "1.2.3", Options{})
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Equal(t, "No manifest changes required; all versions already 1.2.3.", report.Message())
}

func TestBumpDryRunLeavesFilesUntouched(t *testing.T) {
	graph := fixtureWorkspace(t)
	before := readFile(t, filepath.Join(graph.Root, "crates/alpha/Cargo.toml"))

	report, err := Run(graph, config.Default(), "1.2.3", Options{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.Changed())
	assert.Contains(t, report.Message(), "Dry run; would update version to 1.2.3")
	assert.Equal(t, before, readFile(t, filepath.Join(graph.Root, "crates/alpha/Cargo.toml")))
}

func TestBumpExcludedCrateKeepsVersionButTargetNotBumped(t *testing.T) {
	graph := fixtureWorkspace(t)
	cfg := config.Default()
	cfg.Bump.Exclude = []string{"alpha"}

	_, err := Run(graph, cfg, "1.2.3", Options{})
	require.NoError(t, err)

	alpha := readFile(t, filepath.Join(graph.Root, "crates/alpha/Cargo.toml"))
	assert.Contains(t, alpha, `version = "0.1.0"`, "excluded crate keeps its own version")

	// beta's requirement on alpha is unchanged because alpha was not bumped
	beta := readFile(t, filepath.Join(graph.Root, "crates/beta/Cargo.toml"))
	assert.Contains(t, beta, `version = "1.2.3"`)
	assert.Contains(t, beta, `alpha = { version = "^0.1.0", path = "../alpha" }`)
}

func TestBumpExcludedCrateStillRewritesItsRequirements(t *testing.T) {
	graph := fixtureWorkspace(t)
	// invert the dependency: alpha (excluded) depends on beta (bumped)
	writeFile(t, graph.Root, "crates/alpha/Cargo.toml", `[package]
name = "alpha"
version = "0.1.0"

[dependencies]
beta = { version = "~0.1.0", path = "../beta" }
`)
	graph.Crates[0].InternalDeps = []workspace.InternalDep{{
		TargetName:  "beta",
		ManifestKey: "beta",
		Section:     workspace.SectionNormal,
		Requirement: "~0.1.0",
	}}
	cfg := config.Default()
	cfg.Bump.Exclude = []string{"alpha"}

	_, err := Run(graph, cfg, "1.2.3", Options{})
	require.NoError(t, err)

	alpha := readFile(t, filepath.Join(graph.Root, "crates/alpha/Cargo.toml"))
	assert.Contains(t, alpha, `version = "0.1.0"`)
	assert.Contains(t, alpha, `beta = { version = "~1.2.3", path = "../beta" }`)
}

func TestBumpPreservesRequirementOperators(t *testing.T) {
	graph := fixtureWorkspace(t)
	writeFile(t, graph.Root, "crates/beta/Cargo.toml", `[package]
name = "beta"
version = "0.1.0"

[dependencies]
alpha = "=0.1.0"

[dev-dependencies]
caret = { package = "alpha", version = "^0.1.0", path = "../alpha" }

[build-dependencies]
tilde = { package = "alpha", version = "~0.1.0", path = "../alpha" }
`)
	graph.Crates[1].InternalDeps = []workspace.InternalDep{
		{TargetName: "alpha", ManifestKey: "alpha", Section: workspace.SectionNormal},
		{TargetName: "alpha", ManifestKey: "caret", Section: workspace.SectionDev},
		{TargetName: "alpha", ManifestKey: "tilde", Section: workspace.SectionBuild},
	}

	_, err := Run(graph, config.Default(), "1.2.3", Options{})
	require.NoError(t, err)

	beta := readFile(t, filepath.Join(graph.Root, "crates/beta/Cargo.toml"))
	assert.Contains(t, beta, `alpha = "=1.2.3"`)
	assert.Contains(t, beta, `caret = { package = "alpha", version = "^1.2.3", path = "../alpha" }`)
	assert.Contains(t, beta, `tilde = { package = "alpha", version = "~1.2.3", path = "../alpha" }`)
}

func TestBumpUpdatesWorkspaceDependencyTables(t *testing.T) {
	graph := fixtureWorkspace(t)
	writeFile(t, graph.Root, "Cargo.toml", `[workspace]
members = ["crates/alpha", "crates/beta"]

[workspace.package]
version = "0.1.0"

[workspace.dependencies]
alpha = { version = "^0.1.0", path = "crates/alpha" }
`)

	_, err := Run(graph, config.Default(), "1.2.3", Options{})
	require.NoError(t, err)

	root := readFile(t, filepath.Join(graph.Root, "Cargo.toml"))
	assert.Contains(t, root, `alpha = { version = "^1.2.3", path = "crates/alpha" }`)
}

func TestBumpUpdatesDocumentationFences(t *testing.T) {
	graph := fixtureWorkspace(t)
	writeFile(t, graph.Root, "README.md", "# Alpha\n\n"+
		"```toml\n[dependencies]\nalpha = \"0.1.0\"\n```\n\n"+
		"```rust\nlet v = \"0.1.0\";\n```\n")
	cfg := config.Default()
	cfg.Bump.Documentation.Globs = []string{"README.md"}

	report, err := Run(graph, cfg, "1.2.3", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md"}, report.Documents)

	readme := readFile(t, filepath.Join(graph.Root, "README.md"))
	assert.Contains(t, readme, "```toml\n[dependencies]\nalpha = \"1.2.3\"\n```")
	assert.Contains(t, readme, "let v = \"0.1.0\";", "non-toml fences are untouched")
}

func TestBumpDocumentationPreservesIndentedFence(t *testing.T) {
	graph := fixtureWorkspace(t)
	writeFile(t, graph.Root, "docs/guide.md", "1. Add the dependency:\n\n"+
		"   ```toml\n   [dependencies]\n   alpha = \"^0.1.0\"\n   ```\n")
	cfg := config.Default()
	cfg.Bump.Documentation.Globs = []string{"docs/**/*.md"}

	_, err := Run(graph, cfg, "1.2.3", Options{})
	require.NoError(t, err)

	guide := readFile(t, filepath.Join(graph.Root, "docs/guide.md"))
	assert.Contains(t, guide, "   ```toml\n   [dependencies]\n   alpha = \"^1.2.3\"\n   ```")
}

func TestBumpDocumentationInfoStringCaseInsensitive(t *testing.T) {
	graph := fixtureWorkspace(t)
	writeFile(t, graph.Root, "README.md", "```TOML ignore\n[package]\nname = \"alpha\"\nversion = \"0.1.0\"\n```\n")
	cfg := config.Default()
	cfg.Bump.Documentation.Globs = []string{"README.md"}

	_, err := Run(graph, cfg, "1.2.3", Options{})
	require.NoError(t, err)

	readme := readFile(t, filepath.Join(graph.Root, "README.md"))
	assert.Contains(t, readme, "```TOML ignore\n")
	assert.Contains(t, readme, `version = "1.2.3"`)
}

func TestBumpDocumentationSkipsUnparseableFences(t *testing.T) {
	graph := fixtureWorkspace(t)
	content := "```toml\nthis is [not toml\n```\n"
	writeFile(t, graph.Root, "README.md", content)
	cfg := config.Default()
	cfg.Bump.Documentation.Globs = []string{"README.md"}

	report, err := Run(graph, cfg, "1.2.3", Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Documents)
	assert.Equal(t, content, readFile(t, filepath.Join(graph.Root, "README.md")))
}

func TestBumpRenamedDependencyKeepsKey(t *testing.T) {
	graph := fixtureWorkspace(t)
	writeFile(t, graph.Root, "crates/beta/Cargo.toml", `[package]
name = "beta"
version = "0.1.0"

[dependencies]
alpha-core = { package = "alpha", version = "^0.1.0", path = "../alpha" }
`)
	graph.Crates[1].InternalDeps = []workspace.InternalDep{{
		TargetName:  "alpha",
		ManifestKey: "alpha-core",
		Section:     workspace.SectionNormal,
		Requirement: "^0.1.0",
	}}

	_, err := Run(graph, config.Default(), "1.2.3", Options{})
	require.NoError(t, err)

	beta := readFile(t, filepath.Join(graph.Root, "crates/beta/Cargo.toml"))
	assert.Contains(t, beta, `alpha-core = { package = "alpha", version = "^1.2.3", path = "../alpha" }`)
}
