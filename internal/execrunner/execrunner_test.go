package execrunner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRejectsUnknownProgram(t *testing.T) {
	runner := New()
	_, _, _, err := runner.Run("rm", []string{"-rf", "/"}, "", nil)
	var unknown *UnknownProgramError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "rm", unknown.Program)
	assert.Contains(t, unknown.Error(), "allowlist")
}

func TestRunRejectsShellNames(t *testing.T) {
	runner := New()
	for _, program := range []string{"bash", "sh", "curl", ""} {
		_, _, _, err := runner.Run(program, nil, "", nil)
		var unknown *UnknownProgramError
		require.ErrorAs(t, err, &unknown, program)
	}
}

func TestFormatCommandQuotesWhitespace(t *testing.T) {
	rendered := FormatCommand("cargo", []string{"test", "--target-dir=/tmp/with space"})
	assert.Equal(t, `cargo test "--target-dir=/tmp/with space"`, rendered)
}

func TestMergeEnvironmentOverridesAndAppends(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root", "RUSTFLAGS=-D warnings"}
	merged := mergeEnvironment(base, map[string]string{
		"RUSTFLAGS":        "-D warnings --extern helper=/x",
		"CARGO_TARGET_DIR": "/tmp/t",
	})
	joined := strings.Join(merged, "\n")
	assert.Contains(t, joined, "PATH=/usr/bin")
	assert.Contains(t, joined, "RUSTFLAGS=-D warnings --extern helper=/x")
	assert.Contains(t, joined, "CARGO_TARGET_DIR=/tmp/t")
	assert.Equal(t, 1, strings.Count(joined, "RUSTFLAGS="), "override replaces the inherited entry")
}

func TestMergeEnvironmentNoOverrides(t *testing.T) {
	base := []string{"PATH=/usr/bin"}
	assert.Equal(t, base, mergeEnvironment(base, nil))
}

func TestShouldRedact(t *testing.T) {
	assert.True(t, shouldRedact("CARGO_REGISTRY_TOKEN"))
	assert.True(t, shouldRedact("http_passphrase"))
	assert.False(t, shouldRedact("RUSTFLAGS"))
}
