// Package config loads and validates lading.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Filename is the configuration file expected at the workspace root.
const Filename = "lading.toml"

// ConfigError reports a malformed or unknown-keyed configuration.
type ConfigError struct {
	Path   string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration error: %s", e.Detail)
	}
	return fmt.Sprintf("configuration error in %s: %s", e.Path, e.Detail)
}

// StripPatches selects how [patch.crates-io] is handled in the staged
// manifest.
type StripPatches string

const (
	StripAll      StripPatches = "all"
	StripPerCrate StripPatches = "per-crate"
	StripNone     StripPatches = "none"
)

// DefaultStderrTailLines bounds compiletest diagnostics when
// preflight.stderr_tail_lines is unset.
const DefaultStderrTailLines = 40

// DocumentationConfig configures documentation updates for bump.
type DocumentationConfig struct {
	Globs []string `toml:"globs"`
}

// BumpConfig holds settings for the bump command.
type BumpConfig struct {
	Exclude       []string            `toml:"exclude"`
	Documentation DocumentationConfig `toml:"documentation"`
}

// PublishConfig holds settings for the publish command.
type PublishConfig struct {
	Exclude      []string `toml:"exclude"`
	Order        []string `toml:"order"`
	StripPatches StripPatches
}

// PreflightConfig holds settings for publish pre-flight checks.
type PreflightConfig struct {
	TestExclude       []string          `toml:"test_exclude"`
	UnitTestsOnly     bool              `toml:"unit_tests_only"`
	AuxBuild          [][]string        `toml:"aux_build"`
	CompiletestExtern map[string]string `toml:"compiletest_extern"`
	Env               map[string]string `toml:"env"`
	StderrTailLines   int
}

// Config is the strongly-typed representation of lading.toml.
type Config struct {
	Bump      BumpConfig
	Publish   PublishConfig
	Preflight PreflightConfig
}

// Default returns the configuration used when lading.toml is absent.
func Default() *Config {
	return &Config{
		Publish:   PublishConfig{StripPatches: StripPerCrate},
		Preflight: PreflightConfig{StderrTailLines: DefaultStderrTailLines},
	}
}

// rawConfig mirrors the file schema. strip_patches and stderr_tail_lines
// need post-decoding normalisation (mixed type, defaulting), so they decode
// into loose types first.
type rawConfig struct {
	Bump      rawBump      `toml:"bump"`
	Publish   rawPublish   `toml:"publish"`
	Preflight rawPreflight `toml:"preflight"`
}

type rawBump struct {
	Exclude       []string            `toml:"exclude"`
	Documentation DocumentationConfig `toml:"documentation"`
}

type rawPublish struct {
	Exclude      []string    `toml:"exclude"`
	Order        []string    `toml:"order"`
	StripPatches interface{} `toml:"strip_patches"`
}

type rawPreflight struct {
	TestExclude       []string          `toml:"test_exclude"`
	UnitTestsOnly     bool              `toml:"unit_tests_only"`
	AuxBuild          [][]string        `toml:"aux_build"`
	CompiletestExtern map[string]string `toml:"compiletest_extern"`
	Env               map[string]string `toml:"env"`
	StderrTailLines   *int64            `toml:"stderr_tail_lines"`
}

// Load reads lading.toml from workspaceRoot. An absent file yields the
// default configuration; unknown keys are rejected.
func Load(workspaceRoot string) (*Config, error) {
	path := filepath.Join(workspaceRoot, Filename)
	data, err := os.ReadFile(path) // #nosec G304 -- path rooted at the workspace
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, &ConfigError{Path: path, Detail: err.Error()}
	}
	cfg, err := ParseBytes(data)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// ParseBytes decodes and validates configuration data.
func ParseBytes(data []byte) (*Config, error) {
	var raw rawConfig
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&raw); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, &ConfigError{Detail: describeUnknownKeys(strict)}
		}
		return nil, &ConfigError{Detail: err.Error()}
	}

	cfg := Default()
	cfg.Bump.Exclude = raw.Bump.Exclude
	cfg.Bump.Documentation = raw.Bump.Documentation
	cfg.Publish.Exclude = raw.Publish.Exclude
	cfg.Publish.Order = raw.Publish.Order

	strip, err := normaliseStripPatches(raw.Publish.StripPatches)
	if err != nil {
		return nil, err
	}
	cfg.Publish.StripPatches = strip

	cfg.Preflight.TestExclude = trimNames(raw.Preflight.TestExclude)
	cfg.Preflight.UnitTestsOnly = raw.Preflight.UnitTestsOnly
	cfg.Preflight.AuxBuild = raw.Preflight.AuxBuild
	cfg.Preflight.CompiletestExtern = raw.Preflight.CompiletestExtern
	cfg.Preflight.Env = raw.Preflight.Env
	if raw.Preflight.StderrTailLines != nil {
		v := *raw.Preflight.StderrTailLines
		if v < 0 {
			return nil, &ConfigError{Detail: "preflight.stderr_tail_lines must not be negative"}
		}
		cfg.Preflight.StderrTailLines = int(v)
	}
	for i, argv := range cfg.Preflight.AuxBuild {
		if len(argv) == 0 {
			return nil, &ConfigError{Detail: fmt.Sprintf("preflight.aux_build[%d] must not be empty", i)}
		}
	}
	return cfg, nil
}

func normaliseStripPatches(value interface{}) (StripPatches, error) {
	switch v := value.(type) {
	case nil:
		return StripPerCrate, nil
	case string:
		switch v {
		case "all":
			return StripAll, nil
		case "per-crate":
			return StripPerCrate, nil
		}
	case bool:
		if !v {
			return StripNone, nil
		}
	}
	return "", &ConfigError{Detail: "publish.strip_patches must be 'all', 'per-crate', or false"}
}

func describeUnknownKeys(strict *toml.StrictMissingError) string {
	keys := make([]string, 0, len(strict.Errors))
	for _, detail := range strict.Errors {
		key := strings.Join(detail.Key(), ".")
		if key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return "unknown configuration key"
	}
	return "unknown configuration option(s): " + strings.Join(keys, ", ")
}

func trimNames(entries []string) []string {
	var trimmed []string
	for _, entry := range entries {
		if name := strings.TrimSpace(entry); name != "" {
			trimmed = append(trimmed, name)
		}
	}
	return trimmed
}
