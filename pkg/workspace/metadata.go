package workspace

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/fulmenhq/lading/pkg/logger"
)

// CargoMetadataError reports a cargo metadata invocation or parse failure.
type CargoMetadataError struct {
	Detail string
}

func (e *CargoMetadataError) Error() string {
	return fmt.Sprintf("cargo metadata failed: %s", e.Detail)
}

// Metadata is the subset of cargo metadata output lading consumes.
type Metadata struct {
	WorkspaceRoot    string    `json:"workspace_root"`
	WorkspaceMembers []string  `json:"workspace_members"`
	Packages         []Package `json:"packages"`
}

// Package is one entry of metadata packages[].
type Package struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	ManifestPath string       `json:"manifest_path"`
	Publish      *[]string    `json:"publish"`
	Dependencies []Dependency `json:"dependencies"`
}

// Dependency is one entry of packages[].dependencies[].
type Dependency struct {
	Name   string  `json:"name"`
	Rename *string `json:"rename"`
	Req    string  `json:"req"`
	Kind   *string `json:"kind"`
	Path   *string `json:"path"`
}

// metadataSchema guards the shape of the JSON payload before decoding so a
// truncated or foreign document surfaces as a metadata error rather than a
// zero-valued graph.
const metadataSchema = `{
  "type": "object",
  "required": ["workspace_root", "workspace_members", "packages"],
  "properties": {
    "workspace_root": {"type": "string"},
    "workspace_members": {"type": "array", "items": {"type": "string"}},
    "packages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "version", "manifest_path"],
        "properties": {
          "id": {"type": "string"},
          "name": {"type": "string"},
          "version": {"type": "string"},
          "manifest_path": {"type": "string"},
          "dependencies": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["name"],
              "properties": {
                "name": {"type": "string"},
                "req": {"type": "string"},
                "kind": {"type": ["string", "null"], "enum": ["dev", "build", null]},
                "rename": {"type": ["string", "null"]},
                "path": {"type": ["string", "null"]}
              }
            }
          }
        }
      }
    }
  }
}`

// ParseMetadata validates and decodes a cargo metadata JSON payload.
func ParseMetadata(payload []byte) (*Metadata, error) {
	documentLoader := gojsonschema.NewBytesLoader(payload)
	schemaLoader := gojsonschema.NewStringLoader(metadataSchema)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, &CargoMetadataError{Detail: "invalid JSON output: " + err.Error()}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, violation := range result.Errors() {
			details = append(details, violation.String())
		}
		return nil, &CargoMetadataError{Detail: "unexpected payload shape: " + strings.Join(details, "; ")}
	}
	var metadata Metadata
	if err := json.Unmarshal(payload, &metadata); err != nil {
		return nil, &CargoMetadataError{Detail: "invalid JSON output: " + err.Error()}
	}
	return &metadata, nil
}

// CommandRunner abstracts the external command runner for metadata loading.
type CommandRunner interface {
	Run(program string, args []string, dir string, env map[string]string) (int, string, string, error)
}

// LoadMetadata shells out to cargo metadata in workspaceRoot and parses the
// result.
func LoadMetadata(runner CommandRunner, workspaceRoot string) (*Metadata, error) {
	args := []string{"metadata", "--format-version", "1"}
	logger.Debug("Running cargo metadata", logger.String("workspace", workspaceRoot))
	exitCode, stdout, stderr, err := runner.Run("cargo", args, workspaceRoot, nil)
	if err != nil {
		return nil, &CargoMetadataError{Detail: err.Error()}
	}
	if exitCode != 0 {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = strings.TrimSpace(stdout)
		}
		if detail == "" {
			detail = fmt.Sprintf("cargo metadata exited with status %d", exitCode)
		}
		return nil, &CargoMetadataError{Detail: detail}
	}
	return ParseMetadata([]byte(stdout))
}
