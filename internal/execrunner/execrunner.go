// Package execrunner executes the external programs lading is allowed to
// call, relaying their output live while capturing it for the caller.
package execrunner

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fulmenhq/lading/pkg/logger"
)

// UnknownProgramError reports an attempt to execute a program outside the
// allowlist.
type UnknownProgramError struct {
	Program string
}

func (e *UnknownProgramError) Error() string {
	return fmt.Sprintf("program %q is not in the command allowlist (cargo, git)", e.Program)
}

// allowedPrograms is the static allowlist checked before any spawn.
var allowedPrograms = map[string]bool{
	"cargo": true,
	"git":   true,
}

// Runner executes one external command and returns its exit code and
// captured streams.
type Runner interface {
	Run(program string, args []string, dir string, env map[string]string) (int, string, string, error)
}

// StreamingRunner spawns commands with live stdout/stderr relay.
type StreamingRunner struct {
	// Stdout and Stderr receive the child's output as it arrives. They
	// default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// New returns a StreamingRunner relaying to the process streams.
func New() *StreamingRunner {
	return &StreamingRunner{Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run executes program with args in dir, applying env as overrides on top
// of the inherited environment.
func (r *StreamingRunner) Run(program string, args []string, dir string, env map[string]string) (int, string, string, error) {
	if !allowedPrograms[program] {
		return 0, "", "", &UnknownProgramError{Program: program}
	}
	logger.Info("Spawning subprocess", logger.String("command", FormatCommand(program, args)), logger.String("cwd", dir))
	logEnvironment(env)

	cmd := exec.Command(program, args...) // #nosec G204 -- program is allowlisted above
	cmd.Dir = dir
	cmd.Env = mergeEnvironment(os.Environ(), env)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to open stdout pipe for %s: %w", program, err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to open stderr pipe for %s: %w", program, err)
	}
	if err := cmd.Start(); err != nil {
		return 0, "", "", fmt.Errorf("failed to execute %q: %w", program, err)
	}

	var stdoutBuf, stderrBuf strings.Builder
	var group errgroup.Group
	group.Go(func() error {
		return relay(stdoutPipe, r.Stdout, &stdoutBuf)
	})
	group.Go(func() error {
		return relay(stderrPipe, r.Stderr, &stderrBuf)
	})
	relayErr := group.Wait()
	waitErr := cmd.Wait()

	exitCode := 0
	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return 0, stdoutBuf.String(), stderrBuf.String(), fmt.Errorf("failed to execute %q: %w", program, waitErr)
		}
		exitCode = exitErr.ExitCode()
	}
	if relayErr != nil {
		logger.Debug("Output relay ended early", logger.Err(relayErr))
	}
	return exitCode, stdoutBuf.String(), stderrBuf.String(), nil
}

// relay copies src into both the live sink and the capture buffer.
func relay(src io.Reader, sink io.Writer, capture *strings.Builder) error {
	writers := []io.Writer{capture}
	if sink != nil {
		writers = append(writers, sink)
	}
	_, err := io.Copy(io.MultiWriter(writers...), src)
	return err
}

// mergeEnvironment layers overrides onto a KEY=VALUE environment list.
func mergeEnvironment(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	for _, entry := range base {
		key := entry
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			key = entry[:idx]
		}
		if _, replaced := overrides[key]; replaced {
			continue
		}
		merged = append(merged, entry)
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+overrides[key])
	}
	return merged
}

// FormatCommand renders a command line for logs, quoting arguments with
// whitespace.
func FormatCommand(program string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, part := range append([]string{program}, args...) {
		if strings.ContainsAny(part, " \t") {
			parts = append(parts, fmt.Sprintf("%q", part))
		} else {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}

// redactionTokens flag environment keys that likely hold secrets.
var redactionTokens = []string{"TOKEN", "AUTH", "BEARER", "PASS", "CRED", "PASSPHRASE"}

func logEnvironment(env map[string]string) {
	if len(env) == 0 {
		logger.Debug("Spawning subprocess with inherited environment")
		return
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rendered := make([]string, 0, len(keys))
	for _, key := range keys {
		value := env[key]
		if shouldRedact(key) {
			value = "<redacted>"
		}
		rendered = append(rendered, key+"="+value)
	}
	logger.Debug("Subprocess environment overrides", logger.String("env", strings.Join(rendered, " ")))
}

func shouldRedact(key string) bool {
	upper := strings.ToUpper(key)
	for _, token := range redactionTokens {
		if strings.Contains(upper, token) {
			return true
		}
	}
	return false
}
