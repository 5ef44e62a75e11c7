package safeio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathWithin(t *testing.T) {
	dir := t.TempDir()
	inside := filepath.Join(dir, "crates", "alpha", "Cargo.toml")
	within, err := PathWithin(dir, inside)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !within {
		t.Errorf("expected %s to be within %s", inside, dir)
	}

	outside := filepath.Join(dir, "..", "elsewhere")
	within, err = PathWithin(dir, outside)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if within {
		t.Errorf("expected %s to be outside %s", outside, dir)
	}
}

func TestReadFileContainedRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadFileContained(dir, filepath.Join(dir, "..", "secret")); err == nil {
		t.Error("expected containment error")
	}
}

func TestWriteFileAtomicCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Cargo.toml")
	if err := WriteFileAtomic(path, []byte("a = 1\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(data) != "a = 1\n" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestWriteFileAtomicPreservesMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(path, []byte("old"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("new")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o755 {
		t.Errorf("mode not preserved: %v", st.Mode().Perm())
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := WriteFileAtomic(path, []byte("data")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}
