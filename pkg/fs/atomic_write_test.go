package fs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zumic/zumic/pkg/fs"
)

const testContentHello = "hello"

func TestAtomicWriteFile_ContentReadableAfterWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	writer := fs.NewAtomicWriter(fs.NewReal())
	if err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello)); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != testContentHello {
		t.Fatalf("content=%q, want %q", string(got), testContentHello)
	}
}

func TestAtomicWriteFile_LeavesNoTempFileBehind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	writer := fs.NewAtomicWriter(fs.NewReal())
	if err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello)); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "final.txt" {
		t.Fatalf("dir entries = %v, want only final.txt", entries)
	}
}

func TestAtomicWriteFile_OverwritesExistingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "final.txt")

	if err := os.WriteFile(path, []byte("stale"), 0o644); err != nil {
		t.Fatalf("seeding existing file: %v", err)
	}

	writer := fs.NewAtomicWriter(fs.NewReal())
	if err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello)); err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != testContentHello {
		t.Fatalf("content=%q, want %q", string(got), testContentHello)
	}
}
