package binary

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"
)

type tarEntry struct {
	name string
	body string
	mode int64
	dir  bool
}

func buildTarXz(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	xzw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("Failed to create xz writer: %v", err)
	}
	tw := tar.NewWriter(xzw)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: e.mode}
		if e.dir {
			hdr.Typeflag = tar.TypeDir
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("Failed to write tar header: %v", err)
		}
		if !e.dir {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("Failed to write tar body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("Failed to close tar writer: %v", err)
	}
	if err := xzw.Close(); err != nil {
		t.Fatalf("Failed to close xz writer: %v", err)
	}
	return buf.Bytes()
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("Failed to create zip entry: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("Failed to write zip entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close zip writer: %v", err)
	}
	return buf.Bytes()
}

// TestExtractTarXz tests extraction of a nested tar.xz archive
func TestExtractTarXz(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.tar.xz")
	data := buildTarXz(t, []tarEntry{
		{name: "langkit-app-linux", body: "#!/bin/sh\nexit 0\n", mode: 0755},
		{name: "docs", mode: 0755, dir: true},
		{name: "docs/readme.txt", body: "hello", mode: 0644},
	})
	if err := os.WriteFile(archive, data, 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}

	dest := filepath.Join(dir, "out")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatalf("Failed to create dest: %v", err)
	}
	if err := extractTarXz(archive, dest); err != nil {
		t.Fatalf("extractTarXz failed: %v", err)
	}

	body, err := os.ReadFile(filepath.Join(dest, "docs", "readme.txt"))
	if err != nil {
		t.Fatalf("Expected nested file extracted: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("Unexpected file content %q", body)
	}
	if _, err := os.Stat(filepath.Join(dest, "langkit-app-linux")); err != nil {
		t.Errorf("Expected binary extracted: %v", err)
	}
}

// TestExtractTarXz_PathTraversal tests that entries escaping the
// destination are rejected
func TestExtractTarXz_PathTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.xz")
	data := buildTarXz(t, []tarEntry{
		{name: "../evil", body: "x", mode: 0644},
	})
	if err := os.WriteFile(archive, data, 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}

	dest := filepath.Join(dir, "out")
	os.MkdirAll(dest, 0755)
	if err := extractTarXz(archive, dest); !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("Expected ErrExtractionFailed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "evil")); err == nil {
		t.Error("Traversal entry was written outside the destination")
	}
}

// TestExtractTarXz_Corrupt tests that a truncated archive fails cleanly
func TestExtractTarXz_Corrupt(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "bad.tar.xz")
	if err := os.WriteFile(archive, []byte("not an archive"), 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}
	if err := extractTarXz(archive, dir); !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("Expected ErrExtractionFailed, got %v", err)
	}
}

// TestExtractZip tests zip extraction and bundle discovery
func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.zip")
	data := buildZip(t, map[string]string{
		"langkit.app/Contents/MacOS/langkit": "binary",
		"langkit.app/Contents/Info.plist":    "<plist/>",
	})
	if err := os.WriteFile(archive, data, 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}

	dest := filepath.Join(dir, "out")
	os.MkdirAll(dest, 0755)
	if err := extractZip(archive, dest); err != nil {
		t.Fatalf("extractZip failed: %v", err)
	}

	bundle, err := findBundle(dest)
	if err != nil {
		t.Fatalf("findBundle failed: %v", err)
	}
	if filepath.Base(bundle) != "langkit.app" {
		t.Errorf("Expected langkit.app, got %s", bundle)
	}

	if _, err := os.Stat(filepath.Join(bundle, "Contents", "MacOS", "langkit")); err != nil {
		t.Errorf("Expected bundle binary extracted: %v", err)
	}
}

// TestFindBundle_Missing tests the no-bundle error path
func TestFindBundle_Missing(t *testing.T) {
	if _, err := findBundle(t.TempDir()); !errors.Is(err, ErrExtractionFailed) {
		t.Errorf("Expected ErrExtractionFailed, got %v", err)
	}
}
