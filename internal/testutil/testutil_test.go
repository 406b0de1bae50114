package testutil

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestRepoRootContainsGoMod(t *testing.T) {
	root := RepoRoot(t)
	if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
		t.Fatalf("expected go.mod at repo root: %v", err)
	}
}

func TestBuildModelstageBinary(t *testing.T) {
	root := RepoRoot(t)
	binPath := BuildModelstageBinary(t, root)
	info, err := os.Stat(binPath)
	if err != nil {
		t.Fatalf("expected built binary to exist: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected non-empty binary at %s", binPath)
	}
}

func TestWriteFileAndMustReadFile(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "output.json")
	WriteFile(t, target, []byte(`{"ok":true}`))
	got := MustReadFile(t, target)
	if string(got) != `{"ok":true}` {
		t.Fatalf("unexpected file content: %q", string(got))
	}
}

func TestZipArchive(t *testing.T) {
	raw := ZipArchive(t, map[string]string{
		"b_low.safetensors":  "low",
		"a_high.safetensors": "high",
	})
	if !bytes.Equal(raw, ZipArchive(t, map[string]string{"a_high.safetensors": "high", "b_low.safetensors": "low"})) {
		t.Fatalf("expected byte-stable zip fixture")
	}
	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open zip fixture: %v", err)
	}
	if len(reader.File) != 2 || reader.File[0].Name != "a_high.safetensors" {
		t.Fatalf("unexpected zip entries: %d", len(reader.File))
	}
	entry, err := reader.File[0].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer func() { _ = entry.Close() }()
	content, err := io.ReadAll(entry)
	if err != nil || string(content) != "high" {
		t.Fatalf("unexpected entry content %q: %v", content, err)
	}
}

func TestFormatJSON(t *testing.T) {
	formatted := FormatJSON([]byte(`{"ok":true}`))
	if !strings.Contains(formatted, "\"ok\": true") {
		t.Fatalf("expected pretty-printed json, got=%q", formatted)
	}

	raw := "not-json"
	if got := FormatJSON([]byte(raw)); got != raw {
		t.Fatalf("expected raw passthrough for invalid json, got=%q", got)
	}
}

func TestCommandExitCode(t *testing.T) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("cmd", "/c", "exit 7")
	} else {
		cmd = exec.Command("sh", "-c", "exit 7")
	}
	err := cmd.Run()
	if err == nil {
		t.Fatalf("expected command to fail")
	}
	if code := CommandExitCode(t, err); code != 7 {
		t.Fatalf("unexpected exit code: got=%d want=7", code)
	}
}
