package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davidahmann/modelstage/core/launch"
	"github.com/davidahmann/modelstage/internal/testutil"
)

type stagingFixture struct {
	workDir    string
	configPath string
	layoutRoot string
}

func newStagingFixture(t *testing.T) stagingFixture {
	t.Helper()
	archive := testutil.ZipArchive(t, map[string]string{
		"foo_high_noise_v1.safetensors": "high",
		"foo_low_noise_v1.safetensors":  "low",
	})
	routes := map[string][]byte{
		"/org/backup/resolve/main/low.gguf":     []byte("gguf-low"),
		"/org/vae/resolve/main/vae.safetensors": []byte("vae"),
		"/api/download/models/77":               archive,
		"/api/download/models/42":               []byte("lora"),
	}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if !strings.HasPrefix(request.Header.Get("User-Agent"), "Mozilla/5.0") {
			writer.WriteHeader(http.StatusForbidden)
			return
		}
		body, ok := routes[request.URL.Path]
		if !ok {
			http.NotFound(writer, request)
			return
		}
		if bytes.HasPrefix(body, []byte("PK")) {
			writer.Header().Set("Content-Disposition", `attachment; filename="wan_pair.zip"`)
		}
		_, _ = writer.Write(body)
	}))
	t.Cleanup(server.Close)

	workDir := t.TempDir()
	layoutRoot := filepath.Join(workDir, "models")
	config := strings.Join([]string{
		"layout:",
		"  root: " + layoutRoot,
		"fetch:",
		"  cache_dir: " + filepath.Join(workDir, "cache"),
		"  allow_insecure_http: true",
		"hub:",
		"  base_url: " + server.URL,
		"market:",
		"  base_url: " + server.URL,
		"",
	}, "\n")
	configPath := filepath.Join(workDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(config), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return stagingFixture{workDir: workDir, configPath: configPath, layoutRoot: layoutRoot}
}

const stagingManifest = `schema_id: modelstage.manifest
schema_version: "1.0.0"
name: fixture
assets:
  - name: unet-low
    kind: hub
    dir: unet
    sources:
      - repository: org/primary
        path: split/low.gguf
      - repository: org/backup
        path: low.gguf
  - name: vae
    kind: hub
    dir: vae
    required: true
    sources:
      - repository: org/vae
        path: vae.safetensors
  - name: pair
    kind: archive
    dir: loras
    alias: wan-pair
    sources:
      - path: "77"
  - name: gone
    kind: market
    dir: loras
    target: gone.safetensors
    sources:
      - path: "404"
`

func decodeOutput(t *testing.T, raw string) map[string]any {
	t.Helper()
	var output map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &output); err != nil {
		t.Fatalf("decode output: %v\n%s", err, raw)
	}
	return output
}

func TestProvisionCommand(t *testing.T) {
	fixture := newStagingFixture(t)
	manifestPath := filepath.Join(fixture.workDir, "manifest.yaml")
	if err := os.WriteFile(manifestPath, []byte(stagingManifest), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	reportPath := filepath.Join(fixture.workDir, "out", "report.json")

	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "provision", "--config", fixture.configPath, "--manifest", manifestPath, "--report", reportPath, "--json"})
	})
	if code != exitOK {
		t.Fatalf("provision: expected %d got %d: %s", exitOK, code, raw)
	}
	output := decodeOutput(t, raw)
	if output["ok"] != true {
		t.Fatalf("expected ok output: %s", raw)
	}
	report, _ := output["report"].(map[string]any)
	if report["status"] != "partial" {
		t.Fatalf("expected partial status: %v", report["status"])
	}
	if _, err := os.Stat(reportPath); err != nil {
		t.Fatalf("expected report file: %v", err)
	}
	for _, name := range []string{"unet/low.gguf", "vae/vae.safetensors", "loras/wan-pair-HIGH.safetensors", "loras/wan-pair-LOW.safetensors"} {
		if _, err := os.Stat(filepath.Join(fixture.layoutRoot, filepath.FromSlash(name))); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
}

func TestProvisionCommandRequiredMissing(t *testing.T) {
	fixture := newStagingFixture(t)
	manifestPath := filepath.Join(fixture.workDir, "manifest.yaml")
	broken := strings.Replace(stagingManifest, "org/vae", "org/missing", 1)
	if err := os.WriteFile(manifestPath, []byte(broken), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "provision", "--config", fixture.configPath, "--manifest", manifestPath, "--json"})
	})
	if code != exitProvisionIncomplete {
		t.Fatalf("provision: expected %d got %d: %s", exitProvisionIncomplete, code, raw)
	}
	output := decodeOutput(t, raw)
	if output["error_code"] != "required_missing" {
		t.Fatalf("unexpected error code: %v", output["error_code"])
	}
}

func TestProvisionCommandRejectsBadInput(t *testing.T) {
	fixture := newStagingFixture(t)
	if code := run([]string{"modelstage", "provision", "--config", fixture.configPath, "--manifest", "a.yaml", "--builtin", "wan22"}); code != exitInvalidInput {
		t.Fatalf("conflicting flags: expected %d got %d", exitInvalidInput, code)
	}
	if code := run([]string{"modelstage", "provision", "--config", filepath.Join(fixture.workDir, "missing.yaml")}); code != exitInvalidInput {
		t.Fatalf("missing explicit config: expected %d got %d", exitInvalidInput, code)
	}
	if code := run([]string{"modelstage", "provision", "--config", fixture.configPath, "--link-mode", "hardlink"}); code != exitInvalidInput {
		t.Fatalf("bad link mode: expected %d got %d", exitInvalidInput, code)
	}
}

func TestFetchCommandFallsBack(t *testing.T) {
	fixture := newStagingFixture(t)
	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "fetch", "--config", fixture.configPath, "--dir", "unet", "--target", "low.gguf",
			"--sources", "org/primary/split/low.gguf,org/backup/low.gguf", "--link-mode", "copy", "--json"})
	})
	if code != exitOK {
		t.Fatalf("fetch: expected %d got %d: %s", exitOK, code, raw)
	}
	output := decodeOutput(t, raw)
	if output["fallback_used"] != true || output["source"] != "org/backup/low.gguf" || output["placement"] != "copy" {
		t.Fatalf("unexpected fetch output: %s", raw)
	}
	content, err := os.ReadFile(filepath.Join(fixture.layoutRoot, "unet", "low.gguf"))
	if err != nil || string(content) != "gguf-low" {
		t.Fatalf("unexpected fetched content %q: %v", content, err)
	}
}

func TestFetchCommandExhausted(t *testing.T) {
	fixture := newStagingFixture(t)
	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "fetch", "--config", fixture.configPath, "--dir", "vae", "--sources", "org/none/a.bin,market:404", "--json"})
	})
	if code != exitNetworkFailure {
		t.Fatalf("fetch: expected %d got %d: %s", exitNetworkFailure, code, raw)
	}
	output := decodeOutput(t, raw)
	if output["error_code"] != "sources_exhausted" {
		t.Fatalf("unexpected error code: %s", raw)
	}
	attempts, _ := output["attempts"].([]any)
	if len(attempts) != 2 {
		t.Fatalf("expected two attempts: %s", raw)
	}
}

func TestFetchCommandInvalidInput(t *testing.T) {
	fixture := newStagingFixture(t)
	if code := run([]string{"modelstage", "fetch", "--config", fixture.configPath, "--dir", "vae"}); code != exitInvalidInput {
		t.Fatalf("missing sources: expected %d got %d", exitInvalidInput, code)
	}
	if code := run([]string{"modelstage", "fetch", "--config", fixture.configPath, "--dir", "checkpoints", "--sources", "org/a/b.bin"}); code != exitInvalidInput {
		t.Fatalf("unknown dir: expected %d got %d", exitInvalidInput, code)
	}
}

func TestArchiveCommand(t *testing.T) {
	fixture := newStagingFixture(t)
	dest := filepath.Join(fixture.workDir, "out")
	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "archive", "--config", fixture.configPath, "--alias", "alias", "--sources", "market:404,market:77", "--dest", dest, "--json"})
	})
	if code != exitOK {
		t.Fatalf("archive: expected %d got %d: %s", exitOK, code, raw)
	}
	output := decodeOutput(t, raw)
	if output["archive"] != true || output["source"] != "market:77" || output["fallback_used"] != true {
		t.Fatalf("unexpected archive output: %s", raw)
	}
	if output["declared_filename"] != "wan_pair.zip" {
		t.Fatalf("expected declared filename: %s", raw)
	}
	high, err := os.ReadFile(filepath.Join(dest, "alias-HIGH.safetensors"))
	if err != nil || string(high) != "high" {
		t.Fatalf("unexpected HIGH content %q: %v", high, err)
	}
	if _, err := os.Stat(filepath.Join(dest, ".77.download")); !os.IsNotExist(err) {
		t.Fatalf("expected archive to be removed, stat err=%v", err)
	}
}

func TestArchiveCommandFailures(t *testing.T) {
	fixture := newStagingFixture(t)
	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "archive", "--config", fixture.configPath, "--alias", "alias", "--sources", "market:404", "--json"})
	})
	if code != exitNetworkFailure {
		t.Fatalf("archive: expected %d got %d: %s", exitNetworkFailure, code, raw)
	}
	if code := run([]string{"modelstage", "archive", "--config", fixture.configPath, "--sources", "market:1"}); code != exitInvalidInput {
		t.Fatalf("missing alias: expected %d got %d", exitInvalidInput, code)
	}
}

func TestArchiveCommandSourcesExhausted(t *testing.T) {
	fixture := newStagingFixture(t)
	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "archive", "--config", fixture.configPath, "--alias", "alias",
			"--sources", "market:404,market:405", "--dest", filepath.Join(fixture.workDir, "out"), "--json"})
	})
	if code != exitNetworkFailure {
		t.Fatalf("archive: expected %d got %d: %s", exitNetworkFailure, code, raw)
	}
	output := decodeOutput(t, raw)
	if output["error_code"] != "sources_exhausted" || output["error_category"] != "network_permanent" {
		t.Fatalf("unexpected archive error: %s", raw)
	}
}

func TestClassifyCommand(t *testing.T) {
	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "classify", "b.safetensors", "a.safetensors", "--json"})
	})
	if code != exitOK {
		t.Fatalf("classify: expected %d got %d", exitOK, code)
	}
	output := decodeOutput(t, raw)
	if output["high"] != "a.safetensors" || output["low"] != "b.safetensors" {
		t.Fatalf("unexpected classify output: %s", raw)
	}

	raw = captureStdout(t, func() {
		code = run([]string{"modelstage", "classify", "--json"})
	})
	if code != exitNoPayload {
		t.Fatalf("classify empty: expected %d got %d", exitNoPayload, code)
	}
	if decodeOutput(t, raw)["error_category"] != "no_payload" {
		t.Fatalf("unexpected classify error: %s", raw)
	}
}

func TestManifestInitAndValidate(t *testing.T) {
	workDir := t.TempDir()
	withWorkingDir(t, workDir)

	if code := run([]string{"modelstage", "manifest", "init"}); code != exitOK {
		t.Fatalf("manifest init: expected %d got %d", exitOK, code)
	}
	if code := run([]string{"modelstage", "manifest", "init"}); code != exitInvalidInput {
		t.Fatalf("manifest init existing: expected %d got %d", exitInvalidInput, code)
	}
	if code := run([]string{"modelstage", "manifest", "init", "--force"}); code != exitOK {
		t.Fatalf("manifest init force: expected %d got %d", exitOK, code)
	}

	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "manifest", "validate", defaultManifestPath, "--json"})
	})
	if code != exitOK {
		t.Fatalf("manifest validate: expected %d got %d: %s", exitOK, code, raw)
	}
	output := decodeOutput(t, raw)
	if output["name"] != "wan22" || output["assets"] != float64(7) || output["required"] != float64(3) {
		t.Fatalf("unexpected validate output: %s", raw)
	}

	if err := os.WriteFile("broken.yaml", []byte("name: x\n"), 0o600); err != nil {
		t.Fatalf("write broken manifest: %v", err)
	}
	if code := run([]string{"modelstage", "manifest", "validate", "broken.yaml"}); code != exitInvalidInput {
		t.Fatalf("manifest validate broken: expected %d got %d", exitInvalidInput, code)
	}
	if code := run([]string{"modelstage", "manifest", "validate", "--builtin", "nope"}); code != exitInvalidInput {
		t.Fatalf("manifest validate unknown builtin: expected %d got %d", exitInvalidInput, code)
	}
}

func TestDoctorCommand(t *testing.T) {
	fixture := newStagingFixture(t)
	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "doctor", "--config", fixture.configPath, "--json"})
	})
	if code != exitOK {
		t.Fatalf("doctor: expected %d got %d: %s", exitOK, code, raw)
	}
	output := decodeOutput(t, raw)
	if output["status"] == "fail" {
		t.Fatalf("unexpected doctor failure: %s", raw)
	}

	broken := filepath.Join(fixture.workDir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("name: x\n"), 0o600); err != nil {
		t.Fatalf("write broken manifest: %v", err)
	}
	if code := run([]string{"modelstage", "doctor", "--config", fixture.configPath, "--manifest", broken, "--json"}); code != exitMissingDependency {
		t.Fatalf("doctor broken manifest: expected %d got %d", exitMissingDependency, code)
	}
}

type stubProcess struct{}

func (stubProcess) Wait() error { return nil }
func (stubProcess) Kill() error { return nil }
func (stubProcess) PID() int    { return 99 }

func TestLaunchCommand(t *testing.T) {
	var gotArgv []string
	launchStarter = func(_ context.Context, _ string, argv []string, _ io.Writer, _ io.Writer) (launch.Process, error) {
		gotArgv = argv
		return stubProcess{}, nil
	}
	t.Cleanup(func() {
		launchStarter = nil
	})
	fixture := newStagingFixture(t)

	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "launch", "--config", fixture.configPath, "--port", "8188", "--json"})
	})
	if code != exitOK {
		t.Fatalf("launch: expected %d got %d: %s", exitOK, code, raw)
	}
	want := "comfy launch -- --listen 0.0.0.0 --port 8188"
	if strings.Join(gotArgv, " ") != want {
		t.Fatalf("unexpected argv: %v", gotArgv)
	}

	if code := run([]string{"modelstage", "launch", "--config", fixture.configPath, "--startup-timeout", "nope"}); code != exitInvalidInput {
		t.Fatalf("bad timeout: expected %d got %d", exitInvalidInput, code)
	}
}

func TestLaunchCommandDetachOutlivesCommand(t *testing.T) {
	var startedCtx context.Context
	launchStarter = func(ctx context.Context, _ string, _ []string, _ io.Writer, _ io.Writer) (launch.Process, error) {
		startedCtx = ctx
		return stubProcess{}, nil
	}
	t.Cleanup(func() {
		launchStarter = nil
	})
	fixture := newStagingFixture(t)

	var code int
	raw := captureStdout(t, func() {
		code = run([]string{"modelstage", "launch", "--config", fixture.configPath, "--detach", "--json"})
	})
	if code != exitOK {
		t.Fatalf("launch: expected %d got %d: %s", exitOK, code, raw)
	}
	if startedCtx == nil {
		t.Fatal("expected the starter to run")
	}
	if err := startedCtx.Err(); err != nil {
		t.Fatalf("detached server context ended with the command: %v", err)
	}
}
