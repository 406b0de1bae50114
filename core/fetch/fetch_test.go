package fetch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
	"github.com/davidahmann/modelstage/core/fsx"
	"github.com/davidahmann/modelstage/core/logging"
	"github.com/davidahmann/modelstage/core/source"
)

// stubProvider serves repository/path pairs from an in-memory table and
// records every call in order.
type stubProvider struct {
	name      string
	dir       string
	files     map[string]string
	ephemeral bool
	calls     []string
}

func (p *stubProvider) Name() string {
	return p.name
}

func (p *stubProvider) Resolve(_ context.Context, location source.Location, workDir string) (source.Payload, error) {
	key := location.String()
	p.calls = append(p.calls, key)
	content, ok := p.files[key]
	if !ok {
		return source.Payload{}, errors.New("404 not found")
	}
	dir := p.dir
	if p.ephemeral {
		dir = workDir
	}
	path := filepath.Join(dir, filepath.Base(location.Path)+".blob")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return source.Payload{}, err
	}
	return source.Payload{LocalPath: path, Ephemeral: p.ephemeral}, nil
}

func TestFetchFallsBackInOrder(t *testing.T) {
	hub := &stubProvider{name: source.ProviderHub, dir: t.TempDir(), files: map[string]string{
		"Phr00t/WAN2.2-14B-Rapid-AllInOne/Wan2.2-T2V-A14B-HighNoise-Q8_0.gguf": "high-weights",
	}}
	var logs bytes.Buffer
	fetcher := &Fetcher{Providers: source.NewRegistry(hub), Logger: logging.NewConsole(&logs)}
	targetDir := t.TempDir()

	result, err := fetcher.Fetch(context.Background(), AssetSpec{
		Name: "high",
		Locations: []source.Location{
			{Repository: "Comfy-Org/Wan_2.2_ComfyUI_Repackaged", Path: "split_files/gguf/Wan2.2-T2V-A14B-HighNoise-Q8_0.gguf"},
			{Repository: "Phr00t/WAN2.2-14B-Rapid-AllInOne", Path: "Wan2.2-T2V-A14B-HighNoise-Q8_0.gguf"},
			{Repository: "never/tried", Path: "x.gguf"},
		},
		TargetDir:  targetDir,
		TargetName: "Wan2.2-T2V-A14B-HighNoise-Q8_0.gguf",
	})
	require.NoError(t, err)
	require.True(t, result.FallbackUsed)
	require.Len(t, result.Attempts, 2)
	require.NotEmpty(t, result.Attempts[0].Error)
	require.Empty(t, result.Attempts[1].Error)
	require.Equal(t, []string{
		"Comfy-Org/Wan_2.2_ComfyUI_Repackaged/split_files/gguf/Wan2.2-T2V-A14B-HighNoise-Q8_0.gguf",
		"Phr00t/WAN2.2-14B-Rapid-AllInOne/Wan2.2-T2V-A14B-HighNoise-Q8_0.gguf",
	}, hub.calls)

	content, err := os.ReadFile(result.Target)
	require.NoError(t, err)
	require.Equal(t, "high-weights", string(content))
	require.Contains(t, logs.String(), "✖ Fallback: Comfy-Org/Wan_2.2_ComfyUI_Repackaged/")
	require.Contains(t, logs.String(), "✔ Downloaded Wan2.2-T2V-A14B-HighNoise-Q8_0.gguf from Phr00t/")
}

func TestFetchFallbackOrderDoesNotChangeOutput(t *testing.T) {
	files := map[string]string{"good/repo/model.gguf": "weights"}
	good := source.Location{Repository: "good/repo", Path: "model.gguf"}
	bad := source.Location{Repository: "bad/repo", Path: "model.gguf"}

	read := func(locations []source.Location) string {
		hub := &stubProvider{name: source.ProviderHub, dir: t.TempDir(), files: files}
		fetcher := &Fetcher{Providers: source.NewRegistry(hub), LinkMode: fsx.LinkModeCopy}
		targetDir := t.TempDir()
		result, err := fetcher.Fetch(context.Background(), AssetSpec{Name: "m", Locations: locations, TargetDir: targetDir, TargetName: "model.gguf"})
		require.NoError(t, err)
		require.Equal(t, filepath.Join(targetDir, "model.gguf"), result.Target)
		content, err := os.ReadFile(result.Target)
		require.NoError(t, err)
		return string(content)
	}

	require.Equal(t, read([]source.Location{good}), read([]source.Location{bad, good}))
}

func TestFetchAllLocationsFail(t *testing.T) {
	hub := &stubProvider{name: source.ProviderHub, dir: t.TempDir(), files: map[string]string{}}
	fetcher := &Fetcher{Providers: source.NewRegistry(hub)}
	targetDir := t.TempDir()

	result, err := fetcher.Fetch(context.Background(), AssetSpec{
		Name:       "low",
		Locations:  []source.Location{{Repository: "a/b", Path: "x.gguf"}, {Provider: "s3", Path: "bucket/x.gguf"}},
		TargetDir:  targetDir,
		TargetName: "x.gguf",
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSourcesExhausted))
	require.Equal(t, coreerrors.CategoryNetworkPermanent, coreerrors.CategoryOf(err))
	require.Len(t, result.Attempts, 2)
	require.Len(t, hub.calls, 1)
	_, statErr := os.Lstat(filepath.Join(targetDir, "x.gguf"))
	require.True(t, os.IsNotExist(statErr))
}

func TestFetchMovesEphemeralPayload(t *testing.T) {
	market := &stubProvider{name: source.ProviderMarket, ephemeral: true, files: map[string]string{"market:2006914": "lora"}}
	fetcher := &Fetcher{Providers: source.NewRegistry(market)}
	targetDir := t.TempDir()

	result, err := fetcher.Fetch(context.Background(), AssetSpec{
		Name:       "l3n0v0",
		Locations:  []source.Location{{Provider: source.ProviderMarket, Path: "2006914"}},
		TargetDir:  targetDir,
		TargetName: "l3n0v0.safetensors",
	})
	require.NoError(t, err)
	require.Equal(t, "move", result.Placement)
	entries, err := os.ReadDir(targetDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "l3n0v0.safetensors", entries[0].Name())
}

func TestFetchRejectsInvalidSpec(t *testing.T) {
	fetcher := &Fetcher{Providers: source.NewRegistry()}
	cases := []AssetSpec{
		{Name: "a", TargetName: "a.gguf", Locations: []source.Location{{Path: "p"}}},
		{Name: "a", TargetDir: t.TempDir(), TargetName: "../a.gguf", Locations: []source.Location{{Path: "p"}}},
		{Name: "a", TargetDir: t.TempDir(), TargetName: "a.gguf"},
	}
	for _, spec := range cases {
		_, err := fetcher.Fetch(context.Background(), spec)
		require.Error(t, err)
		require.Equal(t, coreerrors.CategoryInvalidInput, coreerrors.CategoryOf(err))
	}
}

func TestFetchStopsOnCanceledContext(t *testing.T) {
	hub := &stubProvider{name: source.ProviderHub, dir: t.TempDir(), files: map[string]string{"a/b/x.gguf": "x"}}
	fetcher := &Fetcher{Providers: source.NewRegistry(hub)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fetcher.Fetch(ctx, AssetSpec{Name: "x", Locations: []source.Location{{Repository: "a/b", Path: "x.gguf"}}, TargetDir: t.TempDir(), TargetName: "x.gguf"})
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
	require.Empty(t, hub.calls)
}
