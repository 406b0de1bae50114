package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
)

func TestHubProviderDownloadsIntoCacheThenReuses(t *testing.T) {
	var hits atomic.Int32
	var requestedPath atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		hits.Add(1)
		requestedPath.Store(request.URL.EscapedPath())
		_, _ = writer.Write([]byte("gguf-weights"))
	}))
	defer server.Close()

	cacheDir := t.TempDir()
	provider := &HubProvider{BaseURL: server.URL + "/", CacheDir: cacheDir, Downloader: newTestDownloader()}
	location := Location{
		Repository: "Comfy-Org/Wan_2.2_ComfyUI_Repackaged",
		Path:       "split_files/gguf/Wan2.2-T2V-A14B-LowNoise-Q8_0.gguf",
	}

	payload, err := provider.Resolve(context.Background(), location, "")
	require.NoError(t, err)
	require.False(t, payload.Cached)
	require.False(t, payload.Ephemeral)
	require.Equal(t, "/Comfy-Org/Wan_2.2_ComfyUI_Repackaged/resolve/main/split_files/gguf/Wan2.2-T2V-A14B-LowNoise-Q8_0.gguf", requestedPath.Load())
	require.Equal(t, filepath.Join(cacheDir, "models--Comfy-Org--Wan_2.2_ComfyUI_Repackaged", "snapshots", "main", "split_files", "gguf", "Wan2.2-T2V-A14B-LowNoise-Q8_0.gguf"), payload.LocalPath)

	again, err := provider.Resolve(context.Background(), location, "")
	require.NoError(t, err)
	require.True(t, again.Cached)
	require.Equal(t, payload.LocalPath, again.LocalPath)
	require.Equal(t, int32(1), hits.Load())
}

func TestHubProviderRejectsBadLocations(t *testing.T) {
	provider := &HubProvider{BaseURL: "https://hub.example.com", CacheDir: t.TempDir(), Downloader: newTestDownloader()}
	cases := []Location{
		{Repository: "no-slash", Path: "file.safetensors"},
		{Repository: "org/name/extra", Path: "file.safetensors"},
		{Repository: "org/name", Path: "../escape.safetensors"},
		{Repository: "org/name", Path: ""},
	}
	for _, location := range cases {
		_, err := provider.Resolve(context.Background(), location, "")
		require.Error(t, err, location)
		require.Equal(t, coreerrors.CategoryInvalidInput, coreerrors.CategoryOf(err))
	}

	noCache := &HubProvider{BaseURL: "https://hub.example.com", Downloader: newTestDownloader()}
	_, err := noCache.Resolve(context.Background(), Location{Repository: "org/name", Path: "a.gguf"}, "")
	require.Error(t, err)
}

func TestHubProviderURLEscapesSegments(t *testing.T) {
	provider := &HubProvider{BaseURL: "https://hub.example.com"}
	require.Equal(t,
		"https://hub.example.com/org/name/resolve/v1%201/dir/a%20b.gguf",
		provider.URL("org/name", "v1 1", "dir/a b.gguf"))
}

func TestMarketProviderDownloadsEphemeralPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		require.Equal(t, "/api/download/models/2180477", request.URL.Path)
		_, _ = writer.Write([]byte("lora"))
	}))
	defer server.Close()

	workDir := t.TempDir()
	provider := &MarketProvider{BaseURL: server.URL, Downloader: newTestDownloader()}
	payload, err := provider.Resolve(context.Background(), Location{Provider: ProviderMarket, Path: "2180477"}, workDir)
	require.NoError(t, err)
	require.True(t, payload.Ephemeral)
	require.Equal(t, filepath.Join(workDir, ".2180477.download"), payload.LocalPath)
	require.Equal(t, "https://civitai.com/models?modelVersionId=7", (&MarketProvider{BaseURL: "https://civitai.com/"}).ManualURL("7"))
}

func TestMarketProviderRejectsNonNumericVersion(t *testing.T) {
	provider := &MarketProvider{BaseURL: "https://market.example.com", Downloader: newTestDownloader()}
	_, err := provider.Resolve(context.Background(), Location{Provider: ProviderMarket, Path: "12a"}, t.TempDir())
	require.Error(t, err)
	require.Equal(t, "market_version_invalid", coreerrors.CodeOf(err))

	_, err = provider.Resolve(context.Background(), Location{Provider: ProviderMarket, Path: "12"}, "")
	require.Error(t, err)
}

func TestFileProvider(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "seed.gguf"), []byte("seed"), 0o600))
	provider := &FileProvider{BaseDir: baseDir}

	payload, err := provider.Resolve(context.Background(), Location{Provider: ProviderFile, Path: "seed.gguf"}, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(baseDir, "seed.gguf"), payload.LocalPath)
	require.False(t, payload.Ephemeral)

	_, err = provider.Resolve(context.Background(), Location{Provider: ProviderFile, Path: "missing.gguf"}, "")
	require.Equal(t, coreerrors.CategoryDependencyMissing, coreerrors.CategoryOf(err))

	_, err = provider.Resolve(context.Background(), Location{Provider: ProviderFile, Path: baseDir}, "")
	require.Error(t, err)
}
