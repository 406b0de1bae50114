package zipx

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/modelstage/internal/testutil"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, testutil.ZipArchive(t, files), 0o600))
}

func TestHasSignature(t *testing.T) {
	require.True(t, HasSignature([]byte("PK\x03\x04rest")))
	require.False(t, HasSignature([]byte("PK\x05\x06")))
	require.False(t, HasSignature([]byte("PK")))
	require.False(t, HasSignature(nil))
	require.False(t, HasSignature([]byte("GGUF\x03\x00")))
}

func TestIsZipFile(t *testing.T) {
	workDir := t.TempDir()

	archivePath := filepath.Join(workDir, "bundle.zip")
	writeZip(t, archivePath, map[string]string{"a.safetensors": "a"})
	isZip, err := IsZipFile(archivePath)
	require.NoError(t, err)
	require.True(t, isZip)

	rawPath := filepath.Join(workDir, "raw.safetensors")
	require.NoError(t, os.WriteFile(rawPath, []byte{0x08, 0x00, 0x00, 0x00, '{'}, 0o600))
	isZip, err = IsZipFile(rawPath)
	require.NoError(t, err)
	require.False(t, isZip)

	shortPath := filepath.Join(workDir, "short")
	require.NoError(t, os.WriteFile(shortPath, []byte("PK"), 0o600))
	isZip, err = IsZipFile(shortPath)
	require.NoError(t, err)
	require.False(t, isZip)

	_, err = IsZipFile(filepath.Join(workDir, "missing"))
	require.Error(t, err)
}

func TestExtractMatchingFiltersAndKeepsFolders(t *testing.T) {
	workDir := t.TempDir()
	archivePath := filepath.Join(workDir, "bundle.zip")
	writeZip(t, archivePath, map[string]string{
		"nested/foo_low_noise_v1.safetensors": "low",
		"foo_high_noise_v1.SAFETENSORS":       "high",
		"README.md":                           "notes",
	})
	destDir := filepath.Join(workDir, "out")
	require.NoError(t, os.MkdirAll(destDir, 0o750))

	extracted, err := ExtractMatching(archivePath, destDir, ".safetensors")
	require.NoError(t, err)
	require.Len(t, extracted, 2)
	require.Equal(t, "foo_high_noise_v1.SAFETENSORS", extracted[0].BaseName)
	require.Equal(t, "foo_low_noise_v1.safetensors", extracted[1].BaseName)
	require.Equal(t, "nested/foo_low_noise_v1.safetensors", extracted[1].Name)
	require.Equal(t, filepath.Join(destDir, "nested", "foo_low_noise_v1.safetensors"), extracted[1].Path)

	content, err := os.ReadFile(extracted[1].Path)
	require.NoError(t, err)
	require.Equal(t, "low", string(content))
	_, err = os.Stat(filepath.Join(destDir, "README.md"))
	require.True(t, os.IsNotExist(err))
}

func TestExtractMatchingKeepsSameNamedEntriesApart(t *testing.T) {
	workDir := t.TempDir()
	archivePath := filepath.Join(workDir, "bundle.zip")
	writeZip(t, archivePath, map[string]string{
		"high/model.safetensors": "HIGH-BYTES",
		"low/model.safetensors":  "LOW-BYTES",
	})

	extracted, err := ExtractMatching(archivePath, filepath.Join(workDir, "out"), ".safetensors")
	require.NoError(t, err)
	require.Len(t, extracted, 2)
	require.Equal(t, "high/model.safetensors", extracted[0].Name)
	require.Equal(t, "low/model.safetensors", extracted[1].Name)
	for index, want := range []string{"HIGH-BYTES", "LOW-BYTES"} {
		content, err := os.ReadFile(extracted[index].Path)
		require.NoError(t, err)
		require.Equal(t, want, string(content))
	}
}

func TestExtractMatchingRejectsTraversal(t *testing.T) {
	workDir := t.TempDir()
	archivePath := filepath.Join(workDir, "evil.zip")

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entry, err := zw.Create("../escape.safetensors")
	require.NoError(t, err)
	_, err = entry.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(archivePath, buf.Bytes(), 0o600))

	_, err = ExtractMatching(archivePath, filepath.Join(workDir, "out"), ".safetensors")
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(workDir, "escape.safetensors"))
	require.True(t, os.IsNotExist(statErr))
}

func TestExtractMatchingNotAZip(t *testing.T) {
	workDir := t.TempDir()
	rawPath := filepath.Join(workDir, "raw.bin")
	require.NoError(t, os.WriteFile(rawPath, []byte("PK\x03\x04garbage"), 0o600))
	_, err := ExtractMatching(rawPath, workDir, ".safetensors")
	require.Error(t, err)
}
