package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
)

// FileProvider serves files already present on local disk, for air-gapped
// hosts or pre-seeded volumes.
type FileProvider struct {
	BaseDir string
}

func (p *FileProvider) Name() string {
	return ProviderFile
}

func (p *FileProvider) Resolve(_ context.Context, location Location, _ string) (Payload, error) {
	filePath := strings.TrimSpace(location.Path)
	if filePath == "" {
		return Payload{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "file_path_required", "", "file source path is required")
	}
	if !filepath.IsAbs(filePath) && p.BaseDir != "" {
		filePath = filepath.Join(p.BaseDir, filePath)
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return Payload{}, coreerrors.Wrap(fmt.Errorf("stat file source: %w", err), coreerrors.CategoryDependencyMissing, "file_source_missing", "place the file at the given path", false)
	}
	if !info.Mode().IsRegular() {
		return Payload{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "file_source_not_regular", "", "file source is not a regular file: %s", filePath)
	}
	return Payload{LocalPath: filePath}, nil
}
