package source

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
)

// HubProvider fetches path-addressed files from a model hub and keeps them in
// a cache directory that survives between runs.
type HubProvider struct {
	BaseURL    string
	Revision   string
	CacheDir   string
	Downloader *Downloader
}

func (p *HubProvider) Name() string {
	return ProviderHub
}

func (p *HubProvider) Resolve(ctx context.Context, location Location, _ string) (Payload, error) {
	repository, filePath, err := normalizeHubLocation(location)
	if err != nil {
		return Payload{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "hub_location_invalid", "use <org>/<name> and a relative file path", false)
	}
	if strings.TrimSpace(p.CacheDir) == "" {
		return Payload{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "cache_dir_required", "set fetch.cache_dir", "hub provider requires a cache directory")
	}
	revision := p.revision()
	cachePath := p.CachePath(repository, revision, filePath)
	if info, err := os.Stat(cachePath); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
		return Payload{LocalPath: cachePath, Cached: true}, nil
	}
	if p.Downloader == nil {
		return Payload{}, coreerrors.Newf(coreerrors.CategoryInternalFailure, "downloader_missing", "", "hub provider has no downloader")
	}
	payload, err := p.Downloader.Download(ctx, p.URL(repository, revision, filePath), cachePath)
	if err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// URL builds <base>/<repo>/resolve/<revision>/<path> with escaped segments.
func (p *HubProvider) URL(repository string, revision string, filePath string) string {
	segments := strings.Split(filePath, "/")
	for index, segment := range segments {
		segments[index] = url.PathEscape(segment)
	}
	return strings.TrimRight(p.BaseURL, "/") + "/" + repository + "/resolve/" + url.PathEscape(revision) + "/" + strings.Join(segments, "/")
}

// CachePath mirrors the hub cache layout: models--<org>--<name>/snapshots/<revision>/<path>.
func (p *HubProvider) CachePath(repository string, revision string, filePath string) string {
	folder := "models--" + strings.ReplaceAll(repository, "/", "--")
	return filepath.Join(p.CacheDir, folder, "snapshots", revision, filepath.FromSlash(filePath))
}

func (p *HubProvider) revision() string {
	if strings.TrimSpace(p.Revision) == "" {
		return "main"
	}
	return strings.TrimSpace(p.Revision)
}

func normalizeHubLocation(location Location) (string, string, error) {
	repository := strings.Trim(strings.TrimSpace(location.Repository), "/")
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] == ".." || parts[1] == ".." {
		return "", "", fmt.Errorf("hub repository must be <org>/<name>: %q", location.Repository)
	}
	filePath := path.Clean(strings.TrimLeft(strings.TrimSpace(location.Path), "/"))
	if filePath == "." || !filepath.IsLocal(filepath.FromSlash(filePath)) {
		return "", "", fmt.Errorf("hub path must be a relative file path: %q", location.Path)
	}
	return repository, filePath, nil
}
