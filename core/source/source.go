// Package source resolves asset locations on the model hub, the model
// marketplace or the local filesystem into local files.
package source

import (
	"context"
	"mime"
	"strings"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
)

const (
	ProviderHub    = "hub"
	ProviderMarket = "market"
	ProviderFile   = "file"
)

type Location struct {
	Provider   string
	Repository string
	Path       string
}

func (l Location) ProviderName() string {
	provider := strings.ToLower(strings.TrimSpace(l.Provider))
	if provider == "" {
		return ProviderHub
	}
	return provider
}

func (l Location) String() string {
	switch l.ProviderName() {
	case ProviderMarket:
		return "market:" + l.Path
	case ProviderFile:
		return "file:" + l.Path
	default:
		return strings.Trim(l.Repository, "/") + "/" + strings.TrimLeft(l.Path, "/")
	}
}

// ParseLocation reads the command-line form of a location: "market:<id>",
// "file:<path>", or "[hub:]<org>/<name>/<path>".
func ParseLocation(value string) (Location, error) {
	trimmed := strings.TrimSpace(value)
	if provider, rest, ok := strings.Cut(trimmed, ":"); ok {
		switch strings.ToLower(provider) {
		case ProviderMarket:
			return Location{Provider: ProviderMarket, Path: strings.TrimSpace(rest)}, nil
		case ProviderFile:
			return Location{Provider: ProviderFile, Path: strings.TrimSpace(rest)}, nil
		case ProviderHub:
			trimmed = strings.TrimSpace(rest)
		}
	}
	parts := strings.SplitN(strings.Trim(trimmed, "/"), "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Location{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "location_invalid", "use <org>/<name>/<path>, market:<id> or file:<path>", "invalid source location %q", value)
	}
	return Location{Provider: ProviderHub, Repository: parts[0] + "/" + parts[1], Path: parts[2]}, nil
}

// Payload is one retrieved file. Ephemeral payloads belong to the caller and
// should be moved into place; the rest live in a cache and may be linked.
type Payload struct {
	LocalPath          string
	ContentType        string
	ContentDisposition string
	Cached             bool
	Ephemeral          bool
}

// DispositionFilename returns the filename declared by Content-Disposition.
func (p Payload) DispositionFilename() string {
	if strings.TrimSpace(p.ContentDisposition) == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(p.ContentDisposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

type Provider interface {
	Name() string
	Resolve(ctx context.Context, location Location, workDir string) (Payload, error)
}

type Registry map[string]Provider

func NewRegistry(providers ...Provider) Registry {
	registry := make(Registry, len(providers))
	for _, provider := range providers {
		registry[provider.Name()] = provider
	}
	return registry
}

func (r Registry) Lookup(name string) (Provider, error) {
	key := Location{Provider: name}.ProviderName()
	provider, ok := r[key]
	if !ok {
		return nil, coreerrors.Newf(coreerrors.CategoryInvalidInput, "unknown_provider", "use hub, market or file", "unknown source provider %q", key)
	}
	return provider, nil
}
