// Package manifest loads and validates provisioning manifests. A manifest is
// YAML or JSON; both are converted to JSON and checked against the embedded
// schema before decoding.
package manifest

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
	"github.com/davidahmann/modelstage/core/jcs"
	"github.com/davidahmann/modelstage/core/layout"
	"github.com/davidahmann/modelstage/core/schema/validate"
	schemaassets "github.com/davidahmann/modelstage/core/schema/v1/assets"
	"github.com/davidahmann/modelstage/core/source"
	"github.com/davidahmann/modelstage/schemas"
)

const DefaultBuiltin = "wan22"

//go:embed builtin/*.yaml
var builtinFS embed.FS

func LoadFile(manifestPath string) (schemaassets.Manifest, error) {
	// #nosec G304 -- manifest path is explicit local user input.
	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return schemaassets.Manifest{}, coreerrors.Wrap(fmt.Errorf("read manifest: %w", err), coreerrors.CategoryInvalidInput, "manifest_unreadable", "check the --manifest path", false)
	}
	return Parse(content)
}

// Parse accepts YAML or JSON.
func Parse(data []byte) (schemaassets.Manifest, error) {
	jsonData, err := yaml.YAMLToJSON(data)
	if err != nil {
		return schemaassets.Manifest{}, invalid("manifest_parse_failed", fmt.Errorf("parse manifest: %w", err))
	}
	if err := validate.ValidateJSON(schemas.Manifest, jsonData); err != nil {
		return schemaassets.Manifest{}, invalid("manifest_schema_invalid", err)
	}
	var manifest schemaassets.Manifest
	if err := json.Unmarshal(jsonData, &manifest); err != nil {
		return schemaassets.Manifest{}, invalid("manifest_parse_failed", fmt.Errorf("decode manifest: %w", err))
	}
	return Normalize(manifest)
}

func BuiltinNames() []string {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, strings.TrimSuffix(entry.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// BuiltinRaw returns the embedded YAML so it can be written out and edited.
func BuiltinRaw(name string) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultBuiltin
	}
	content, err := builtinFS.ReadFile(path.Join("builtin", name+".yaml"))
	if err != nil {
		return nil, coreerrors.Newf(coreerrors.CategoryInvalidInput, "builtin_unknown", "available: "+strings.Join(BuiltinNames(), ", "), "unknown builtin manifest %q", name)
	}
	return content, nil
}

func Builtin(name string) (schemaassets.Manifest, error) {
	content, err := BuiltinRaw(name)
	if err != nil {
		return schemaassets.Manifest{}, err
	}
	return Parse(content)
}

// Digest is the JCS digest of the normalized manifest.
func Digest(manifest schemaassets.Manifest) (string, error) {
	normalized, err := Normalize(manifest)
	if err != nil {
		return "", err
	}
	return jcs.DigestValue(normalized)
}

// Normalize trims fields, fills per-kind defaults and rejects manifests the
// schema cannot express constraints for: duplicate names, unsafe target names
// and provider/kind mismatches.
func Normalize(input schemaassets.Manifest) (schemaassets.Manifest, error) {
	output := input
	output.SchemaID = strings.TrimSpace(input.SchemaID)
	output.SchemaVersion = strings.TrimSpace(input.SchemaVersion)
	output.Name = strings.TrimSpace(input.Name)
	if output.SchemaID == "" {
		output.SchemaID = schemaassets.ManifestSchemaID
	}
	if output.SchemaVersion == "" {
		output.SchemaVersion = schemaassets.SchemaVersion
	}
	if output.SchemaID != schemaassets.ManifestSchemaID {
		return schemaassets.Manifest{}, invalid("manifest_schema_id", fmt.Errorf("unsupported manifest schema_id %q", output.SchemaID))
	}
	if output.Name == "" {
		return schemaassets.Manifest{}, invalid("manifest_name_required", fmt.Errorf("manifest name is required"))
	}

	seen := make(map[string]struct{}, len(input.Assets))
	output.Assets = make([]schemaassets.Asset, 0, len(input.Assets))
	for index, asset := range input.Assets {
		normalized, err := normalizeAsset(asset)
		if err != nil {
			return schemaassets.Manifest{}, invalid("manifest_asset_invalid", fmt.Errorf("assets[%d]: %w", index, err))
		}
		if _, ok := seen[normalized.Name]; ok {
			return schemaassets.Manifest{}, invalid("manifest_asset_duplicate", fmt.Errorf("assets[%d]: duplicate asset name %q", index, normalized.Name))
		}
		seen[normalized.Name] = struct{}{}
		output.Assets = append(output.Assets, normalized)
	}
	return output, nil
}

func normalizeAsset(asset schemaassets.Asset) (schemaassets.Asset, error) {
	asset.Name = strings.TrimSpace(asset.Name)
	asset.Kind = strings.ToLower(strings.TrimSpace(asset.Kind))
	asset.Dir = strings.TrimSpace(asset.Dir)
	asset.Target = strings.TrimSpace(asset.Target)
	asset.Alias = strings.TrimSpace(asset.Alias)
	asset.Extension = strings.TrimSpace(asset.Extension)
	asset.ManualURL = strings.TrimSpace(asset.ManualURL)
	if asset.Name == "" {
		return asset, fmt.Errorf("name is required")
	}
	if !layout.Known(asset.Dir) {
		return asset, fmt.Errorf("unknown dir %q", asset.Dir)
	}
	if len(asset.Sources) == 0 {
		return asset, fmt.Errorf("at least one source is required")
	}

	defaultProvider := source.ProviderHub
	if asset.Kind == schemaassets.KindMarket || asset.Kind == schemaassets.KindArchive {
		defaultProvider = source.ProviderMarket
	}
	sources := make([]schemaassets.Source, 0, len(asset.Sources))
	for index, item := range asset.Sources {
		item.Provider = strings.ToLower(strings.TrimSpace(item.Provider))
		item.Repository = strings.Trim(strings.TrimSpace(item.Repository), "/")
		item.Path = strings.TrimSpace(item.Path)
		if item.Provider == "" {
			item.Provider = defaultProvider
		}
		if item.Path == "" {
			return asset, fmt.Errorf("sources[%d]: path is required", index)
		}
		switch item.Provider {
		case source.ProviderHub:
			if asset.Kind != schemaassets.KindHub {
				return asset, fmt.Errorf("sources[%d]: hub source on %s asset", index, asset.Kind)
			}
			if item.Repository == "" {
				return asset, fmt.Errorf("sources[%d]: repository is required for hub sources", index)
			}
		case source.ProviderMarket:
			if asset.Kind == schemaassets.KindHub {
				return asset, fmt.Errorf("sources[%d]: market source on hub asset", index)
			}
		case source.ProviderFile:
		default:
			return asset, fmt.Errorf("sources[%d]: unknown provider %q", index, item.Provider)
		}
		sources = append(sources, item)
	}
	asset.Sources = sources

	switch asset.Kind {
	case schemaassets.KindHub, schemaassets.KindMarket:
		if asset.Target == "" {
			if asset.Kind == schemaassets.KindMarket {
				return asset, fmt.Errorf("target is required for market assets")
			}
			asset.Target = path.Base(asset.Sources[0].Path)
		}
		if !isBareName(asset.Target) {
			return asset, fmt.Errorf("target %q must be a bare file name", asset.Target)
		}
	case schemaassets.KindArchive:
		if asset.Alias == "" {
			return asset, fmt.Errorf("alias is required for archive assets")
		}
		if !isBareName(asset.Alias) {
			return asset, fmt.Errorf("alias %q must be a bare file name stem", asset.Alias)
		}
		if asset.Extension == "" {
			asset.Extension = ".safetensors"
		}
	default:
		return asset, fmt.Errorf("unknown kind %q", asset.Kind)
	}
	return asset, nil
}

// Locations converts an asset's sources to fetchable locations.
func Locations(asset schemaassets.Asset) []source.Location {
	locations := make([]source.Location, 0, len(asset.Sources))
	for _, item := range asset.Sources {
		locations = append(locations, source.Location{
			Provider:   item.Provider,
			Repository: item.Repository,
			Path:       item.Path,
		})
	}
	return locations
}

func isBareName(name string) bool {
	return name != "" && name != "." && name != ".." && filepath.Base(name) == name && !strings.ContainsAny(name, `/\`)
}

func invalid(code string, err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, code, "run `modelstage manifest validate` for details", false)
}
