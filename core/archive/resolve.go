// Package archive turns a downloaded marketplace object, either a ZIP archive
// or a single raw payload, into canonical HIGH/LOW weight files.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
	"github.com/davidahmann/modelstage/core/fetch"
	"github.com/davidahmann/modelstage/core/fsx"
	"github.com/davidahmann/modelstage/core/logging"
	"github.com/davidahmann/modelstage/core/source"
	"github.com/davidahmann/modelstage/core/zipx"
)

const DefaultExtension = ".safetensors"

const outputMode os.FileMode = 0o644

// ErrPayloadNameCollision marks an archive whose payloads share a base name
// in different folders; copying them side by side would lose one.
var ErrPayloadNameCollision = errors.New("archive payloads share a file name")

type Spec struct {
	Alias     string
	Extension string
	Location  source.Location
}

type Result struct {
	Source             string     `json:"source,omitempty"`
	FallbackUsed       bool       `json:"fallback_used,omitempty"`
	Archive            bool       `json:"archive"`
	Candidates         []string   `json:"candidates"`
	Assignment         Assignment `json:"assignment"`
	HighPath           string     `json:"high_path"`
	LowPath            string     `json:"low_path"`
	ContentType        string     `json:"content_type,omitempty"`
	ContentDisposition string     `json:"content_disposition,omitempty"`
	DeclaredFilename   string     `json:"declared_filename,omitempty"`
	Cached             bool       `json:"cached,omitempty"`
}

type Resolver struct {
	Providers source.Registry
	// TempDir parents the scoped extraction directory; empty uses os.TempDir.
	TempDir string
	Logger  logrus.FieldLogger
}

func (r *Resolver) Resolve(ctx context.Context, spec Spec, destDir string) (Result, error) {
	spec, err := normalizeSpec(spec)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return Result{}, ioFailure("dest_dir_failed", fmt.Errorf("create destination: %w", err))
	}
	logger := r.logger()
	provider, err := r.Providers.Lookup(spec.Location.Provider)
	if err != nil {
		return Result{}, err
	}

	logger.Infof("Downloading %s from %s...", spec.Alias, spec.Location.String())
	payload, err := provider.Resolve(ctx, spec.Location, destDir)
	if err != nil {
		return Result{}, err
	}
	if payload.Ephemeral {
		defer func() {
			_ = os.Remove(payload.LocalPath)
		}()
	}

	result := Result{
		Source:             spec.Location.String(),
		ContentType:        payload.ContentType,
		ContentDisposition: payload.ContentDisposition,
		DeclaredFilename:   payload.DispositionFilename(),
		Cached:             payload.Cached,
	}
	if result.DeclaredFilename != "" {
		logger.WithField("filename", result.DeclaredFilename).Infof("Received %s", spec.Alias)
	}
	isArchive, err := zipx.IsZipFile(payload.LocalPath)
	if err != nil {
		return result, ioFailure("payload_unreadable", err)
	}
	result.Archive = isArchive

	if isArchive {
		result.Candidates, err = r.unpack(payload, spec, destDir)
	} else {
		result.Candidates, err = placeSinglePayload(payload, spec, destDir)
	}
	if err != nil {
		return result, err
	}

	assignment, err := Classify(result.Candidates)
	if err != nil {
		logger.Warnf("!! %s: %v", spec.Alias, err)
		return result, err
	}
	result.Assignment = assignment
	result.HighPath = filepath.Join(destDir, spec.Alias+"-"+RoleHigh+spec.Extension)
	result.LowPath = filepath.Join(destDir, spec.Alias+"-"+RoleLow+spec.Extension)
	if err := fsx.CopyFileAtomic(assignment.High, result.HighPath, outputMode); err != nil {
		return result, ioFailure("write_high_failed", err)
	}
	if err := fsx.CopyFileAtomic(assignment.Low, result.LowPath, outputMode); err != nil {
		return result, ioFailure("write_low_failed", err)
	}
	logger.Infof("✔ Resolved %s: HIGH=%s LOW=%s", spec.Alias, filepath.Base(assignment.High), filepath.Base(assignment.Low))
	return result, nil
}

// ResolveFirst runs Resolve for each location in order and returns the first
// success. spec.Location is ignored. With several locations, exhaustion is
// wrapped as sources_exhausted and keeps the last failure's category so a
// no_payload or archive_invalid outcome stays visible.
func (r *Resolver) ResolveFirst(ctx context.Context, spec Spec, locations []source.Location, destDir string) (Result, error) {
	logger := r.logger()
	var lastErr error
	for index, location := range locations {
		spec.Location = location
		result, err := r.Resolve(ctx, spec, destDir)
		if err != nil {
			lastErr = err
			logger.Warnf("✖ Fallback: %s not available (%v)", location.String(), err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		result.FallbackUsed = index > 0
		return result, nil
	}
	if lastErr == nil {
		return Result{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "sources_required", "add at least one archive source", "no archive sources for %s", spec.Alias)
	}
	if len(locations) == 1 {
		return Result{}, lastErr
	}
	return Result{}, coreerrors.Wrap(
		fmt.Errorf("%s: %w: %w", spec.Alias, fetch.ErrSourcesExhausted, lastErr),
		categoryOr(lastErr, coreerrors.CategoryNetworkPermanent),
		"sources_exhausted",
		"provide an alternate archive source",
		false,
	)
}

func categoryOr(err error, fallback coreerrors.Category) coreerrors.Category {
	if category := coreerrors.CategoryOf(err); category != "" && category != coreerrors.CategoryInternalFailure {
		return category
	}
	return fallback
}

// unpack extracts matching payloads into a scoped temp directory, copies them
// into destDir and drops the archive when it belongs to this run.
func (r *Resolver) unpack(payload source.Payload, spec Spec, destDir string) ([]string, error) {
	scratch, err := os.MkdirTemp(r.TempDir, ".extract-"+spec.Alias+"-")
	if err != nil {
		return nil, ioFailure("scratch_dir_failed", fmt.Errorf("create extraction dir: %w", err))
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	extracted, err := zipx.ExtractMatching(payload.LocalPath, scratch, spec.Extension)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryArchiveInvalid, "extract_failed", "the archive is corrupt or unsafe", false)
	}
	owners := make(map[string]string, len(extracted))
	for _, file := range extracted {
		key := strings.ToLower(file.BaseName)
		if previous, ok := owners[key]; ok {
			return nil, coreerrors.Wrap(
				fmt.Errorf("%w: %s and %s", ErrPayloadNameCollision, previous, file.Name),
				coreerrors.CategoryArchiveInvalid,
				"payload_name_collision",
				"repack the archive with distinct payload file names",
				false,
			)
		}
		owners[key] = file.Name
	}
	candidates := make([]string, 0, len(extracted))
	for _, file := range extracted {
		destination := filepath.Join(destDir, file.BaseName)
		if err := fsx.CopyFileAtomic(file.Path, destination, outputMode); err != nil {
			return nil, ioFailure("copy_extracted_failed", err)
		}
		candidates = append(candidates, destination)
	}
	if payload.Ephemeral {
		if err := os.Remove(payload.LocalPath); err != nil && !os.IsNotExist(err) {
			return nil, ioFailure("archive_cleanup_failed", fmt.Errorf("remove archive: %w", err))
		}
	}
	return candidates, nil
}

func placeSinglePayload(payload source.Payload, spec Spec, destDir string) ([]string, error) {
	destination := filepath.Join(destDir, spec.Alias+spec.Extension)
	var err error
	if payload.Ephemeral {
		err = fsx.MoveFile(payload.LocalPath, destination, outputMode)
	} else {
		err = fsx.CopyFileAtomic(payload.LocalPath, destination, outputMode)
	}
	if err != nil {
		return nil, ioFailure("place_payload_failed", err)
	}
	return []string{destination}, nil
}

func normalizeSpec(spec Spec) (Spec, error) {
	spec.Alias = strings.TrimSpace(spec.Alias)
	if spec.Alias == "" || filepath.Base(spec.Alias) != spec.Alias || strings.HasPrefix(spec.Alias, ".") {
		return Spec{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "alias_invalid", "use a bare file name stem", "invalid archive alias %q", spec.Alias)
	}
	extension := strings.TrimSpace(spec.Extension)
	if extension == "" {
		extension = DefaultExtension
	}
	if !strings.HasPrefix(extension, ".") {
		extension = "." + extension
	}
	spec.Extension = extension
	return spec, nil
}

func ioFailure(code string, err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryIOFailure, code, "check destination permissions and free space", false)
}

func (r *Resolver) logger() logrus.FieldLogger {
	if r.Logger == nil {
		return logging.Discard()
	}
	return r.Logger
}
