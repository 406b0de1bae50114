// Package fetch resolves a named asset from an ordered chain of source
// locations and places it under its target name.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
	"github.com/davidahmann/modelstage/core/fsx"
	"github.com/davidahmann/modelstage/core/logging"
	"github.com/davidahmann/modelstage/core/source"
)

var ErrSourcesExhausted = errors.New("all source locations failed")

const placedByMove = "move"

type AssetSpec struct {
	Name       string
	Locations  []source.Location
	TargetDir  string
	TargetName string
}

type Attempt struct {
	Location string `json:"location"`
	Error    string `json:"error,omitempty"`
}

type Result struct {
	Target       string
	Location     source.Location
	Attempts     []Attempt
	FallbackUsed bool
	Cached       bool
	Placement    string
}

type Fetcher struct {
	Providers source.Registry
	LinkMode  fsx.LinkMode
	Logger    logrus.FieldLogger
}

// Fetch tries each location once, in order, and places the first payload that
// resolves. Location failures are logged and skipped; placement failures are
// returned immediately since a later location would hit the same filesystem.
func (f *Fetcher) Fetch(ctx context.Context, spec AssetSpec) (Result, error) {
	if err := validateSpec(spec); err != nil {
		return Result{}, err
	}
	logger := f.logger()
	target := filepath.Join(spec.TargetDir, spec.TargetName)
	result := Result{Target: target, Attempts: make([]Attempt, 0, len(spec.Locations))}

	for index, location := range spec.Locations {
		if err := ctx.Err(); err != nil {
			return result, coreerrors.Wrap(fmt.Errorf("fetch %s: %w", spec.Name, err), coreerrors.CategoryInternalFailure, "fetch_canceled", "", false)
		}
		payload, err := f.resolve(ctx, location, spec.TargetDir)
		if err != nil {
			result.Attempts = append(result.Attempts, Attempt{Location: location.String(), Error: err.Error()})
			logger.Warnf("✖ Fallback: %s not available (%v)", location.String(), err)
			continue
		}
		result.Attempts = append(result.Attempts, Attempt{Location: location.String()})

		placement, err := f.place(payload, target)
		if err != nil {
			return result, coreerrors.Wrap(fmt.Errorf("place %s: %w", spec.TargetName, err), coreerrors.CategoryIOFailure, "place_failed", "check permissions on the target directory", false)
		}
		result.Location = location
		result.FallbackUsed = index > 0
		result.Cached = payload.Cached
		result.Placement = placement
		logger.Infof("✔ Downloaded %s from %s", spec.TargetName, location.String())
		return result, nil
	}
	return result, coreerrors.Wrap(
		fmt.Errorf("%s: %w", spec.Name, ErrSourcesExhausted),
		coreerrors.CategoryNetworkPermanent,
		"sources_exhausted",
		"provide an alternate repository or path",
		false,
	)
}

func (f *Fetcher) resolve(ctx context.Context, location source.Location, workDir string) (source.Payload, error) {
	provider, err := f.Providers.Lookup(location.Provider)
	if err != nil {
		return source.Payload{}, err
	}
	return provider.Resolve(ctx, location, workDir)
}

func (f *Fetcher) place(payload source.Payload, target string) (string, error) {
	if payload.Ephemeral {
		if err := fsx.MoveFile(payload.LocalPath, target, 0o644); err != nil {
			return "", err
		}
		return placedByMove, nil
	}
	mode, err := fsx.LinkOrCopy(payload.LocalPath, target, f.LinkMode)
	if err != nil {
		return "", err
	}
	return string(mode), nil
}

func (f *Fetcher) logger() logrus.FieldLogger {
	if f.Logger == nil {
		return logging.Discard()
	}
	return f.Logger
}

func validateSpec(spec AssetSpec) error {
	switch {
	case strings.TrimSpace(spec.TargetDir) == "":
		return coreerrors.Newf(coreerrors.CategoryInvalidInput, "target_dir_required", "", "asset %s: target directory is required", spec.Name)
	case strings.TrimSpace(spec.TargetName) == "" || filepath.Base(spec.TargetName) != spec.TargetName:
		return coreerrors.Newf(coreerrors.CategoryInvalidInput, "target_name_invalid", "use a bare file name", "asset %s: invalid target name %q", spec.Name, spec.TargetName)
	case len(spec.Locations) == 0:
		return coreerrors.Newf(coreerrors.CategoryInvalidInput, "locations_required", "", "asset %s: at least one source location is required", spec.Name)
	}
	return nil
}
