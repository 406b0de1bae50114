// Package provision stages every asset of a manifest into the model layout.
// Assets are processed one at a time and a failing asset never stops the rest.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/davidahmann/modelstage/core/archive"
	coreerrors "github.com/davidahmann/modelstage/core/errors"
	"github.com/davidahmann/modelstage/core/fetch"
	"github.com/davidahmann/modelstage/core/fsx"
	"github.com/davidahmann/modelstage/core/layout"
	"github.com/davidahmann/modelstage/core/logging"
	"github.com/davidahmann/modelstage/core/manifest"
	schemaassets "github.com/davidahmann/modelstage/core/schema/v1/assets"
	"github.com/davidahmann/modelstage/core/source"
)

type Options struct {
	Layout   layout.Layout
	Fetcher  *fetch.Fetcher
	Resolver *archive.Resolver
	// EventsPath receives one JSONL event per asset when set.
	EventsPath string
	// ManualURL builds a hand-download link for market locations that carry
	// no manual_url of their own.
	ManualURL       func(source.Location) string
	Logger          logrus.FieldLogger
	ProducerVersion string
	// RunID correlates the report with its events; empty generates a UUID.
	RunID string
	Now   func() time.Time
}

// Run provisions every asset in order and returns the report. The error is
// non-nil only when provisioning could not start or the context was canceled;
// per-asset failures are recorded in the report.
func Run(ctx context.Context, plan schemaassets.Manifest, opts Options) (schemaassets.Report, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	normalized, err := manifest.Normalize(plan)
	if err != nil {
		return schemaassets.Report{}, err
	}
	digest, err := manifest.Digest(normalized)
	if err != nil {
		return schemaassets.Report{}, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "manifest_digest_failed", "", false)
	}
	if opts.Fetcher == nil || opts.Resolver == nil {
		return schemaassets.Report{}, coreerrors.Newf(coreerrors.CategoryInternalFailure, "provision_options_invalid", "", "provision requires a fetcher and a resolver")
	}
	if err := opts.Layout.Ensure(); err != nil {
		return schemaassets.Report{}, coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "layout_create_failed", "check layout.root permissions", false)
	}

	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	report := schemaassets.Report{
		SchemaID:        schemaassets.ReportSchemaID,
		SchemaVersion:   schemaassets.SchemaVersion,
		CreatedAt:       now().UTC(),
		ProducerVersion: opts.ProducerVersion,
		RunID:           runID,
		ManifestName:    normalized.Name,
		ManifestDigest:  digest,
		Results:         make([]schemaassets.AssetResult, 0, len(normalized.Assets)),
	}
	runner := assetRunner{opts: opts, logger: logger}
	for _, asset := range normalized.Assets {
		if err := ctx.Err(); err != nil {
			finalize(&report)
			return report, coreerrors.Wrap(fmt.Errorf("provision canceled: %w", err), coreerrors.CategoryInternalFailure, "provision_canceled", "", false)
		}
		started := now()
		result := runner.run(ctx, asset)
		result.DurationMS = now().Sub(started).Milliseconds()
		if result.DurationMS < 0 {
			result.DurationMS = 0
		}
		report.Results = append(report.Results, result)

		if opts.EventsPath != "" {
			event := schemaassets.Event{
				SchemaID:       schemaassets.EventSchemaID,
				SchemaVersion:  schemaassets.SchemaVersion,
				CreatedAt:      now().UTC(),
				RunID:          runID,
				ManifestDigest: digest,
				Result:         result,
			}
			if err := fsx.AppendJSONLine(opts.EventsPath, event, 0o600); err != nil {
				logger.WithField("path", opts.EventsPath).Warnf("!! could not record event for %s: %v", asset.Name, err)
			}
		}
		if result.Status != schemaassets.StatusOK && asset.Required {
			report.Summary.RequiredMissing = append(report.Summary.RequiredMissing, asset.Name)
		}
	}
	finalize(&report)
	logger.Infof("All model downloads completed! (%d ok, %d failed)", report.Summary.OK, report.Summary.Failed)
	return report, nil
}

// WriteReport stores report as indented JSON.
func WriteReport(path string, report schemaassets.Report) error {
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	encoded = append(encoded, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	return fsx.WriteFileAtomic(path, encoded, 0o644)
}

func finalize(report *schemaassets.Report) {
	report.Summary.Total = len(report.Results)
	report.Summary.OK = 0
	report.Summary.Failed = 0
	for _, result := range report.Results {
		if result.Status == schemaassets.StatusOK {
			report.Summary.OK++
		} else {
			report.Summary.Failed++
		}
	}
	switch {
	case report.Summary.Failed == 0:
		report.Status = schemaassets.StatusOK
	case report.Summary.OK == 0 || len(report.Summary.RequiredMissing) > 0:
		report.Status = schemaassets.StatusFailed
	default:
		report.Status = schemaassets.StatusPartial
	}
}

type assetRunner struct {
	opts   Options
	logger logrus.FieldLogger
}

func (r assetRunner) run(ctx context.Context, asset schemaassets.Asset) schemaassets.AssetResult {
	result := schemaassets.AssetResult{Name: asset.Name, Kind: asset.Kind}
	targetDir, err := r.opts.Layout.Dir(asset.Dir)
	if err != nil {
		return failed(result, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "layout_dir_unknown", "", false))
	}

	switch asset.Kind {
	case schemaassets.KindHub:
		err = r.fetch(ctx, asset, targetDir, &result)
		if err != nil {
			r.logger.Warnf("!! Could not fetch %s. Please provide an alternate repo/path.", asset.Target)
		}
	case schemaassets.KindMarket:
		r.logger.Infof("Downloading %s from marketplace...", asset.Target)
		err = r.fetch(ctx, asset, targetDir, &result)
		if err == nil {
			r.logger.Infof("Downloaded %s successfully!", asset.Target)
		} else {
			r.logger.Warnf("Failed to download %s: %v", asset.Name, err)
			if manualURL := r.manualURL(asset); manualURL != "" {
				r.logger.Warnf("Manual download available at: %s", manualURL)
				result.Hint = "download manually from " + manualURL
			}
		}
	case schemaassets.KindArchive:
		err = r.resolveArchive(ctx, asset, targetDir, &result)
		if err != nil {
			if manualURL := r.manualURL(asset); manualURL != "" {
				r.logger.Warnf("Manual download available at: %s", manualURL)
				result.Hint = "download manually from " + manualURL
			}
		}
	default:
		err = coreerrors.Newf(coreerrors.CategoryInvalidInput, "asset_kind_unknown", "", "unknown asset kind %q", asset.Kind)
	}
	if err != nil {
		return failed(result, err)
	}
	result.Status = schemaassets.StatusOK
	return result
}

func (r assetRunner) fetch(ctx context.Context, asset schemaassets.Asset, targetDir string, result *schemaassets.AssetResult) error {
	fetched, err := r.opts.Fetcher.Fetch(ctx, fetch.AssetSpec{
		Name:       asset.Name,
		Locations:  manifest.Locations(asset),
		TargetDir:  targetDir,
		TargetName: asset.Target,
	})
	if err != nil {
		return err
	}
	result.Source = fetched.Location.String()
	result.Outputs = []string{fetched.Target}
	result.FallbackUsed = fetched.FallbackUsed
	result.Cached = fetched.Cached
	result.LinkMode = fetched.Placement
	return nil
}

// resolveArchive takes the first source that yields a classified HIGH/LOW
// pair.
func (r assetRunner) resolveArchive(ctx context.Context, asset schemaassets.Asset, targetDir string, result *schemaassets.AssetResult) error {
	resolved, err := r.opts.Resolver.ResolveFirst(ctx, archive.Spec{
		Alias:     asset.Alias,
		Extension: asset.Extension,
	}, manifest.Locations(asset), targetDir)
	if err != nil {
		return err
	}
	result.Source = resolved.Source
	result.Outputs = []string{resolved.HighPath, resolved.LowPath}
	result.FallbackUsed = resolved.FallbackUsed
	result.Cached = resolved.Cached
	result.DeclaredFilename = resolved.DeclaredFilename
	result.LinkMode = string(fsx.LinkModeCopy)
	return nil
}

func (r assetRunner) manualURL(asset schemaassets.Asset) string {
	if asset.ManualURL != "" {
		return asset.ManualURL
	}
	if r.opts.ManualURL == nil {
		return ""
	}
	for _, location := range manifest.Locations(asset) {
		if location.ProviderName() == source.ProviderMarket {
			return r.opts.ManualURL(location)
		}
	}
	return ""
}

func failed(result schemaassets.AssetResult, err error) schemaassets.AssetResult {
	result.Status = schemaassets.StatusFailed
	result.Error = err.Error()
	result.ErrorCategory = string(coreerrors.CategoryOf(err))
	result.ErrorCode = coreerrors.CodeOf(err)
	if result.Hint == "" {
		result.Hint = coreerrors.HintOf(err)
	}
	result.Outputs = nil
	return result
}
