package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
)

// MarketProvider downloads marketplace files addressed by numeric model
// version ID. Payloads land in the caller's work directory.
type MarketProvider struct {
	BaseURL    string
	Downloader *Downloader
}

func (p *MarketProvider) Name() string {
	return ProviderMarket
}

func (p *MarketProvider) Resolve(ctx context.Context, location Location, workDir string) (Payload, error) {
	versionID := strings.TrimSpace(location.Path)
	if !isNumeric(versionID) {
		return Payload{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "market_version_invalid", "use the numeric modelVersionId", "market version id must be numeric: %q", location.Path)
	}
	if strings.TrimSpace(workDir) == "" {
		return Payload{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "workdir_required", "", "market provider requires a work directory")
	}
	if p.Downloader == nil {
		return Payload{}, coreerrors.Newf(coreerrors.CategoryInternalFailure, "downloader_missing", "", "market provider has no downloader")
	}
	target := filepath.Join(workDir, "."+versionID+".download")
	payload, err := p.Downloader.Download(ctx, p.URL(versionID), target)
	if err != nil {
		return Payload{}, err
	}
	payload.Ephemeral = true
	return payload, nil
}

func (p *MarketProvider) URL(versionID string) string {
	return fmt.Sprintf("%s/api/download/models/%s", strings.TrimRight(p.BaseURL, "/"), versionID)
}

// ManualURL is the page a user can open to fetch the version by hand.
func (p *MarketProvider) ManualURL(versionID string) string {
	return fmt.Sprintf("%s/models?modelVersionId=%s", strings.TrimRight(p.BaseURL, "/"), versionID)
}

func isNumeric(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
