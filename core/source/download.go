package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
	"github.com/davidahmann/modelstage/core/fsx"
)

type Downloader struct {
	HTTPClient        *http.Client
	UserAgent         string
	Tokens            map[string]string
	AllowHosts        []string
	AllowInsecureHTTP bool
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
}

type statusError struct {
	statusCode int
	url        string
}

func (e statusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.statusCode, e.url)
}

func (e statusError) StatusCode() int {
	return e.statusCode
}

// Download GETs rawURL and writes the full body to targetPath. Redirects follow
// the client policy; the target only appears once the body is complete.
func (d *Downloader) Download(ctx context.Context, rawURL string, targetPath string) (Payload, error) {
	if err := d.checkURL(rawURL); err != nil {
		return Payload{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "source_url_rejected", "check allow_hosts and the source scheme", false)
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o750); err != nil {
		return Payload{}, coreerrors.Wrap(fmt.Errorf("mkdir download dir: %w", err), coreerrors.CategoryIOFailure, "download_dir_failed", "check destination permissions", false)
	}

	attempts := d.RetryMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := d.RetryBaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		payload, err := d.downloadOnce(ctx, rawURL, targetPath)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !isTransientFetchError(err) || attempt == attempts {
			break
		}
		timer := time.NewTimer(retryDelay(delay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Payload{}, classifyFetchError(fmt.Errorf("download %s: %w", rawURL, ctx.Err()))
		case <-timer.C:
		}
	}
	return Payload{}, classifyFetchError(fmt.Errorf("download %s: %w", rawURL, lastErr))
}

func (d *Downloader) downloadOnce(ctx context.Context, rawURL string, targetPath string) (Payload, error) {
	httpClient := d.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("build download request: %w", err)
	}
	if d.UserAgent != "" {
		request.Header.Set("User-Agent", d.UserAgent)
	}
	if token := d.Tokens[strings.ToLower(request.URL.Hostname())]; token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	// #nosec G107 -- download URL is built from manifest sources and checked against the host allowlist.
	response, err := httpClient.Do(request)
	if err != nil {
		return Payload{}, err
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode != http.StatusOK {
		return Payload{}, statusError{statusCode: response.StatusCode, url: rawURL}
	}
	if _, err := fsx.WriteReaderAtomic(targetPath, response.Body, 0o644); err != nil {
		return Payload{}, fmt.Errorf("write download body: %w", err)
	}
	return Payload{
		LocalPath:          targetPath,
		ContentType:        response.Header.Get("Content-Type"),
		ContentDisposition: response.Header.Get("Content-Disposition"),
	}, nil
}

func (d *Downloader) checkURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse source url: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "https":
	case "http":
		if !d.AllowInsecureHTTP {
			return fmt.Errorf("remote source requires https")
		}
	default:
		return fmt.Errorf("unsupported source scheme %q", parsed.Scheme)
	}
	if len(d.AllowHosts) == 0 {
		return nil
	}
	host := strings.ToLower(parsed.Hostname())
	for _, allowed := range d.AllowHosts {
		if host == strings.ToLower(strings.TrimSpace(allowed)) {
			return nil
		}
	}
	return fmt.Errorf("source host %s is not in allowlist", host)
}

func isTransientFetchError(err error) bool {
	var status statusError
	if errors.As(err, &status) {
		switch status.StatusCode() {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errText := strings.ToLower(err.Error())
	return strings.Contains(errText, "connection reset") ||
		strings.Contains(errText, "connection refused") ||
		strings.Contains(errText, "unexpected eof")
}

func classifyFetchError(err error) error {
	if isTransientFetchError(err) {
		return coreerrors.Wrap(err, coreerrors.CategoryNetworkTransient, "download_transient", "retry later or raise fetch.retry_max_attempts", true)
	}
	var status statusError
	if errors.As(err, &status) && (status.StatusCode() == http.StatusUnauthorized || status.StatusCode() == http.StatusForbidden) {
		return coreerrors.Wrap(err, coreerrors.CategoryNetworkPermanent, "download_unauthorized", "set the provider token env var", false)
	}
	return coreerrors.Wrap(err, coreerrors.CategoryNetworkPermanent, "download_failed", "check the source location", false)
}

func retryDelay(baseDelay time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return baseDelay
	}
	backoff := baseDelay << (attempt - 1)
	jitter := time.Duration(attempt) * 25 * time.Millisecond
	if jitter > 100*time.Millisecond {
		jitter = 100 * time.Millisecond
	}
	return backoff + jitter
}
