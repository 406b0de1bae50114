package main

import (
	"flag"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/davidahmann/modelstage/core/archive"
	coreerrors "github.com/davidahmann/modelstage/core/errors"
	"github.com/davidahmann/modelstage/core/fetch"
	"github.com/davidahmann/modelstage/core/fsx"
	"github.com/davidahmann/modelstage/core/layout"
	"github.com/davidahmann/modelstage/core/logging"
	"github.com/davidahmann/modelstage/core/projectconfig"
	"github.com/davidahmann/modelstage/core/source"
)

// stackFlags are the config overrides shared by every staging command.
type stackFlags struct {
	configPath        string
	layoutRoot        string
	cacheDir          string
	linkMode          string
	allowInsecureHTTP bool
}

var stackValueFlags = map[string]bool{
	"config":      true,
	"layout-root": true,
	"cache-dir":   true,
	"link-mode":   true,
}

func registerStackFlags(flagSet *flag.FlagSet, flags *stackFlags) {
	flagSet.StringVar(&flags.configPath, "config", projectconfig.DefaultPath, "project config path")
	flagSet.StringVar(&flags.layoutRoot, "layout-root", "", "model directory root (overrides layout.root)")
	flagSet.StringVar(&flags.cacheDir, "cache-dir", "", "hub cache directory (overrides fetch.cache_dir)")
	flagSet.StringVar(&flags.linkMode, "link-mode", "", "symlink or copy (overrides layout.link_mode)")
	flagSet.BoolVar(&flags.allowInsecureHTTP, "allow-insecure-http", false, "allow plain http sources")
}

func mergeValueFlags(extra map[string]bool) map[string]bool {
	merged := make(map[string]bool, len(stackValueFlags)+len(extra))
	for name, required := range stackValueFlags {
		merged[name] = required
	}
	for name, required := range extra {
		merged[name] = required
	}
	return merged
}

// loadConfig reads the project config; the default path may be absent.
func loadConfig(flags stackFlags) (projectconfig.Config, error) {
	allowMissing := strings.TrimSpace(flags.configPath) == projectconfig.DefaultPath
	configuration, err := projectconfig.Load(flags.configPath, allowMissing)
	if err != nil {
		return projectconfig.Config{}, coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "config_invalid", "fix "+flags.configPath, false)
	}
	if value := strings.TrimSpace(flags.layoutRoot); value != "" {
		configuration.Layout.Root = value
	}
	if value := strings.TrimSpace(flags.cacheDir); value != "" {
		configuration.Fetch.CacheDir = value
	}
	if value := strings.ToLower(strings.TrimSpace(flags.linkMode)); value != "" {
		if value != string(fsx.LinkModeSymlink) && value != string(fsx.LinkModeCopy) {
			return projectconfig.Config{}, coreerrors.Newf(coreerrors.CategoryInvalidInput, "link_mode_invalid", "use symlink or copy", "unsupported --link-mode %q", flags.linkMode)
		}
		configuration.Layout.LinkMode = value
	}
	if flags.allowInsecureHTTP {
		configuration.Fetch.AllowInsecureHTTP = true
	}
	return configuration, nil
}

type stagingStack struct {
	config   projectconfig.Config
	layout   layout.Layout
	market   *source.MarketProvider
	fetcher  *fetch.Fetcher
	resolver *archive.Resolver
	logger   logrus.FieldLogger
}

// newStagingStack wires providers from config. In JSON mode progress becomes
// JSON log records on stderr so stdout stays machine-readable.
func newStagingStack(configuration projectconfig.Config, jsonOutput bool) stagingStack {
	logger := logging.NewConsole(os.Stdout)
	if jsonOutput {
		logger = logging.NewJSON(os.Stderr)
	}

	downloader := &source.Downloader{
		HTTPClient:        &http.Client{Timeout: configuration.FetchTimeout()},
		UserAgent:         configuration.Fetch.UserAgent,
		Tokens:            tokensFromEnv(configuration),
		AllowHosts:        configuration.Fetch.AllowHosts,
		AllowInsecureHTTP: configuration.Fetch.AllowInsecureHTTP,
		RetryMaxAttempts:  configuration.Fetch.RetryMaxAttempts,
		RetryBaseDelay:    configuration.RetryBaseDelay(),
	}
	market := &source.MarketProvider{BaseURL: configuration.Market.BaseURL, Downloader: downloader}
	registry := source.NewRegistry(
		&source.HubProvider{
			BaseURL:    configuration.Hub.BaseURL,
			Revision:   configuration.Hub.Revision,
			CacheDir:   configuration.Fetch.CacheDir,
			Downloader: downloader,
		},
		market,
		&source.FileProvider{},
	)
	return stagingStack{
		config: configuration,
		layout: layout.New(configuration.Layout.Root),
		market: market,
		fetcher: &fetch.Fetcher{
			Providers: registry,
			LinkMode:  fsx.LinkMode(configuration.Layout.LinkMode),
			Logger:    logger,
		},
		resolver: &archive.Resolver{Providers: registry, Logger: logger},
		logger:   logger,
	}
}

// tokensFromEnv maps provider hosts to bearer tokens read from the configured
// env vars. Unset vars mean anonymous access.
func tokensFromEnv(configuration projectconfig.Config) map[string]string {
	tokens := map[string]string{}
	for baseURL, envName := range map[string]string{
		configuration.Hub.BaseURL:    configuration.Hub.TokenEnv,
		configuration.Market.BaseURL: configuration.Market.TokenEnv,
	} {
		token := strings.TrimSpace(os.Getenv(envName))
		if token == "" {
			continue
		}
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Hostname() == "" {
			continue
		}
		tokens[strings.ToLower(parsed.Hostname())] = token
	}
	return tokens
}

func parseLocations(csv string) ([]source.Location, error) {
	values := parseCSV(csv)
	if len(values) == 0 {
		return nil, coreerrors.Newf(coreerrors.CategoryInvalidInput, "sources_required", "pass --sources <csv>", "at least one source location is required")
	}
	locations := make([]source.Location, 0, len(values))
	for _, value := range values {
		location, err := source.ParseLocation(value)
		if err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}
	return locations, nil
}
