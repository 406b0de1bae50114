package projectconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const DefaultPath = ".modelstage/config.yaml"

const (
	DefaultLayoutRoot     = "/root/comfy/ComfyUI/models"
	DefaultCacheDir       = "/cache"
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	DefaultHubBaseURL     = "https://huggingface.co"
	DefaultHubRevision    = "main"
	DefaultHubTokenEnv    = "HF_TOKEN"
	DefaultMarketBaseURL  = "https://civitai.com"
	DefaultMarketTokenEnv = "CIVITAI_TOKEN"
	DefaultLaunchListen   = "0.0.0.0"
	DefaultLaunchPort     = 8000
	DefaultStartupTimeout = "60s"
)

var DefaultLaunchCommand = []string{"comfy", "launch", "--"}

type Config struct {
	Layout LayoutDefaults `yaml:"layout"`
	Fetch  FetchDefaults  `yaml:"fetch"`
	Hub    HubDefaults    `yaml:"hub"`
	Market MarketDefaults `yaml:"market"`
	Launch LaunchDefaults `yaml:"launch"`
	Report ReportDefaults `yaml:"report"`
}

type LayoutDefaults struct {
	Root     string `yaml:"root"`
	LinkMode string `yaml:"link_mode"`
}

type FetchDefaults struct {
	CacheDir          string   `yaml:"cache_dir"`
	UserAgent         string   `yaml:"user_agent"`
	AllowHosts        []string `yaml:"allow_hosts"`
	AllowInsecureHTTP bool     `yaml:"allow_insecure_http"`
	RetryMaxAttempts  int      `yaml:"retry_max_attempts"`
	RetryBaseDelay    string   `yaml:"retry_base_delay"`
	Timeout           string   `yaml:"timeout"`
}

type HubDefaults struct {
	BaseURL  string `yaml:"base_url"`
	Revision string `yaml:"revision"`
	TokenEnv string `yaml:"token_env"`
}

type MarketDefaults struct {
	BaseURL  string `yaml:"base_url"`
	TokenEnv string `yaml:"token_env"`
}

type LaunchDefaults struct {
	Command        []string `yaml:"command"`
	Listen         string   `yaml:"listen"`
	Port           int      `yaml:"port"`
	StartupTimeout string   `yaml:"startup_timeout"`
	WorkDir        string   `yaml:"workdir"`
}

type ReportDefaults struct {
	Path       string `yaml:"path"`
	EventsPath string `yaml:"events_path"`
}

// Load reads a project config. Missing fields keep their defaults so an empty
// or absent file (with allowMissing) yields Default().
func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("project config path is required")
	}

	// #nosec G304 -- project config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read project config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Default(), nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse project config: %w", err)
	}
	configuration.normalize()
	if err := configuration.validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

func Default() Config {
	configuration := Config{}
	configuration.normalize()
	return configuration
}

func (configuration Config) RetryBaseDelay() time.Duration {
	return parseDurationOr(configuration.Fetch.RetryBaseDelay, 0)
}

func (configuration Config) FetchTimeout() time.Duration {
	return parseDurationOr(configuration.Fetch.Timeout, 0)
}

func (configuration Config) StartupTimeout() time.Duration {
	return parseDurationOr(configuration.Launch.StartupTimeout, 60*time.Second)
}

func (configuration *Config) normalize() {
	configuration.Layout.Root = defaultString(configuration.Layout.Root, DefaultLayoutRoot)
	configuration.Layout.LinkMode = strings.ToLower(defaultString(configuration.Layout.LinkMode, "symlink"))
	configuration.Fetch.CacheDir = defaultString(configuration.Fetch.CacheDir, DefaultCacheDir)
	configuration.Fetch.UserAgent = defaultString(configuration.Fetch.UserAgent, DefaultUserAgent)
	configuration.Fetch.AllowHosts = normalizeList(configuration.Fetch.AllowHosts)
	if configuration.Fetch.RetryMaxAttempts <= 0 {
		configuration.Fetch.RetryMaxAttempts = 1
	}
	configuration.Fetch.RetryBaseDelay = strings.TrimSpace(configuration.Fetch.RetryBaseDelay)
	configuration.Fetch.Timeout = strings.TrimSpace(configuration.Fetch.Timeout)
	configuration.Hub.BaseURL = strings.TrimRight(defaultString(configuration.Hub.BaseURL, DefaultHubBaseURL), "/")
	configuration.Hub.Revision = defaultString(configuration.Hub.Revision, DefaultHubRevision)
	configuration.Hub.TokenEnv = defaultString(configuration.Hub.TokenEnv, DefaultHubTokenEnv)
	configuration.Market.BaseURL = strings.TrimRight(defaultString(configuration.Market.BaseURL, DefaultMarketBaseURL), "/")
	configuration.Market.TokenEnv = defaultString(configuration.Market.TokenEnv, DefaultMarketTokenEnv)
	if len(configuration.Launch.Command) == 0 {
		configuration.Launch.Command = append([]string(nil), DefaultLaunchCommand...)
	}
	configuration.Launch.Listen = defaultString(configuration.Launch.Listen, DefaultLaunchListen)
	if configuration.Launch.Port == 0 {
		configuration.Launch.Port = DefaultLaunchPort
	}
	configuration.Launch.StartupTimeout = defaultString(configuration.Launch.StartupTimeout, DefaultStartupTimeout)
	configuration.Launch.WorkDir = strings.TrimSpace(configuration.Launch.WorkDir)
	configuration.Report.Path = strings.TrimSpace(configuration.Report.Path)
	configuration.Report.EventsPath = strings.TrimSpace(configuration.Report.EventsPath)
}

func (configuration Config) validate() error {
	switch configuration.Layout.LinkMode {
	case "symlink", "copy":
	default:
		return fmt.Errorf("unsupported layout.link_mode %q", configuration.Layout.LinkMode)
	}
	for name, value := range map[string]string{
		"fetch.retry_base_delay": configuration.Fetch.RetryBaseDelay,
		"fetch.timeout":          configuration.Fetch.Timeout,
		"launch.startup_timeout": configuration.Launch.StartupTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	if configuration.Launch.Port < 0 || configuration.Launch.Port > 65535 {
		return fmt.Errorf("launch.port out of range: %d", configuration.Launch.Port)
	}
	return nil
}

func defaultString(value string, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.ToLower(strings.TrimSpace(value))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
