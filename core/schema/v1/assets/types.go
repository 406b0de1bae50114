package assets

import "time"

const (
	ManifestSchemaID = "modelstage.manifest"
	ReportSchemaID   = "modelstage.report"
	EventSchemaID    = "modelstage.event"
	SchemaVersion    = "1.0.0"
)

const (
	KindHub     = "hub"
	KindMarket  = "market"
	KindArchive = "archive"
)

const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusPartial = "partial"
)

type Manifest struct {
	SchemaID      string  `json:"schema_id"`
	SchemaVersion string  `json:"schema_version"`
	Name          string  `json:"name"`
	Assets        []Asset `json:"assets"`
}

// Asset is one named weight file (or HIGH/LOW pair for archives) the
// downstream application expects under a layout directory.
type Asset struct {
	Name      string   `json:"name"`
	Kind      string   `json:"kind"`
	Dir       string   `json:"dir"`
	Target    string   `json:"target,omitempty"`
	Alias     string   `json:"alias,omitempty"`
	Extension string   `json:"extension,omitempty"`
	Required  bool     `json:"required,omitempty"`
	ManualURL string   `json:"manual_url,omitempty"`
	Sources   []Source `json:"sources"`
}

type Source struct {
	Provider   string `json:"provider,omitempty"`
	Repository string `json:"repository,omitempty"`
	Path       string `json:"path"`
}

type Report struct {
	SchemaID        string        `json:"schema_id"`
	SchemaVersion   string        `json:"schema_version"`
	CreatedAt       time.Time     `json:"created_at"`
	ProducerVersion string        `json:"producer_version"`
	RunID           string        `json:"run_id"`
	ManifestName    string        `json:"manifest_name"`
	ManifestDigest  string        `json:"manifest_digest"`
	Status          string        `json:"status"`
	Summary         ReportSummary `json:"summary"`
	Results         []AssetResult `json:"results"`
}

type ReportSummary struct {
	Total           int      `json:"total"`
	OK              int      `json:"ok"`
	Failed          int      `json:"failed"`
	RequiredMissing []string `json:"required_missing,omitempty"`
}

type AssetResult struct {
	Name             string   `json:"name"`
	Kind             string   `json:"kind"`
	Status           string   `json:"status"`
	Source           string   `json:"source,omitempty"`
	Outputs          []string `json:"outputs,omitempty"`
	FallbackUsed     bool     `json:"fallback_used,omitempty"`
	Cached           bool     `json:"cached,omitempty"`
	LinkMode         string   `json:"link_mode,omitempty"`
	DeclaredFilename string   `json:"declared_filename,omitempty"`
	Error            string   `json:"error,omitempty"`
	ErrorCategory    string   `json:"error_category,omitempty"`
	ErrorCode        string   `json:"error_code,omitempty"`
	Hint             string   `json:"hint,omitempty"`
	DurationMS       int64    `json:"duration_ms"`
}

type Event struct {
	SchemaID       string      `json:"schema_id"`
	SchemaVersion  string      `json:"schema_version"`
	CreatedAt      time.Time   `json:"created_at"`
	RunID          string      `json:"run_id"`
	ManifestDigest string      `json:"manifest_digest"`
	Result         AssetResult `json:"result"`
}
