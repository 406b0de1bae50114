package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/modelstage/core/manifest"
	"github.com/davidahmann/modelstage/core/schema/validate"
	"github.com/davidahmann/modelstage/schemas"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

type Options struct {
	LayoutRoot string
	CacheDir   string
	// ManifestPath is checked when set; otherwise Builtin names an embedded manifest.
	ManifestPath string
	Builtin      string
	// EventsPath is the provisioning event log; when set, recorded lines are
	// checked against the event schema.
	EventsPath      string
	LaunchCommand   []string
	TokenEnvs       []string
	ProducerVersion string
	LookupEnv       func(string) (string, bool)
	LookPath        func(string) (string, error)
}

type Result struct {
	SchemaID        string   `json:"schema_id"`
	SchemaVersion   string   `json:"schema_version"`
	CreatedAt       string   `json:"created_at"`
	ProducerVersion string   `json:"producer_version"`
	Status          string   `json:"status"`
	NonFixable      bool     `json:"non_fixable"`
	Summary         string   `json:"summary"`
	FixCommands     []string `json:"fix_commands"`
	Checks          []Check  `json:"checks"`
}

type Check struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	FixCommand string `json:"fix_command,omitempty"`
	NonFixable bool   `json:"non_fixable,omitempty"`
}

func Run(opts Options) Result {
	producerVersion := strings.TrimSpace(opts.ProducerVersion)
	if producerVersion == "" {
		producerVersion = "0.0.0-dev"
	}
	lookupEnv := opts.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	checks := []Check{
		checkWritableDir("layout_root", opts.LayoutRoot),
		checkWritableDir("cache_dir", opts.CacheDir),
		checkManifest(opts.ManifestPath, opts.Builtin),
		checkLaunchBinary(opts.LaunchCommand, lookPath),
	}
	if strings.TrimSpace(opts.EventsPath) != "" {
		checks = append(checks, checkEventsLog(opts.EventsPath))
	}
	for _, envName := range opts.TokenEnvs {
		checks = append(checks, checkTokenEnv(envName, lookupEnv))
	}

	failed := 0
	warned := 0
	nonFixable := false
	fixCommands := make([]string, 0, len(checks))
	seenFixes := map[string]struct{}{}
	for _, check := range checks {
		switch check.Status {
		case statusFail:
			failed++
		case statusWarn:
			warned++
		}
		if check.NonFixable {
			nonFixable = true
		}
		if check.FixCommand != "" {
			if _, ok := seenFixes[check.FixCommand]; !ok {
				seenFixes[check.FixCommand] = struct{}{}
				fixCommands = append(fixCommands, check.FixCommand)
			}
		}
	}

	status := statusPass
	if failed > 0 {
		status = statusFail
	} else if warned > 0 {
		status = statusWarn
	}

	sort.Strings(fixCommands)
	summary := fmt.Sprintf("doctor: status=%s failed=%d warned=%d non_fixable=%t", status, failed, warned, nonFixable)

	return Result{
		SchemaID:        "modelstage.doctor.result",
		SchemaVersion:   "1.0.0",
		CreatedAt:       time.Now().UTC().Format(time.RFC3339Nano),
		ProducerVersion: producerVersion,
		Status:          status,
		NonFixable:      nonFixable,
		Summary:         summary,
		FixCommands:     fixCommands,
		Checks:          checks,
	}
}

// checkWritableDir warns on a missing directory since provisioning creates it.
func checkWritableDir(name string, dir string) Check {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return Check{
			Name:    name,
			Status:  statusFail,
			Message: "path is not configured",
		}
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Check{
				Name:       name,
				Status:     statusWarn,
				Message:    "directory does not exist",
				FixCommand: fmt.Sprintf("mkdir -p %s", shellQuote(dir)),
			}
		}
		return Check{
			Name:    name,
			Status:  statusFail,
			Message: fmt.Sprintf("directory check failed: %v", err),
		}
	}
	if !info.IsDir() {
		return Check{
			Name:    name,
			Status:  statusFail,
			Message: "path is not a directory",
		}
	}
	testPath := filepath.Join(dir, ".modelstage-doctor-writecheck")
	if err := os.WriteFile(testPath, []byte("ok"), 0o600); err != nil {
		return Check{
			Name:       name,
			Status:     statusFail,
			Message:    fmt.Sprintf("directory not writable: %v", err),
			FixCommand: fmt.Sprintf("chmod u+w %s", shellQuote(dir)),
		}
	}
	_ = os.Remove(testPath)
	return Check{
		Name:    name,
		Status:  statusPass,
		Message: "directory is writable",
	}
}

func checkManifest(manifestPath string, builtin string) Check {
	var err error
	var assetCount int
	label := strings.TrimSpace(manifestPath)
	fixArgs := shellQuote(label)
	if label != "" {
		loaded, loadErr := manifest.LoadFile(label)
		err = loadErr
		assetCount = len(loaded.Assets)
	} else {
		if strings.TrimSpace(builtin) == "" {
			builtin = manifest.DefaultBuiltin
		}
		label = "builtin:" + builtin
		fixArgs = "--builtin " + shellQuote(builtin)
		loaded, loadErr := manifest.Builtin(builtin)
		err = loadErr
		assetCount = len(loaded.Assets)
	}
	if err != nil {
		return Check{
			Name:       "manifest",
			Status:     statusFail,
			Message:    fmt.Sprintf("%s is invalid: %v", label, err),
			FixCommand: "modelstage manifest validate " + fixArgs,
		}
	}
	return Check{
		Name:    "manifest",
		Status:  statusPass,
		Message: fmt.Sprintf("%s is valid (%d assets)", label, assetCount),
	}
}

// checkEventsLog warns when the event log holds lines that readers of the log
// would reject. A log that does not exist yet passes.
func checkEventsLog(eventsPath string) Check {
	path := strings.TrimSpace(eventsPath)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Check{
			Name:    "events_log",
			Status:  statusPass,
			Message: fmt.Sprintf("%s not written yet", path),
		}
	}
	if err := validate.ValidateJSONLFile(schemas.Event, path); err != nil {
		return Check{
			Name:       "events_log",
			Status:     statusWarn,
			Message:    fmt.Sprintf("%s has invalid events: %v", path, err),
			FixCommand: "mv " + shellQuote(path) + " " + shellQuote(path+".bak"),
		}
	}
	return Check{
		Name:    "events_log",
		Status:  statusPass,
		Message: fmt.Sprintf("%s matches the event schema", path),
	}
}

func checkLaunchBinary(command []string, lookPath func(string) (string, error)) Check {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return Check{
			Name:    "launch_binary",
			Status:  statusWarn,
			Message: "launch command is not configured",
		}
	}
	resolved, err := lookPath(command[0])
	if err != nil {
		return Check{
			Name:    "launch_binary",
			Status:  statusWarn,
			Message: fmt.Sprintf("%s not found on PATH; launch will fail", command[0]),
		}
	}
	return Check{
		Name:    "launch_binary",
		Status:  statusPass,
		Message: fmt.Sprintf("%s resolved to %s", command[0], resolved),
	}
}

func checkTokenEnv(envName string, lookupEnv func(string) (string, bool)) Check {
	name := "token_env:" + envName
	if value, ok := lookupEnv(envName); ok && strings.TrimSpace(value) != "" {
		return Check{
			Name:    name,
			Status:  statusPass,
			Message: envName + " is set",
		}
	}
	return Check{
		Name:       name,
		Status:     statusWarn,
		Message:    envName + " is not set; gated downloads will be refused",
		FixCommand: "export " + envName + "=<token>",
	}
}

func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
