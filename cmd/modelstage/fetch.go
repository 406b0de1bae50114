package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
	"github.com/davidahmann/modelstage/core/fetch"
)

type fetchOutput struct {
	OK           bool            `json:"ok"`
	Name         string          `json:"name,omitempty"`
	Target       string          `json:"target,omitempty"`
	Source       string          `json:"source,omitempty"`
	FallbackUsed bool            `json:"fallback_used,omitempty"`
	Cached       bool            `json:"cached,omitempty"`
	Placement    string          `json:"placement,omitempty"`
	Attempts     []fetch.Attempt `json:"attempts,omitempty"`
	errorFields
}

func runFetch(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Fetch one asset from an ordered list of source locations. Each location is tried once; the first that resolves is linked or copied into the layout directory.")
	}
	arguments = reorderInterspersedFlags(arguments, mergeValueFlags(map[string]bool{
		"name":    true,
		"dir":     true,
		"target":  true,
		"sources": true,
	}))

	flagSet := flag.NewFlagSet("fetch", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var stack stackFlags
	var name string
	var dir string
	var target string
	var sourcesCSV string
	var jsonOutput bool
	var helpFlag bool

	registerStackFlags(flagSet, &stack)
	flagSet.StringVar(&name, "name", "", "asset name used in logs")
	flagSet.StringVar(&dir, "dir", "", "layout directory: diffusion_models, vae, text_encoders, loras or unet")
	flagSet.StringVar(&target, "target", "", "target file name (defaults to the first source's base name)")
	flagSet.StringVar(&sourcesCSV, "sources", "", "comma-separated locations: <org>/<name>/<path>, market:<id>, file:<path>")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeFetchOutput(jsonOutput, fetchOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printFetchUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeFetchOutput(jsonOutput, fetchOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}
	locations, err := parseLocations(sourcesCSV)
	if err != nil {
		return writeFetchOutput(jsonOutput, fetchOutput{errorFields: newErrorFields(err)}, exitInvalidInput)
	}
	if strings.TrimSpace(target) == "" {
		target = path.Base(locations[0].Path)
	}
	if strings.TrimSpace(name) == "" {
		name = target
	}

	configuration, err := loadConfig(stack)
	if err != nil {
		return writeFetchOutput(jsonOutput, fetchOutput{errorFields: newErrorFields(err)}, exitCodeForError(err, exitInvalidInput))
	}
	staging := newStagingStack(configuration, jsonOutput)
	targetDir, err := staging.layout.Dir(dir)
	if err != nil {
		return writeFetchOutput(jsonOutput, fetchOutput{errorFields: newErrorFields(coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "layout_dir_unknown", "use diffusion_models, vae, text_encoders, loras or unet", false))}, exitInvalidInput)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return writeFetchOutput(jsonOutput, fetchOutput{errorFields: errorFields{Error: err.Error()}}, exitInternalFailure)
	}

	result, err := staging.fetcher.Fetch(context.Background(), fetch.AssetSpec{
		Name:       name,
		Locations:  locations,
		TargetDir:  targetDir,
		TargetName: target,
	})
	output := fetchOutput{
		Name:     name,
		Attempts: result.Attempts,
	}
	if err != nil {
		staging.logger.Warnf("!! Could not fetch %s. Please provide an alternate repo/path.", target)
		output.errorFields = newErrorFields(err)
		return writeFetchOutput(jsonOutput, output, exitCodeForError(err, exitNetworkFailure))
	}
	output.OK = true
	output.Target = result.Target
	output.Source = result.Location.String()
	output.FallbackUsed = result.FallbackUsed
	output.Cached = result.Cached
	output.Placement = result.Placement
	return writeFetchOutput(jsonOutput, output, exitOK)
}

func writeFetchOutput(jsonOutput bool, output fetchOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("fetch ok: %s -> %s (%s)\n", output.Source, output.Target, output.Placement)
		return exitCode
	}
	printHumanError("fetch", output.errorFields)
	return exitCode
}

func printFetchUsage() {
	fmt.Println("Usage:")
	fmt.Println("  modelstage fetch --dir <layout dir> --sources <csv> [--name <name>] [--target <file>] [--config <path>] [--layout-root <dir>] [--cache-dir <dir>] [--link-mode symlink|copy] [--json] [--explain]")
}
