package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/davidahmann/modelstage/core/archive"
	coreerrors "github.com/davidahmann/modelstage/core/errors"
	"github.com/davidahmann/modelstage/core/layout"
)

type archiveOutput struct {
	OK               bool     `json:"ok"`
	Alias            string   `json:"alias,omitempty"`
	Source           string   `json:"source,omitempty"`
	FallbackUsed     bool     `json:"fallback_used,omitempty"`
	Archive          bool     `json:"archive,omitempty"`
	DeclaredFilename string   `json:"declared_filename,omitempty"`
	Candidates       []string `json:"candidates,omitempty"`
	High             string   `json:"high,omitempty"`
	Low              string   `json:"low,omitempty"`
	errorFields
}

type classifyOutput struct {
	OK   bool   `json:"ok"`
	High string `json:"high,omitempty"`
	Low  string `json:"low,omitempty"`
	errorFields
}

func runArchive(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Download a marketplace object, extract it when it is a ZIP archive, and write <alias>-HIGH and <alias>-LOW weight files chosen by file name.")
	}
	arguments = reorderInterspersedFlags(arguments, mergeValueFlags(map[string]bool{
		"alias":     true,
		"sources":   true,
		"dir":       true,
		"dest":      true,
		"extension": true,
	}))

	flagSet := flag.NewFlagSet("archive", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var stack stackFlags
	var alias string
	var sourcesCSV string
	var dir string
	var dest string
	var extension string
	var jsonOutput bool
	var helpFlag bool

	registerStackFlags(flagSet, &stack)
	flagSet.StringVar(&alias, "alias", "", "output file stem")
	flagSet.StringVar(&sourcesCSV, "sources", "", "comma-separated locations, tried in order: market:<id>, file:<path>")
	flagSet.StringVar(&dir, "dir", layout.DirLoras, "layout directory for the outputs")
	flagSet.StringVar(&dest, "dest", "", "explicit output directory (overrides --dir)")
	flagSet.StringVar(&extension, "extension", archive.DefaultExtension, "payload file extension")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeArchiveOutput(jsonOutput, archiveOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printArchiveUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeArchiveOutput(jsonOutput, archiveOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}
	if strings.TrimSpace(alias) == "" {
		return writeArchiveOutput(jsonOutput, archiveOutput{errorFields: errorFields{Error: "missing required --alias"}}, exitInvalidInput)
	}
	locations, err := parseLocations(sourcesCSV)
	if err != nil {
		return writeArchiveOutput(jsonOutput, archiveOutput{errorFields: newErrorFields(err)}, exitInvalidInput)
	}

	configuration, err := loadConfig(stack)
	if err != nil {
		return writeArchiveOutput(jsonOutput, archiveOutput{errorFields: newErrorFields(err)}, exitCodeForError(err, exitInvalidInput))
	}
	staging := newStagingStack(configuration, jsonOutput)
	destDir := strings.TrimSpace(dest)
	if destDir == "" {
		destDir, err = staging.layout.Dir(dir)
		if err != nil {
			return writeArchiveOutput(jsonOutput, archiveOutput{errorFields: newErrorFields(coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "layout_dir_unknown", "", false))}, exitInvalidInput)
		}
	}

	output := archiveOutput{Alias: alias}
	result, err := staging.resolver.ResolveFirst(context.Background(), archive.Spec{
		Alias:     alias,
		Extension: extension,
	}, locations, destDir)
	if err != nil {
		output.errorFields = newErrorFields(err)
		return writeArchiveOutput(jsonOutput, output, exitCodeForError(err, exitInternalFailure))
	}
	output.OK = true
	output.Source = result.Source
	output.FallbackUsed = result.FallbackUsed
	output.Archive = result.Archive
	output.DeclaredFilename = result.DeclaredFilename
	output.Candidates = baseNames(result.Candidates)
	output.High = result.HighPath
	output.Low = result.LowPath
	return writeArchiveOutput(jsonOutput, output, exitOK)
}

func runClassify(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Show which of the given files would become HIGH and LOW, using the same name heuristics as the archive command. Nothing is written.")
	}
	arguments = reorderInterspersedFlags(arguments, nil)

	flagSet := flag.NewFlagSet("classify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var jsonOutput bool
	var helpFlag bool

	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeClassifyOutput(jsonOutput, classifyOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printClassifyUsage()
		return exitOK
	}

	assignment, err := archive.Classify(flagSet.Args())
	if err != nil {
		return writeClassifyOutput(jsonOutput, classifyOutput{errorFields: newErrorFields(err)}, exitCodeForError(err, exitInvalidInput))
	}
	return writeClassifyOutput(jsonOutput, classifyOutput{OK: true, High: assignment.High, Low: assignment.Low}, exitOK)
}

func baseNames(paths []string) []string {
	names := make([]string, 0, len(paths))
	for _, candidate := range paths {
		names = append(names, filepath.Base(candidate))
	}
	return names
}

func writeArchiveOutput(jsonOutput bool, output archiveOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("archive ok: %s\n", output.Source)
		fmt.Printf("HIGH: %s\n", output.High)
		fmt.Printf("LOW: %s\n", output.Low)
		return exitCode
	}
	printHumanError("archive", output.errorFields)
	return exitCode
}

func writeClassifyOutput(jsonOutput bool, output classifyOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("HIGH: %s\n", output.High)
		fmt.Printf("LOW: %s\n", output.Low)
		return exitCode
	}
	printHumanError("classify", output.errorFields)
	return exitCode
}

func printArchiveUsage() {
	fmt.Println("Usage:")
	fmt.Println("  modelstage archive --alias <alias> --sources <csv> [--dir loras|--dest <dir>] [--extension .safetensors] [--config <path>] [--json] [--explain]")
}

func printClassifyUsage() {
	fmt.Println("Usage:")
	fmt.Println("  modelstage classify <file> [<file>...] [--json] [--explain]")
}
