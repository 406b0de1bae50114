package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
	"github.com/davidahmann/modelstage/core/fsx"
	"github.com/davidahmann/modelstage/core/manifest"
	schemaassets "github.com/davidahmann/modelstage/core/schema/v1/assets"
)

const defaultManifestPath = "modelstage.manifest.yaml"

type manifestOutput struct {
	OK       bool   `json:"ok"`
	Path     string `json:"path,omitempty"`
	Name     string `json:"name,omitempty"`
	Assets   int    `json:"assets,omitempty"`
	Required int    `json:"required,omitempty"`
	Digest   string `json:"digest,omitempty"`
	errorFields
}

func runManifest(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Write an embedded manifest to disk for editing, or validate a manifest against the schema and staging rules.")
	}
	if len(arguments) == 0 {
		printManifestUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "init":
		return runManifestInit(arguments[1:])
	case "validate":
		return runManifestValidate(arguments[1:])
	default:
		printManifestUsage()
		return exitInvalidInput
	}
}

func runManifestInit(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"builtin": true, "out": true})

	flagSet := flag.NewFlagSet("manifest-init", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var builtinName string
	var outPath string
	var force bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&builtinName, "builtin", manifest.DefaultBuiltin, "embedded manifest to start from")
	flagSet.StringVar(&outPath, "out", defaultManifestPath, "output path")
	flagSet.BoolVar(&force, "force", false, "overwrite an existing file")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeManifestOutput(jsonOutput, "manifest init", manifestOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printManifestUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeManifestOutput(jsonOutput, "manifest init", manifestOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}
	content, err := manifest.BuiltinRaw(builtinName)
	if err != nil {
		return writeManifestOutput(jsonOutput, "manifest init", manifestOutput{errorFields: newErrorFields(err)}, exitInvalidInput)
	}
	if _, err := os.Stat(outPath); err == nil && !force {
		return writeManifestOutput(jsonOutput, "manifest init", manifestOutput{
			Path:        outPath,
			errorFields: newErrorFields(coreerrors.Newf(coreerrors.CategoryInvalidInput, "manifest_exists", "pass --force to overwrite", "%s already exists", outPath)),
		}, exitInvalidInput)
	}
	if err := fsx.WriteFileAtomic(outPath, content, 0o644); err != nil {
		return writeManifestOutput(jsonOutput, "manifest init", manifestOutput{errorFields: errorFields{Error: err.Error()}}, exitInternalFailure)
	}
	plan, err := manifest.Parse(content)
	if err != nil {
		return writeManifestOutput(jsonOutput, "manifest init", manifestOutput{errorFields: newErrorFields(err)}, exitInternalFailure)
	}
	return writeManifestOutput(jsonOutput, "manifest init", summarizeManifest(outPath, plan), exitOK)
}

func runManifestValidate(arguments []string) int {
	arguments = reorderInterspersedFlags(arguments, map[string]bool{"builtin": true})

	flagSet := flag.NewFlagSet("manifest-validate", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var builtinName string
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&builtinName, "builtin", "", "validate an embedded manifest")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeManifestOutput(jsonOutput, "manifest validate", manifestOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printManifestUsage()
		return exitOK
	}
	positionals := flagSet.Args()
	if len(positionals) > 1 || (len(positionals) == 1 && strings.TrimSpace(builtinName) != "") {
		return writeManifestOutput(jsonOutput, "manifest validate", manifestOutput{errorFields: errorFields{Error: "expected one <manifest.yaml> or --builtin <name>"}}, exitInvalidInput)
	}

	label := "builtin:" + builtinName
	var plan schemaassets.Manifest
	var err error
	if len(positionals) == 1 {
		label = positionals[0]
		plan, err = manifest.LoadFile(label)
	} else {
		if strings.TrimSpace(builtinName) == "" {
			label = "builtin:" + manifest.DefaultBuiltin
		}
		plan, err = manifest.Builtin(builtinName)
	}
	if err != nil {
		return writeManifestOutput(jsonOutput, "manifest validate", manifestOutput{Path: label, errorFields: newErrorFields(err)}, exitCodeForError(err, exitInvalidInput))
	}
	return writeManifestOutput(jsonOutput, "manifest validate", summarizeManifest(label, plan), exitOK)
}

func summarizeManifest(label string, plan schemaassets.Manifest) manifestOutput {
	output := manifestOutput{OK: true, Path: label, Name: plan.Name, Assets: len(plan.Assets)}
	for _, asset := range plan.Assets {
		if asset.Required {
			output.Required++
		}
	}
	if digest, err := manifest.Digest(plan); err == nil {
		output.Digest = digest
	}
	return output
}

func writeManifestOutput(jsonOutput bool, command string, output manifestOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("%s ok: %s name=%s assets=%d required=%d digest=%s\n", command, output.Path, output.Name, output.Assets, output.Required, output.Digest)
		return exitCode
	}
	printHumanError(command, output.errorFields)
	return exitCode
}

func printManifestUsage() {
	fmt.Println("Usage:")
	fmt.Println("  modelstage manifest init [--builtin wan22] [--out modelstage.manifest.yaml] [--force] [--json] [--explain]")
	fmt.Println("  modelstage manifest validate [<manifest.yaml>|--builtin wan22] [--json] [--explain]")
}
