package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/davidahmann/modelstage/core/manifest"
	"github.com/davidahmann/modelstage/core/provision"
	schemaassets "github.com/davidahmann/modelstage/core/schema/v1/assets"
	"github.com/davidahmann/modelstage/core/source"
)

type provisionOutput struct {
	OK         bool                 `json:"ok"`
	ReportPath string               `json:"report_path,omitempty"`
	Report     *schemaassets.Report `json:"report,omitempty"`
	errorFields
}

func runProvision(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Stage every asset in a manifest into the model layout, one at a time. A failing asset is logged and skipped; the command fails only when a required asset is missing.")
	}
	arguments = reorderInterspersedFlags(arguments, mergeValueFlags(map[string]bool{
		"manifest": true,
		"builtin":  true,
		"report":   true,
		"events":   true,
	}))

	flagSet := flag.NewFlagSet("provision", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var stack stackFlags
	var manifestPath string
	var builtinName string
	var reportPath string
	var eventsPath string
	var jsonOutput bool
	var helpFlag bool

	registerStackFlags(flagSet, &stack)
	flagSet.StringVar(&manifestPath, "manifest", "", "manifest path (yaml or json)")
	flagSet.StringVar(&builtinName, "builtin", "", "embedded manifest name (default wan22)")
	flagSet.StringVar(&reportPath, "report", "", "write the provisioning report to this path")
	flagSet.StringVar(&eventsPath, "events", "", "append one JSONL event per asset to this path")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeProvisionOutput(jsonOutput, provisionOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printProvisionUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeProvisionOutput(jsonOutput, provisionOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}
	if strings.TrimSpace(manifestPath) != "" && strings.TrimSpace(builtinName) != "" {
		return writeProvisionOutput(jsonOutput, provisionOutput{errorFields: errorFields{Error: "use either --manifest or --builtin"}}, exitInvalidInput)
	}

	configuration, err := loadConfig(stack)
	if err != nil {
		return writeProvisionOutput(jsonOutput, provisionOutput{errorFields: newErrorFields(err)}, exitCodeForError(err, exitInvalidInput))
	}
	plan, err := loadPlan(manifestPath, builtinName)
	if err != nil {
		return writeProvisionOutput(jsonOutput, provisionOutput{errorFields: newErrorFields(err)}, exitCodeForError(err, exitInvalidInput))
	}
	if strings.TrimSpace(reportPath) == "" {
		reportPath = configuration.Report.Path
	}
	if strings.TrimSpace(eventsPath) == "" {
		eventsPath = configuration.Report.EventsPath
	}

	staging := newStagingStack(configuration, jsonOutput)
	report, err := provision.Run(context.Background(), plan, provision.Options{
		Layout:     staging.layout,
		Fetcher:    staging.fetcher,
		Resolver:   staging.resolver,
		EventsPath: eventsPath,
		ManualURL: func(location source.Location) string {
			return staging.market.ManualURL(location.Path)
		},
		Logger:          staging.logger,
		ProducerVersion: version,
	})
	if err != nil {
		return writeProvisionOutput(jsonOutput, provisionOutput{errorFields: newErrorFields(err)}, exitCodeForError(err, exitInternalFailure))
	}
	if strings.TrimSpace(reportPath) != "" {
		if err := provision.WriteReport(reportPath, report); err != nil {
			return writeProvisionOutput(jsonOutput, provisionOutput{Report: &report, errorFields: errorFields{Error: err.Error()}}, exitInternalFailure)
		}
	}

	output := provisionOutput{OK: len(report.Summary.RequiredMissing) == 0, ReportPath: reportPath, Report: &report}
	exitCode := exitOK
	if !output.OK {
		exitCode = exitProvisionIncomplete
		output.Error = "required assets missing: " + strings.Join(report.Summary.RequiredMissing, ", ")
		output.ErrorCode = "required_missing"
	}
	return writeProvisionOutput(jsonOutput, output, exitCode)
}

func loadPlan(manifestPath string, builtinName string) (schemaassets.Manifest, error) {
	if strings.TrimSpace(manifestPath) != "" {
		return manifest.LoadFile(manifestPath)
	}
	return manifest.Builtin(builtinName)
}

func writeProvisionOutput(jsonOutput bool, output provisionOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Report != nil {
		summary := output.Report.Summary
		fmt.Printf("provision %s: manifest=%s total=%d ok=%d failed=%d\n", output.Report.Status, output.Report.ManifestName, summary.Total, summary.OK, summary.Failed)
		for _, result := range output.Report.Results {
			if result.Status == schemaassets.StatusOK {
				continue
			}
			fmt.Printf("- %s: %s\n", result.Name, result.Error)
			if result.Hint != "" {
				fmt.Printf("  hint: %s\n", result.Hint)
			}
		}
		if output.ReportPath != "" {
			fmt.Printf("report: %s\n", output.ReportPath)
		}
	}
	if output.Error != "" {
		printHumanError("provision", output.errorFields)
	}
	return exitCode
}

func printProvisionUsage() {
	fmt.Println("Usage:")
	fmt.Println("  modelstage provision [--manifest <path>|--builtin wan22] [--config <path>] [--layout-root <dir>] [--cache-dir <dir>] [--link-mode symlink|copy] [--allow-insecure-http] [--report <path>] [--events <path>] [--json] [--explain]")
}
