package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/davidahmann/modelstage/core/doctor"
)

type doctorOutput struct {
	OK              bool           `json:"ok"`
	SchemaID        string         `json:"schema_id,omitempty"`
	SchemaVersion   string         `json:"schema_version,omitempty"`
	CreatedAt       string         `json:"created_at,omitempty"`
	ProducerVersion string         `json:"producer_version,omitempty"`
	Status          string         `json:"status,omitempty"`
	NonFixable      bool           `json:"non_fixable,omitempty"`
	Summary         string         `json:"summary,omitempty"`
	FixCommands     []string       `json:"fix_commands,omitempty"`
	Checks          []doctor.Check `json:"checks,omitempty"`
	errorFields
}

func runDoctor(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Check the model layout, hub cache, manifest, launch command and provider tokens, and print fix commands for anything that would make staging fail.")
	}
	arguments = reorderInterspersedFlags(arguments, mergeValueFlags(map[string]bool{
		"manifest": true,
		"builtin":  true,
	}))
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var stack stackFlags
	var manifestPath string
	var builtinName string
	var jsonOutput bool
	var helpFlag bool

	registerStackFlags(flagSet, &stack)
	flagSet.StringVar(&manifestPath, "manifest", "", "manifest path to validate")
	flagSet.StringVar(&builtinName, "builtin", "", "embedded manifest to validate when --manifest is not set")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeDoctorOutput(jsonOutput, doctorOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printDoctorUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeDoctorOutput(jsonOutput, doctorOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}
	configuration, err := loadConfig(stack)
	if err != nil {
		return writeDoctorOutput(jsonOutput, doctorOutput{errorFields: newErrorFields(err)}, exitCodeForError(err, exitInvalidInput))
	}

	result := doctor.Run(doctor.Options{
		LayoutRoot:      configuration.Layout.Root,
		CacheDir:        configuration.Fetch.CacheDir,
		ManifestPath:    manifestPath,
		Builtin:         builtinName,
		EventsPath:      configuration.Report.EventsPath,
		LaunchCommand:   configuration.Launch.Command,
		TokenEnvs:       []string{configuration.Hub.TokenEnv, configuration.Market.TokenEnv},
		ProducerVersion: version,
	})

	exitCode := exitOK
	ok := result.Status != "fail"
	if !ok {
		exitCode = exitMissingDependency
	}
	return writeDoctorOutput(jsonOutput, doctorOutput{
		OK:              ok,
		SchemaID:        result.SchemaID,
		SchemaVersion:   result.SchemaVersion,
		CreatedAt:       result.CreatedAt,
		ProducerVersion: result.ProducerVersion,
		Status:          result.Status,
		NonFixable:      result.NonFixable,
		Summary:         result.Summary,
		FixCommands:     result.FixCommands,
		Checks:          result.Checks,
	}, exitCode)
}

func writeDoctorOutput(jsonOutput bool, output doctorOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}

	if output.Error != "" {
		printHumanError("doctor", output.errorFields)
		return exitCode
	}
	fmt.Println(output.Summary)
	for _, check := range output.Checks {
		fmt.Printf("- %s: %s (%s)\n", check.Name, check.Status, check.Message)
		if check.FixCommand != "" {
			fmt.Printf("  fix: %s\n", check.FixCommand)
		}
	}
	return exitCode
}

func printDoctorUsage() {
	fmt.Println("Usage:")
	fmt.Println("  modelstage doctor [--manifest <path>|--builtin wan22] [--config <path>] [--layout-root <dir>] [--cache-dir <dir>] [--json] [--explain]")
}
