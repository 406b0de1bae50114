package main

import (
	"fmt"
	"os"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

const (
	exitOK                  = 0
	exitInternalFailure     = 1
	exitProvisionIncomplete = 2
	exitNoPayload           = 3
	exitNetworkFailure      = 4
	exitArchiveInvalid      = 5
	exitInvalidInput        = 6
	exitMissingDependency   = 7
)

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		fmt.Println("modelstage", version)
		return exitOK
	}
	if arguments[1] == "--explain" {
		return writeExplain("modelstage stages model weights for a workflow server: it resolves assets from ordered hub, marketplace and local sources, turns marketplace archives into HIGH/LOW weight pairs, and launches the server once staging is done.")
	}

	switch arguments[1] {
	case "provision":
		return runProvision(arguments[2:])
	case "fetch":
		return runFetch(arguments[2:])
	case "archive":
		return runArchive(arguments[2:])
	case "classify":
		return runClassify(arguments[2:])
	case "manifest":
		return runManifest(arguments[2:])
	case "doctor":
		return runDoctor(arguments[2:])
	case "launch":
		return runLaunch(arguments[2:])
	case "version", "--version", "-v":
		if hasExplainFlag(arguments[2:]) {
			return writeExplain("Print the CLI version.")
		}
		fmt.Println("modelstage", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  modelstage provision [--manifest <path>|--builtin wan22] [--config <path>] [--layout-root <dir>] [--cache-dir <dir>] [--link-mode symlink|copy] [--report <path>] [--events <path>] [--json] [--explain]")
	fmt.Println("  modelstage fetch --name <name> --dir <layout dir> --sources <csv> [--target <file>] [--config <path>] [--json] [--explain]")
	fmt.Println("  modelstage archive --alias <alias> --sources <csv> [--dir loras] [--dest <dir>] [--extension .safetensors] [--config <path>] [--json] [--explain]")
	fmt.Println("  modelstage classify <file> [<file>...] [--json] [--explain]")
	fmt.Println("  modelstage manifest init [--builtin wan22] [--out modelstage.manifest.yaml] [--force] [--json] [--explain]")
	fmt.Println("  modelstage manifest validate [<manifest.yaml>|--builtin wan22] [--json] [--explain]")
	fmt.Println("  modelstage doctor [--manifest <path>] [--config <path>] [--json] [--explain]")
	fmt.Println("  modelstage launch [--listen <addr>] [--port <n>] [--wait] [--startup-timeout <duration>] [--config <path>] [--json] [--explain]")
	fmt.Println("  modelstage version")
}
