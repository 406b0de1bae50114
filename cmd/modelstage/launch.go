package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/davidahmann/modelstage/core/launch"
	"github.com/davidahmann/modelstage/core/projectconfig"
)

type launchOutput struct {
	OK     bool          `json:"ok"`
	Result launch.Result `json:"result"`
	errorFields
}

var launchStarter launch.Starter

func runLaunch(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Start the workflow server on one listen address and port. With --wait, block until it answers HTTP or the startup timeout passes.")
	}
	arguments = reorderInterspersedFlags(arguments, map[string]bool{
		"config":          true,
		"listen":          true,
		"port":            true,
		"startup-timeout": true,
		"workdir":         true,
	})

	flagSet := flag.NewFlagSet("launch", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var configPath string
	var listen string
	var port int
	var startupTimeout string
	var workDir string
	var wait bool
	var detach bool
	var jsonOutput bool
	var helpFlag bool

	flagSet.StringVar(&configPath, "config", projectconfig.DefaultPath, "project config path")
	flagSet.StringVar(&listen, "listen", "", "listen address (overrides launch.listen)")
	flagSet.IntVar(&port, "port", 0, "listen port (overrides launch.port)")
	flagSet.StringVar(&startupTimeout, "startup-timeout", "", "readiness timeout (overrides launch.startup_timeout)")
	flagSet.StringVar(&workDir, "workdir", "", "server working directory")
	flagSet.BoolVar(&wait, "wait", false, "wait until the server answers HTTP")
	flagSet.BoolVar(&detach, "detach", false, "return once started instead of waiting for the server to exit")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&helpFlag, "help", false, "show help")

	if err := flagSet.Parse(arguments); err != nil {
		return writeLaunchOutput(jsonOutput, launchOutput{errorFields: errorFields{Error: err.Error()}}, exitInvalidInput)
	}
	if helpFlag {
		printLaunchUsage()
		return exitOK
	}
	if len(flagSet.Args()) > 0 {
		return writeLaunchOutput(jsonOutput, launchOutput{errorFields: errorFields{Error: "unexpected positional arguments"}}, exitInvalidInput)
	}

	configuration, err := loadConfig(stackFlags{configPath: configPath})
	if err != nil {
		return writeLaunchOutput(jsonOutput, launchOutput{errorFields: newErrorFields(err)}, exitCodeForError(err, exitInvalidInput))
	}
	opts := launch.Options{
		Command:        configuration.Launch.Command,
		Listen:         configuration.Launch.Listen,
		Port:           configuration.Launch.Port,
		WorkDir:        configuration.Launch.WorkDir,
		StartupTimeout: configuration.StartupTimeout(),
		Wait:           wait,
		Detach:         detach,
	}
	if strings.TrimSpace(listen) != "" {
		opts.Listen = listen
	}
	if port != 0 {
		opts.Port = port
	}
	if strings.TrimSpace(workDir) != "" {
		opts.WorkDir = workDir
	}
	if strings.TrimSpace(startupTimeout) != "" {
		parsed, err := time.ParseDuration(startupTimeout)
		if err != nil || parsed <= 0 {
			return writeLaunchOutput(jsonOutput, launchOutput{errorFields: errorFields{Error: "invalid --startup-timeout"}}, exitInvalidInput)
		}
		opts.StartupTimeout = parsed
	}

	var serverOutput io.Writer = os.Stdout
	if jsonOutput {
		serverOutput = os.Stderr
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	launcher := &launch.Launcher{Start: launchStarter, Stdout: serverOutput, Stderr: os.Stderr}
	result, process, err := launcher.Launch(ctx, opts)
	if err != nil {
		return writeLaunchOutput(jsonOutput, launchOutput{Result: result, errorFields: newErrorFields(err)}, exitCodeForError(err, exitInternalFailure))
	}
	code := writeLaunchOutput(jsonOutput, launchOutput{OK: true, Result: result}, exitOK)
	if detach {
		return code
	}
	if err := process.Wait(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "launch: server exited: %v\n", err)
		return exitInternalFailure
	}
	return code
}

func writeLaunchOutput(jsonOutput bool, output launchOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.OK {
		fmt.Printf("launch: %s (pid %d)\n", strings.Join(output.Result.Argv, " "), output.Result.PID)
		if output.Result.Ready {
			fmt.Printf("ready: %s after %dms\n", output.Result.URL, output.Result.ReadyAfter)
		}
		return exitCode
	}
	printHumanError("launch", output.errorFields)
	return exitCode
}

func printLaunchUsage() {
	fmt.Println("Usage:")
	fmt.Println("  modelstage launch [--listen <addr>] [--port <n>] [--wait] [--startup-timeout <duration>] [--workdir <dir>] [--detach] [--config <path>] [--json] [--explain]")
}
