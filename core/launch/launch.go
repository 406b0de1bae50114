// Package launch starts the downstream workflow server once models are staged
// and waits for it to answer HTTP.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
	"github.com/davidahmann/modelstage/core/logging"
)

const defaultPollInterval = 500 * time.Millisecond

type Options struct {
	Command        []string
	Listen         string
	Port           int
	WorkDir        string
	StartupTimeout time.Duration
	// Wait blocks Launch until the server answers HTTP or StartupTimeout expires.
	Wait bool
	// Detach keeps the server running after ctx is canceled. Readiness
	// waiting still honors ctx.
	Detach bool
}

type Process interface {
	Wait() error
	Kill() error
	PID() int
}

type Starter func(ctx context.Context, workDir string, argv []string, stdout io.Writer, stderr io.Writer) (Process, error)

type Launcher struct {
	Start        Starter
	HTTPClient   *http.Client
	Stdout       io.Writer
	Stderr       io.Writer
	Logger       logrus.FieldLogger
	PollInterval time.Duration
}

type Result struct {
	Argv       []string `json:"argv"`
	PID        int      `json:"pid"`
	URL        string   `json:"url"`
	Ready      bool     `json:"ready"`
	ReadyAfter int64    `json:"ready_after_ms,omitempty"`
}

// Argv appends the listen address and port to the base command.
func Argv(opts Options) ([]string, error) {
	if len(opts.Command) == 0 || strings.TrimSpace(opts.Command[0]) == "" {
		return nil, coreerrors.Newf(coreerrors.CategoryInvalidInput, "launch_command_required", "set launch.command", "launch command is required")
	}
	listen := strings.TrimSpace(opts.Listen)
	if listen == "" {
		return nil, coreerrors.Newf(coreerrors.CategoryInvalidInput, "launch_listen_required", "set launch.listen", "listen address is required")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, coreerrors.Newf(coreerrors.CategoryInvalidInput, "launch_port_invalid", "use a port between 1 and 65535", "invalid port %d", opts.Port)
	}
	argv := make([]string, 0, len(opts.Command)+4)
	argv = append(argv, opts.Command...)
	return append(argv, "--listen", listen, "--port", strconv.Itoa(opts.Port)), nil
}

// ReadyURL is the address readiness is checked on. Wildcard listen addresses
// are checked on loopback.
func ReadyURL(listen string, port int) string {
	host := strings.TrimSpace(listen)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(port)) + "/"
}

// Launch starts the server. When opts.Wait is set and the server never becomes
// ready, the process is killed and the error is returned.
func (l *Launcher) Launch(ctx context.Context, opts Options) (Result, Process, error) {
	argv, err := Argv(opts)
	if err != nil {
		return Result{}, nil, err
	}
	logger := l.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	start := l.Start
	if start == nil {
		start = defaultStarter
	}
	result := Result{Argv: argv, URL: ReadyURL(opts.Listen, opts.Port)}
	logger.Infof("Launching %s", strings.Join(argv, " "))
	processCtx := ctx
	if opts.Detach {
		processCtx = context.WithoutCancel(ctx)
	}
	process, err := start(processCtx, opts.WorkDir, argv, l.Stdout, l.Stderr)
	if err != nil {
		return result, nil, coreerrors.Wrap(fmt.Errorf("start %s: %w", argv[0], err), coreerrors.CategoryDependencyMissing, "launch_start_failed", "install the launch command or set launch.command", false)
	}
	result.PID = process.PID()
	if !opts.Wait {
		return result, process, nil
	}

	started := time.Now()
	if err := WaitReady(ctx, l.HTTPClient, result.URL, opts.StartupTimeout, l.PollInterval); err != nil {
		_ = process.Kill()
		return result, nil, err
	}
	result.Ready = true
	result.ReadyAfter = time.Since(started).Milliseconds()
	logger.Infof("✔ Server ready at %s", result.URL)
	return result, process, nil
}

// WaitReady polls url until any HTTP response arrives. Connection errors are
// retried until timeout.
func WaitReady(ctx context.Context, client *http.Client, url string, timeout time.Duration, interval time.Duration) error {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var lastErr error
	for {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "launch_ready_url_invalid", "", false)
		}
		response, err := client.Do(request)
		if err == nil {
			_ = response.Body.Close()
			return nil
		}
		lastErr = err

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			cause := ctx.Err()
			if errors.Is(cause, context.DeadlineExceeded) {
				return coreerrors.Wrap(
					fmt.Errorf("server not ready at %s after %s: %w", url, timeout, lastErr),
					coreerrors.CategoryNetworkTransient,
					"launch_startup_timeout",
					"raise launch.startup_timeout or check the server logs",
					true,
				)
			}
			return coreerrors.Wrap(fmt.Errorf("wait for %s: %w", url, cause), coreerrors.CategoryInternalFailure, "launch_canceled", "", false)
		case <-timer.C:
		}
	}
}

type execProcess struct {
	command *exec.Cmd
}

func (p execProcess) Wait() error {
	return p.command.Wait()
}

func (p execProcess) Kill() error {
	if p.command.Process == nil {
		return nil
	}
	return p.command.Process.Kill()
}

func (p execProcess) PID() int {
	if p.command.Process == nil {
		return 0
	}
	return p.command.Process.Pid
}

func defaultStarter(ctx context.Context, workDir string, argv []string, stdout io.Writer, stderr io.Writer) (Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("missing command")
	}
	command := exec.CommandContext(ctx, argv[0], argv[1:]...) // #nosec G204 -- argv comes from local config and flags.
	command.Dir = strings.TrimSpace(workDir)
	command.Stdout = stdout
	command.Stderr = stderr
	if err := command.Start(); err != nil {
		return nil, err
	}
	return execProcess{command: command}, nil
}
