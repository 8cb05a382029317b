package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/govready/release-grq/internal/utils/logger"
)

// DefaultTimeout bounds external programs when the caller passes none.
const DefaultTimeout = 120 * time.Second

// probeTimeout is hardcoded; a capability probe that takes longer than this
// means something is badly wrong with the host.
const probeTimeout = 5 * time.Second

// Command describes one external program invocation.
type Command struct {
	Args    []string
	Timeout time.Duration
	// Verbose streams the program output to the console as it runs and
	// reports the elapsed time. The output is still captured.
	Verbose bool
	Dir     string
}

// Result is what an invocation produced. A non-zero ExitCode is not an
// error of the runner; callers decide what it means.
type Result struct {
	Args     []string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Elapsed  time.Duration
}

// String renders the argument list the way it was executed.
func (r *Result) String() string {
	return fmt.Sprintf("%q", r.Args)
}

// CommandTimeoutError is returned when a program outlives its timeout.
type CommandTimeoutError struct {
	Args    []string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %q took longer than %.1f seconds", e.Args, e.Timeout.Seconds())
}

// CommandNotFoundError is returned when the executable does not exist.
type CommandNotFoundError struct {
	Name string
	Err  error
}

func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("command %q not found", e.Name)
}

func (e *CommandNotFoundError) Unwrap() error {
	return e.Err
}

// Executor runs commands. Tests replace Default with a MockExecutor.
type Executor interface {
	Run(ctx context.Context, c Command) (*Result, error)
}

// Default is the executor used by the package level helpers.
var Default Executor = &OSExecutor{}

// Run executes c with the Default executor.
func Run(ctx context.Context, c Command) (*Result, error) {
	return Default.Run(ctx, c)
}

// HasCommand probes whether args[0] can be executed. Only a missing
// executable counts as absent; a probe that exits non-zero or times out
// still proves the program is installed.
func HasCommand(ctx context.Context, args ...string) bool {
	return HasCommandWith(ctx, Default, args...)
}

// HasCommandWith is HasCommand on a specific executor.
func HasCommandWith(ctx context.Context, e Executor, args ...string) bool {
	if len(args) == 0 {
		return false
	}
	_, err := e.Run(ctx, Command{Args: args, Timeout: probeTimeout})
	var notFound *CommandNotFoundError
	return !errors.As(err, &notFound)
}

// OSExecutor runs commands on the host. Streamed output goes to Console,
// os.Stderr when nil, so stdout stays free for the rendered report.
type OSExecutor struct {
	Console io.Writer
}

func (e *OSExecutor) console() io.Writer {
	if e.Console != nil {
		return e.Console
	}
	return os.Stderr
}

// Run implements Executor.
func (e *OSExecutor) Run(ctx context.Context, c Command) (*Result, error) {
	if len(c.Args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	log := logger.Logger()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//nolint:gosec // G204: the argument list comes from configuration, never from a shell string
	cmd := exec.CommandContext(runCtx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	if c.Verbose {
		cmd.Stdout = io.MultiWriter(&stdout, e.console())
		cmd.Stderr = io.MultiWriter(&stderr, e.console())
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	log.Debugf("Exec: [%s]", strings.Join(c.Args, " "))
	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Args:    append([]string(nil), c.Args...),
		Stdout:  stdout.Bytes(),
		Stderr:  stderr.Bytes(),
		Elapsed: time.Since(start),
	}
	if c.Verbose {
		fmt.Fprintf(e.console(), "Elapsed time: %f seconds.\n", result.Elapsed.Seconds())
	}

	if err == nil {
		return result, nil
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return nil, &CommandNotFoundError{Name: c.Args[0], Err: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("running %s: %w", c.Args[0], ctxErr)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, &CommandTimeoutError{Args: result.Args, Timeout: timeout}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// A terminal Ctrl-C reaches the child too, possibly before ctx is
		// cancelled.
		if killedByInterrupt(exitErr) {
			return result, fmt.Errorf("running %s: %w", c.Args[0], context.Canceled)
		}
		result.ExitCode = exitErr.ExitCode()
		if len(result.Stderr) > 0 {
			log.Debugf("%s stderr: %s", c.Args[0], strings.TrimSpace(string(result.Stderr)))
		}
		return result, nil
	}

	return result, fmt.Errorf("failed to exec %s: %w", c.Args[0], err)
}

func killedByInterrupt(exitErr *exec.ExitError) bool {
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false
	}
	return ws.Signal() == syscall.SIGINT || ws.Signal() == syscall.SIGTERM
}
