package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds a single verification run.
const DefaultTimeout = 5 * time.Minute

// Result is the outcome of one command run. A non-zero exit code is not an
// error at this layer; the caller decides what failing verification means.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Passed reports whether the command exited zero.
func (r Result) Passed() bool {
	return r.ExitCode == 0
}

// Output renders the combined output for feeding back into a retry prompt.
func (r Result) Output() string {
	var buf bytes.Buffer
	if r.Stdout != "" {
		buf.WriteString(r.Stdout)
	}
	if r.Stderr != "" {
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(r.Stderr)
	}
	return buf.String()
}

// Runner executes verification commands in a workspace directory.
type Runner struct {
	timeout time.Duration
}

// NewRunner creates a Runner with the given per-run timeout. Zero means the
// default.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{timeout: timeout}
}

// Run executes a shell command in dir and captures its output. The command
// runs in its own process group so a timeout or cancellation kills the whole
// subprocess tree, not just the shell.
func (r *Runner) Run(ctx context.Context, command, dir string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", command)
	cmd.Dir = dir
	return runCommand(ctx, cmd)
}

// RunArgv executes a program directly without a shell. Used by callers that
// already have an argument vector, such as agent subprocess invocations.
func (r *Runner) RunArgv(ctx context.Context, dir string, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := newCommand(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	return runCommand(ctx, cmd)
}

// RunArgvInput is RunArgv with data piped to the subprocess stdin.
func (r *Runner) RunArgvInput(ctx context.Context, dir string, stdin []byte, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := newCommand(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)
	return runCommand(ctx, cmd)
}

// newCommand creates an exec.Cmd with process group isolation so the entire
// subprocess tree can be terminated together.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID targets the process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd
}

// runCommand starts the command and drains stdout and stderr concurrently
// before calling Wait. Draining first prevents a deadlock when subprocess
// output exceeds the pipe buffer.
func runCommand(ctx context.Context, cmd *exec.Cmd) (Result, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting command: %w", err)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	res := Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// Report the context's ending over a kill-induced exit status.
			if ctx.Err() != nil {
				return res, fmt.Errorf("command interrupted: %w", ctx.Err())
			}
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("command failed: %w", waitErr)
	}
	return res, nil
}
