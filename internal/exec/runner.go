// Package exec runs the shell commands that back exit-condition validators
// and command workers.
package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotRunnable means the shell could not find or execute the command.
var ErrNotRunnable = errors.New("command not runnable")

// Command is one shell invocation.
type Command struct {
	// Script is run through "sh -c".
	Script string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env is appended to the current environment.
	Env []string
}

// Output is what a finished command produced.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Failure returns a one-line description of a non-zero exit.
func (o Output) Failure() string {
	msg := fmt.Sprintf("exit status %d", o.ExitCode)
	if line := lastLine(o.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

// CommandRunner defines the interface for running shell commands.
// This abstraction allows mocking command execution in tests.
type CommandRunner interface {
	// Run executes cmd. A non-zero exit is reported through Output.ExitCode
	// with a nil error; errors mean the command did not run to completion.
	Run(ctx context.Context, cmd Command) (Output, error)
}

// ShellRunner implements CommandRunner using os/exec.
type ShellRunner struct {
	shell string
}

// NewRunner creates a ShellRunner that uses sh.
func NewRunner() *ShellRunner {
	return &ShellRunner{shell: "sh"}
}

// Run executes the command and waits for it. When ctx ends first the
// command is killed and ctx's error is returned.
func (r *ShellRunner) Run(ctx context.Context, c Command) (Output, error) {
	cmd := osexec.CommandContext(ctx, r.shell, "-c", c.Script)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	// Children that inherit the pipes must not keep Wait blocked after a kill.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	var exitErr *osexec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return out, ctx.Err()
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
		// sh reports 126 for "permission denied" and 127 for "not found".
		if out.ExitCode == 126 || out.ExitCode == 127 {
			return out, fmt.Errorf("%w: %s", ErrNotRunnable, out.Failure())
		}
	default:
		return out, fmt.Errorf("run %q: %w", c.Script, err)
	}
	return out, nil
}

// Verify ShellRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ShellRunner)(nil)

// Option configures an Evaluator or a command Worker.
type Option func(*options)

type options struct {
	runner  CommandRunner
	dir     string
	timeout time.Duration
	logger  *zap.Logger
}

func newOptions(opts []Option) options {
	o := options{runner: NewRunner(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRunner replaces the shell runner (mainly for testing).
func WithRunner(r CommandRunner) Option {
	return func(o *options) { o.runner = r }
}

// WithDir sets the working directory commands run in.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithTimeout bounds each validator run. Worker tasks are bounded by their
// own Timeout instead.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func lastLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
