package procmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Command is one external program invocation.
type Command struct {
	Dir  string // working directory, empty for the current one
	Name string
	Args []string
	// Stdout also receives the output as it is produced when set.
	Stdout io.Writer
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes external commands. Everything that shells out goes through
// it so tests can script the results.
type Runner interface {
	// Run waits for the command and returns its stdout. A non-zero exit is an
	// error carrying the trimmed stderr.
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Command) ([]byte, error) { return f(ctx, cmd) }

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner { return &ExecRunner{} }

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	if c.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdout, c.Stdout)
	}
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", c, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", c, err)
	}
	return stdout.Bytes(), nil
}

// ExitCode returns the exit status carried by err, or -1 when err does not
// come from a process that ran to completion.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// IsNoMatch reports exit status 1. Only meaningful for commands that use it
// as "nothing found", such as `pm2 show` on an unknown name.
func IsNoMatch(err error) bool {
	return ExitCode(err) == 1
}
