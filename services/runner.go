package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

var ErrProcessFailed = errors.New("external process failed")

// Command describes one external process invocation.
type Command struct {
	Name     string
	Args     []string
	Dir      string
	Stdout   io.Writer
	Niceness int
}

func (c Command) String() string {
	return c.Name + " " + strings.Join(c.Args, " ")
}

// CommandRunner runs external binaries. Tests substitute a fake to assert
// the constructed argument lists without spawning processes.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) error
}

// ProcessError reports a non-zero exit or a spawn failure.
type ProcessError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *ProcessError) Unwrap() []error {
	return []error{ErrProcessFailed, e.Err}
}

type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

const stderrTailBytes = 4096

func (r *ExecRunner) Run(ctx context.Context, c Command) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return &ProcessError{Command: c.Name, ExitCode: -1, Err: err}
	}

	if c.Niceness > 0 {
		// Best effort; the encode still runs at normal priority if this fails.
		_ = unix.Setpriority(unix.PRIO_PROCESS, cmd.Process.Pid, c.Niceness)
	}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ProcessError{
				Command:  c.Name,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
				Err:      err,
			}
		}
		return &ProcessError{Command: c.Name, ExitCode: -1, Err: err}
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
