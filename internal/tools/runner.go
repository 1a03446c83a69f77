package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Command is one process invocation.
type Command struct {
	Name  string
	Args  []string
	Stdin []byte
	// Dir is the working directory; empty means the current one.
	Dir string
}

// CommandRunner executes a command and returns its captured output and
// exit code. A non-zero exit also returns an error.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, []byte, int32, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode(err), err
}

func exitCode(err error) int32 {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return int32(code)
		}
		return 1
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return 127
	}
	return 1
}
