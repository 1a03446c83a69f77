package toolkit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/tools"
)

var ErrFailed = errors.New("toolkit invocation failed")

// resultPrefix marks the driver's structured reply on stdout.
const resultPrefix = "@@result "

// Result is what one task produced.
type Result struct {
	Task      string
	Log       []string
	Artifacts []string
	Return    json.RawMessage
	ExitCode  int32
}

// Client runs tasks. Run blocks until the task finishes.
type Client interface {
	Run(ctx context.Context, task Task) (Result, error)
}

// ExecClient runs the toolkit driver script as a process and passes the
// task as JSON on stdin.
type ExecClient struct {
	Runner  tools.CommandRunner
	Command string
	Args    []string
	Driver  string
	Dir     string
}

// NewClient builds a client from the toolkit section: local when no host
// is configured, over SSH otherwise.
func NewClient(cfg config.ToolkitConfig) *ExecClient {
	var runner tools.CommandRunner = tools.ExecRunner{}
	if cfg.Host != "" {
		runner = tools.SSHRunner{
			Host:                        cfg.Host,
			Port:                        cfg.Port,
			User:                        cfg.User,
			KeyPath:                     cfg.KeyPath,
			KnownHostsPath:              cfg.KnownHostsPath,
			InsecureSkipHostKeyChecking: cfg.InsecureSkipHostKeyChecking,
			Timeout:                     cfg.Timeout.Duration,
		}
	}
	return &ExecClient{
		Runner:  runner,
		Command: cfg.Command,
		Args:    slices.Clone(cfg.Args),
		Driver:  cfg.Driver,
		Dir:     cfg.WorkDir,
	}
}

func (c *ExecClient) Run(ctx context.Context, task Task) (Result, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return Result{Task: task.Name}, fmt.Errorf("%w: encode %s: %v", ErrFailed, task.Name, err)
	}
	args := slices.Clone(c.Args)
	if c.Driver != "" {
		args = append(args, c.Driver)
	}

	stdout, stderr, code, runErr := c.Runner.Run(ctx, tools.Command{
		Name:  c.Command,
		Args:  args,
		Stdin: payload,
		Dir:   c.Dir,
	})

	res := Result{Task: task.Name, ExitCode: code}
	if err := parseOutput(&res, stdout, stderr); err != nil {
		return res, fmt.Errorf("%w: %s: %v", ErrFailed, task.Name, err)
	}
	if runErr != nil {
		return res, fmt.Errorf("%w: %s exited with code %d: %v", ErrFailed, task.Name, code, runErr)
	}
	return res, nil
}

type reply struct {
	Artifacts []string        `json:"artifacts"`
	Return    json.RawMessage `json:"return"`
}

func parseOutput(res *Result, stdout, stderr []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if body, ok := strings.CutPrefix(line, resultPrefix); ok {
			var r reply
			if err := json.Unmarshal([]byte(body), &r); err != nil {
				return fmt.Errorf("bad result line: %w", err)
			}
			res.Artifacts = append(res.Artifacts, r.Artifacts...)
			if len(r.Return) > 0 && string(r.Return) != "null" {
				res.Return = r.Return
			}
			continue
		}
		res.Log = append(res.Log, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimRight(string(stderr), "\n"), "\n") {
		if line != "" {
			res.Log = append(res.Log, line)
		}
	}
	return nil
}
