// Package prompt asks an operator for values on behalf of the reconciler.
//
// Ownership boundary:
// - line and yes/no input with defaults
//
// - terminal detection so unattended runs never block on stdin
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

var (
	ErrNonInteractive = errors.New("operator input required in non-interactive mode")
	ErrNoInput        = errors.New("operator input exhausted")
)

// Prompter requests values from an operator. Ask returns def when the
// operator enters an empty line.
type Prompter interface {
	Ask(label, def string) (string, error)
	Confirm(label string) (bool, error)
	Say(format string, args ...any)
}

// IsTerminal reports whether f is attached to an interactive terminal.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Terminal reads answers line by line from a reader.
type Terminal struct {
	r *bufio.Reader
	w io.Writer
}

func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{r: bufio.NewReader(in), w: out}
}

func (t *Terminal) Say(format string, args ...any) {
	fmt.Fprintf(t.w, format+"\n", args...)
}

func (t *Terminal) Ask(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(t.w, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(t.w, "%s: ", label)
	}
	line, err := t.line()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) == "" {
		return def, nil
	}
	return strings.TrimSpace(line), nil
}

func (t *Terminal) Confirm(label string) (bool, error) {
	for {
		fmt.Fprintf(t.w, "%s (y/n): ", label)
		line, err := t.line()
		if err != nil {
			return false, err
		}
		if v, ok := parseYesNo(line); ok {
			return v, nil
		}
	}
}

func (t *Terminal) line() (string, error) {
	line, err := t.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrNoInput
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Script replays canned answers. Labels records every question asked.
type Script struct {
	Answers []string
	Labels  []string
	Said    []string
}

func (s *Script) Say(format string, args ...any) {
	s.Said = append(s.Said, fmt.Sprintf(format, args...))
}

func (s *Script) Ask(label, def string) (string, error) {
	s.Labels = append(s.Labels, label)
	answer, err := s.next()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(answer) == "" {
		return def, nil
	}
	return strings.TrimSpace(answer), nil
}

func (s *Script) Confirm(label string) (bool, error) {
	s.Labels = append(s.Labels, label)
	for {
		answer, err := s.next()
		if err != nil {
			return false, err
		}
		if v, ok := parseYesNo(answer); ok {
			return v, nil
		}
	}
}

func (s *Script) next() (string, error) {
	if len(s.Answers) == 0 {
		return "", ErrNoInput
	}
	answer := s.Answers[0]
	s.Answers = s.Answers[1:]
	return answer, nil
}

// Disabled refuses every question.
type Disabled struct{}

func (Disabled) Say(string, ...any) {}

func (Disabled) Ask(label, _ string) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrNonInteractive, label)
}

func (Disabled) Confirm(label string) (bool, error) {
	return false, fmt.Errorf("%w: %s", ErrNonInteractive, label)
}

func parseYesNo(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "y", "ye", "yes":
		return true, true
	case "n", "no":
		return false, true
	default:
		return false, false
	}
}
