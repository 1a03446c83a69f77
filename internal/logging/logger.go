package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// CriticalField marks events logged at critical severity.
const CriticalField = "critical"

// Options describes one stage logger.
type Options struct {
	App      string
	File     string
	Truncate bool
	Console  io.Writer
	Settings Settings
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger that writes human readable lines to the console and
// JSON lines to the project log file when one is configured.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	console := opts.Console
	noColor := opts.Settings.NoColor
	if console == nil {
		console = colorable.NewColorableStdout()
		fd := os.Stdout.Fd()
		if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
			noColor = true
		}
	}

	output := zerolog.ConsoleWriter{
		Out:        console,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	if !opts.Settings.Timestamp {
		output.PartsExclude = []string{zerolog.TimestampFieldName}
	}

	writers := []io.Writer{output}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
		if opts.Truncate {
			flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		}
		f, err := os.OpenFile(opts.File, flags, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		writers = append(writers, f)
		closer = f
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(opts.Settings.Level).
		With().
		Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	return ctx.Logger(), closer, nil
}

// Critical starts an event at the highest severity without exiting the
// process. Callers return an error and let the CLI pick the exit status.
func Critical(l *zerolog.Logger) *zerolog.Event {
	return l.WithLevel(zerolog.FatalLevel).Bool(CriticalField, true)
}
