package main

import (
	"fmt"
	"io"
	"os"

	"github.com/danmuck/hipipe/internal/catalog"
	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/prompt"
	"github.com/danmuck/hipipe/internal/stage"
	"github.com/danmuck/hipipe/internal/toolkit"
	"github.com/joho/godotenv"
)

const appName = "hipipe"

// app holds what the commands borrow from the process. Tests swap the
// toolkit, the catalog source and the streams.
type app struct {
	configPath     string
	nonInteractive bool

	stdin    io.Reader
	terminal func() bool
	// console receives log lines; nil means colourised stdout.
	console  io.Writer
	toolkit  func(config.ToolkitConfig) toolkit.Client
	catalogs catalog.Source
	registry *stage.Registry
}

func newApp() *app {
	return &app{
		stdin:    os.Stdin,
		terminal: func() bool { return prompt.IsTerminal(os.Stdin) },
		toolkit: func(cfg config.ToolkitConfig) toolkit.Client {
			return toolkit.NewClient(cfg)
		},
		registry: stage.DefaultRegistry(),
	}
}

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	cmd := newApp().command()
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
	}
	os.Exit(stage.ExitCode(err))
}
