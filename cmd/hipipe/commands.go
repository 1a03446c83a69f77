package main

import (
	"fmt"
	"path/filepath"

	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/logging"
	"github.com/danmuck/hipipe/internal/metrics"
	"github.com/danmuck/hipipe/internal/prompt"
	"github.com/danmuck/hipipe/internal/stage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func (a *app) command() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Reduce HI spectral line observations stage by stage",
		Long: `hipipe runs the HI reduction pipeline one stage at a time against a
TOML parameter file. Each stage checks the parameters it needs, asks for
anything missing when run in a terminal, drives the external toolkit and
writes corrected parameters back only when it succeeds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "pipeline.toml", "parameter file")
	root.PersistentFlags().BoolVar(&a.nonInteractive, "non-interactive", false, "never prompt, even in a terminal")

	for _, def := range a.registry.List() {
		root.AddCommand(a.stageCommand(def))
	}
	root.AddCommand(a.initCommand(), a.validateCommand(), a.paramsCommand(), a.stagesCommand())
	return root
}

func (a *app) stageCommand(def stage.Definition) *cobra.Command {
	cmd := &cobra.Command{
		Use:   def.Name,
		Short: def.Description,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runStage(cmd, def)
		},
	}
	return cmd
}

func (a *app) runStage(cmd *cobra.Command, def stage.Definition) error {
	store, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	cfg := store.Config()
	workDir := filepath.Dir(a.configPath)

	log, closer, err := logging.New(logging.Options{
		App:      appName,
		File:     filepath.Join(workDir, cfg.Global.ProjectName+".log"),
		Truncate: def.FreshLog,
		Console:  a.console,
		Settings: logging.ConfigureRuntime(),
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	// a local toolkit runs in the project directory unless told otherwise
	tk := cfg.Toolkit
	if tk.Host == "" && tk.WorkDir == "" {
		tk.WorkDir = workDir
	}

	env := &stage.Env{
		Store:          store,
		Log:            log,
		Prompter:       prompt.NewTerminal(a.stdin, cmd.OutOrStdout()),
		Toolkit:        a.toolkit(tk),
		Catalogs:       a.catalogs,
		Metrics:        metrics.New(),
		RunID:          uuid.NewString(),
		WorkDir:        workDir,
		NonInteractive: a.nonInteractive || !a.terminal(),
	}
	_, err = stage.RunDefinition(cmd.Context(), env, def)
	return err
}

func (a *app) initCommand() *cobra.Command {
	var (
		force bool
		kind  string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter parameter file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteTemplate(a.configPath, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", a.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().StringVar(&kind, "kind", "local", "toolkit location: local|remote")
	return cmd
}

func (a *app) validateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and schema-check the parameter file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok (project %s)\n", store.Path(), store.Config().Global.ProjectName)
			return nil
		},
	}
}

func (a *app) paramsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Inspect the parameter file against its backup",
	}
	diff := &cobra.Command{
		Use:   "diff",
		Short: "List keys changed since the last successful stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			changes, err := store.Diff()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(changes) == 0 {
				fmt.Fprintln(out, "no changes since the last backup")
				return nil
			}
			for _, c := range changes {
				fmt.Fprintln(out, c.String())
			}
			if earliest := config.EarliestStage(changes); earliest != "" {
				fmt.Fprintf(out, "re-run from: %s\n", earliest)
			}
			return nil
		},
	}
	backup := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the parameter file as the new baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if err := store.Backup(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", store.BackupPath())
			return nil
		},
	}
	cmd.AddCommand(diff, backup)
	return cmd
}

func (a *app) stagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the pipeline stages in run order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, def := range a.registry.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%d  %-10s %s\n", def.Order, def.Name, def.Description)
			}
			return nil
		},
	}
}
