package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/hipipe/internal/toolkit"
)

// Report summarizes a finished run.
type Report struct {
	Stage   string
	State   State
	Changed bool
	Tasks   int
	Elapsed time.Duration
}

// Run executes one registered stage against env.
func Run(ctx context.Context, env *Env, reg *Registry, name string) (Report, error) {
	def, ok := reg.Resolve(name)
	if !ok {
		return Report{Stage: name, State: StateFailed}, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	return RunDefinition(ctx, env, def)
}

// RunDefinition walks def through LOADED, VALIDATED, EXECUTED and CHECKED.
// Parameters are written back only when the run succeeded and something
// changed; the backup is refreshed after every successful run.
func RunDefinition(ctx context.Context, env *Env, def Definition) (Report, error) {
	start := time.Now()
	job := newJob(env, def.Name)
	env.Metrics.RecordTransition(def.Name, string(StateLoaded))
	job.log.Info().
		Str("config", env.Store.Path()).
		Bool("interactive", job.Interactive()).
		Msgf("Starting %s.", def.Name)

	report := func() Report {
		return Report{
			Stage:   def.Name,
			State:   job.state,
			Changed: job.changed,
			Tasks:   job.tasks,
			Elapsed: time.Since(start),
		}
	}
	failed := func(err error) (Report, error) {
		err = job.fail(err)
		job.writeMetrics()
		return report(), err
	}

	st := def.New()
	if err := st.Validate(ctx, job); err != nil {
		return failed(err)
	}
	if err := job.enter(StateValidated); err != nil {
		return failed(err)
	}
	if err := job.checkRequirements(); err != nil {
		return failed(err)
	}

	execErr := st.Execute(ctx, job)
	if err := job.enter(StateExecuted); err != nil {
		return failed(err)
	}
	if execErr != nil && !errors.Is(execErr, toolkit.ErrSevere) {
		return failed(execErr)
	}
	if err := job.enter(StateChecked); err != nil {
		return failed(err)
	}
	if execErr != nil {
		return failed(execErr)
	}

	if job.changed {
		job.log.Info().Strs("keys", job.reasons).Str("config", env.Store.Path()).Msg("Updating config file.")
		if err := env.Store.Persist(); err != nil {
			return failed(err)
		}
		if err := job.enter(StatePersisted); err != nil {
			return failed(err)
		}
	} else {
		job.log.Debug().Msg("No parameter changes; config file left untouched.")
	}

	job.reviewParameters()
	job.writeMetrics()
	r := report()
	job.log.Info().Str("state", string(r.State)).Int("tasks", r.Tasks).Dur("elapsed", r.Elapsed).
		Msgf("Completed %s.", def.Name)
	return r, nil
}

// reviewParameters logs what changed since the last backup, then refreshes
// the backup.
func (j *Job) reviewParameters() {
	changes, err := j.env.Store.Diff()
	if err != nil {
		j.log.Warn().Err(err).Msg("Could not compare the config file with its backup.")
	}
	for _, c := range changes {
		j.log.Info().Str("key", c.Key).Str("stage", c.Stage).Msgf("Parameter changed: %s", c)
	}
	if err := j.env.Store.Backup(); err != nil {
		j.log.Warn().Err(err).Msg("Could not back up the config file.")
		return
	}
	j.log.Debug().Str("backup", j.env.Store.BackupPath()).Msg("Config file backed up.")
}

func (j *Job) writeMetrics() {
	path := j.Config().Global.MetricsFile
	if path == "" {
		return
	}
	if err := j.env.Metrics.WriteTextfile(j.Path(path)); err != nil {
		j.log.Warn().Err(err).Msg("Could not write metrics.")
	}
}
