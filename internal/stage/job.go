package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/danmuck/hipipe/internal/catalog"
	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/logging"
	"github.com/danmuck/hipipe/internal/metrics"
	"github.com/danmuck/hipipe/internal/prompt"
	"github.com/danmuck/hipipe/internal/reconcile"
	"github.com/danmuck/hipipe/internal/toolkit"
	"github.com/rs/zerolog"
)

// Env is everything a stage run borrows from the process.
type Env struct {
	Store    *config.Store
	Log      zerolog.Logger
	Prompter prompt.Prompter
	Toolkit  toolkit.Client
	// Catalogs opens dataset metadata. When nil the toolkit is asked to
	// describe the dataset.
	Catalogs catalog.Source
	Metrics  *metrics.Recorder
	RunID    string
	// WorkDir is the project directory that relative paths resolve against.
	WorkDir string
	// NonInteractive overrides global.interactive, e.g. without a terminal.
	NonInteractive bool
}

type requirement struct {
	key  string
	have int
	want int
}

// Job is the state of one stage run. Stages read and correct parameters
// through it and dispatch toolkit tasks with it.
type Job struct {
	env      *Env
	stage    string
	log      zerolog.Logger
	state    State
	changed  bool
	reasons  []string
	required []requirement
	tasks    int
	catalogs map[string]catalog.Catalog
}

func newJob(env *Env, stage string) *Job {
	log := env.Log.With().Str("stage", stage).Logger()
	if env.RunID != "" {
		log = log.With().Str("run_id", env.RunID).Logger()
	}
	return &Job{
		env:      env,
		stage:    stage,
		log:      log,
		state:    StateLoaded,
		catalogs: make(map[string]catalog.Catalog),
	}
}

func (j *Job) Name() string { return j.stage }

func (j *Job) State() State { return j.state }

func (j *Job) Config() *config.Config { return j.env.Store.Config() }

func (j *Job) Log() *zerolog.Logger { return &j.log }

// Defined reports whether the parameter file sets the key path.
func (j *Job) Defined(key ...string) bool { return j.env.Store.Defined(key...) }

func (j *Job) Interactive() bool {
	return j.Config().Global.Interactive && !j.env.NonInteractive
}

func (j *Job) Prompter() prompt.Prompter {
	if !j.Interactive() || j.env.Prompter == nil {
		return prompt.Disabled{}
	}
	return j.env.Prompter
}

func (j *Job) Session() reconcile.Session {
	return reconcile.Session{Log: &j.log, Prompter: j.Prompter(), Interactive: j.Interactive()}
}

// Changed reports whether any parameter was corrected during the run.
func (j *Job) Changed() bool { return j.changed }

// MarkChanged flags the parameters for persisting once the stage succeeds.
func (j *Job) MarkChanged(reason string) {
	j.changed = true
	j.reasons = append(j.reasons, reason)
}

// Require records that key must hold want entries before execution starts.
func (j *Job) Require(key string, have, want int) {
	j.required = append(j.required, requirement{key: key, have: have, want: want})
}

func (j *Job) checkRequirements() error {
	for _, r := range j.required {
		if r.have != r.want {
			logging.Critical(&j.log).Str("key", r.key).Int("have", r.have).Int("want", r.want).
				Msg("Parameter list is not resolved to the required length.")
			return fmt.Errorf("%w: %s has %d entries for %d units", reconcile.ErrCardinality, r.key, r.have, r.want)
		}
	}
	return nil
}

// observe records a reconciliation outcome.
func (j *Job) observe(key string, changed bool) {
	j.env.Metrics.RecordReconcile(j.stage, key, changed)
	if changed {
		j.MarkChanged(key)
	}
}

// ReconcileList runs one list reconciliation for the job, requires the
// resolved length and flags the change for persisting.
func ReconcileList[T any](j *Job, list []T, l reconcile.List[T]) ([]T, error) {
	out, changed, err := reconcile.Reconcile(j.Session(), list, l)
	if err != nil {
		return list, err
	}
	j.Require(l.Key, len(out), len(l.Units))
	j.observe(l.Key, changed)
	return out, nil
}

// Dispatch runs one toolkit task, logs its output and scans it for the
// severe marker. With global.ignore_toolkit_errors set a severe line is
// logged and the run carries on.
func (j *Job) Dispatch(ctx context.Context, task toolkit.Task) (toolkit.Result, error) {
	j.log.Info().Str("task", task.Name).Msgf("Executing command: %s", task)
	start := time.Now()
	res, err := j.env.Toolkit.Run(ctx, task)
	elapsed := time.Since(start)
	j.tasks++
	for _, line := range res.Log {
		j.log.Debug().Str("task", task.Name).Msg(line)
	}
	if err != nil {
		j.env.Metrics.RecordTask(j.stage, task.Name, metrics.OutcomeFailed, elapsed)
		logging.Critical(&j.log).Err(err).Str("task", task.Name).Msg("Toolkit invocation failed.")
		return res, err
	}
	if line, severe := toolkit.ScanLog(res.Log); severe {
		if j.Config().Global.IgnoreToolkitErrors {
			j.env.Metrics.RecordTask(j.stage, task.Name, metrics.OutcomeIgnored, elapsed)
			j.log.Warn().Str("task", task.Name).Str("line", line).
				Msg("Toolkit reported a severe error. Continuing because toolkit errors are ignored.")
			return res, nil
		}
		j.env.Metrics.RecordTask(j.stage, task.Name, metrics.OutcomeSevere, elapsed)
		logging.Critical(&j.log).Str("task", task.Name).Str("line", line).Msg("Toolkit reported a severe error.")
		return res, fmt.Errorf("%w: %s: %s", toolkit.ErrSevere, task.Name, line)
	}
	j.env.Metrics.RecordTask(j.stage, task.Name, metrics.OutcomeOK, elapsed)
	return res, nil
}

// Client is the toolkit client of the job. Tasks it runs go through
// Dispatch.
func (j *Job) Client() toolkit.Client { return dispatcher{job: j} }

type dispatcher struct {
	job *Job
}

func (d dispatcher) Run(ctx context.Context, task toolkit.Task) (toolkit.Result, error) {
	return d.job.Dispatch(ctx, task)
}

// Catalog opens the metadata of a dataset once per run.
func (j *Job) Catalog(ctx context.Context, vis string) (catalog.Catalog, error) {
	if c, ok := j.catalogs[vis]; ok {
		return c, nil
	}
	var src catalog.Source = j.env.Catalogs
	if src == nil {
		src = toolkit.MetadataSource{Client: j.Client()}
	}
	c, err := src.Open(ctx, vis)
	if err != nil {
		return nil, err
	}
	j.catalogs[vis] = c
	return c, nil
}

// Path resolves a project relative path on the local filesystem.
func (j *Job) Path(rel string) string {
	if filepath.IsAbs(rel) || j.env.WorkDir == "" {
		return rel
	}
	return filepath.Join(j.env.WorkDir, rel)
}

// MakeDir creates a project directory if it is missing.
func (j *Job) MakeDir(rel string) error {
	if err := os.MkdirAll(j.Path(rel), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", rel, err)
	}
	return nil
}

// RemoveArtifacts deletes every project path matching the glob patterns.
// It returns the removed paths, relative to the project.
func (j *Job) RemoveArtifacts(patterns ...string) ([]string, error) {
	var removed []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(j.Path(pattern))
		if err != nil {
			return removed, fmt.Errorf("bad artifact pattern %q: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, match := range matches {
			rel := match
			if j.env.WorkDir != "" {
				if r, err := filepath.Rel(j.env.WorkDir, match); err == nil {
					rel = r
				}
			}
			j.log.Info().Str("path", rel).Msg("Deleting: " + rel)
			if err := os.RemoveAll(match); err != nil {
				return removed, fmt.Errorf("delete %s: %w", rel, err)
			}
			removed = append(removed, rel)
		}
	}
	return removed, nil
}

// Exists reports whether a project path is present.
func (j *Job) Exists(rel string) bool {
	_, err := os.Stat(j.Path(rel))
	return err == nil
}

func (j *Job) enter(to State) error {
	if err := Transition(j.state, to); err != nil {
		return err
	}
	j.log.Debug().Str("from", string(j.state)).Str("to", string(to)).Msg("stage transition")
	j.state = to
	j.env.Metrics.RecordTransition(j.stage, string(to))
	return nil
}

// fail moves the run to FAILED and wraps err with the state it failed in.
func (j *Job) fail(err error) error {
	failedIn := j.state
	var stageErr *Error
	if !errors.As(err, &stageErr) {
		err = &Error{Stage: j.stage, State: failedIn, Err: err}
	}
	if j.state != StateFailed {
		if terr := j.enter(StateFailed); terr != nil {
			j.log.Error().Err(terr).Msg("stage transition rejected")
			j.state = StateFailed
		}
	}
	j.log.Error().Err(err).Str("state", string(failedIn)).Msgf("Stage %s failed.", j.stage)
	return err
}
