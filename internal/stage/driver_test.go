package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/hipipe/internal/catalog"
	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/metrics"
	"github.com/danmuck/hipipe/internal/prompt"
	"github.com/danmuck/hipipe/internal/reconcile"
	"github.com/danmuck/hipipe/internal/testutil/testlog"
	"github.com/danmuck/hipipe/internal/toolkit"
	"github.com/danmuck/hipipe/internal/toolkit/toolkittest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type harness struct {
	dir     string
	path    string
	toolkit *toolkittest.Recorder
	script  *prompt.Script
	metrics *metrics.Recorder
	env     *Env
}

func newHarness(t *testing.T, body string, catalogs catalog.Static) *harness {
	t.Helper()
	log := testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	store, err := config.Load(path)
	require.NoError(t, err)

	h := &harness{
		dir:     dir,
		path:    path,
		toolkit: &toolkittest.Recorder{},
		script:  &prompt.Script{},
		metrics: metrics.New(),
	}
	h.env = &Env{
		Store:    store,
		Log:      log,
		Prompter: h.script,
		Toolkit:  h.toolkit,
		Catalogs: catalogs,
		Metrics:  h.metrics,
		RunID:    "test-run",
		WorkDir:  dir,
	}
	return h
}

func (h *harness) run(t *testing.T, name string) (Report, error) {
	t.Helper()
	return Run(context.Background(), h.env, DefaultRegistry(), name)
}

func (h *harness) reload(t *testing.T) *config.Config {
	t.Helper()
	store, err := config.Load(h.path)
	require.NoError(t, err)
	return store.Config()
}

func (h *harness) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.dir, rel))
	require.NoError(t, err)
	return string(data)
}

func contImageConfig(global, pixSize string) string {
	return fmt.Sprintf(`
[global]
project_name = "proj"
%s

[calibration]
targets = ["NGC4214"]
target_names = [""]

[clean]
pix_size = %s
im_size = [512]
`, global, pixSize)
}

func TestContImageValidConfigLeavesFileUntouched(t *testing.T) {
	h := newHarness(t, contImageConfig("", `["2arcsec"]`), nil)
	before := h.read(t, "pipeline.toml")

	report, err := h.run(t, "contimage")
	require.NoError(t, err)
	require.Equal(t, StateChecked, report.State)
	require.False(t, report.Changed)
	require.Equal(t, before, h.read(t, "pipeline.toml"))
	require.Equal(t, before, h.read(t, "backup.pipeline.toml"))

	tasks := h.toolkit.Find("tclean")
	require.Len(t, tasks, 1)
	name, _ := tasks[0].Get("imagename")
	require.Equal(t, filepath.Join("images", "NGC4214.cont.dirty"), name)
	size, _ := tasks[0].Get("imsize")
	require.Equal(t, []int{512, 512}, size)
	vis, _ := tasks[0].Get("vis")
	require.Equal(t, filepath.Join("sources", "NGC4214.split"), vis)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TaskCounter("contimage", "tclean", metrics.OutcomeOK)))
}

func TestCardinalityMismatchFailsBeforeAnyTask(t *testing.T) {
	h := newHarness(t, contImageConfig("", `["2arcsec", "3arcsec"]`), nil)
	before := h.read(t, "pipeline.toml")

	report, err := h.run(t, "contimage")
	require.ErrorIs(t, err, reconcile.ErrCardinality)
	require.Equal(t, ExitConfig, ExitCode(err))
	require.Equal(t, StateFailed, report.State)
	require.Empty(t, h.toolkit.Tasks)
	require.Equal(t, before, h.read(t, "pipeline.toml"))
	require.NoFileExists(t, filepath.Join(h.dir, "backup.pipeline.toml"))
}

func TestInteractivePaddingIsPersisted(t *testing.T) {
	h := newHarness(t, contImageConfig("interactive = true", `[]`), nil)
	h.script.Answers = []string{"2arcsec", "n"}

	report, err := h.run(t, "contimage")
	require.NoError(t, err)
	require.Equal(t, StatePersisted, report.State)
	require.True(t, report.Changed)
	require.Equal(t, []string{"Pixel size for NGC4214", "Do you want to revise the image sizes"}, h.script.Labels)

	cfg := h.reload(t)
	require.Equal(t, []string{"2arcsec"}, cfg.Clean.PixSize)
	require.Equal(t, []int{512}, cfg.Clean.ImSize)
	require.Equal(t, h.read(t, "pipeline.toml"), h.read(t, "backup.pipeline.toml"))
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReconcileCounter("contimage", "clean.pix_size", true)))
}

func TestNonTerminalRunDowngradesInteractive(t *testing.T) {
	h := newHarness(t, contImageConfig("interactive = true", `[]`), nil)
	h.env.NonInteractive = true

	_, err := h.run(t, "contimage")
	require.ErrorIs(t, err, reconcile.ErrCardinality)
	require.Empty(t, h.script.Labels)
}

func TestSevereToolkitLogFailsRun(t *testing.T) {
	h := newHarness(t, contImageConfig(`metrics_file = "hipipe.prom"`, `["2arcsec"]`), nil)
	h.toolkit.Responses = map[string]toolkit.Result{
		"tclean": {Log: []string{"2026-01-01 SEVERE tclean::task_tclean:: no data selected"}},
	}

	report, err := h.run(t, "contimage")
	require.ErrorIs(t, err, toolkit.ErrSevere)
	require.Equal(t, ExitSevere, ExitCode(err))
	require.Equal(t, StateFailed, report.State)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TransitionCounter("contimage", string(StateChecked))))
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TaskCounter("contimage", "tclean", metrics.OutcomeSevere)))
	require.Contains(t, h.read(t, "hipipe.prom"), `hipipe_stage_transitions_total{stage="contimage",state="FAILED"} 1`)
}

func TestIgnoredSevereLogCompletes(t *testing.T) {
	h := newHarness(t, contImageConfig("ignore_toolkit_errors = true", `["2arcsec"]`), nil)
	h.toolkit.Responses = map[string]toolkit.Result{
		"tclean": {Log: []string{"SEVERE tclean:: something odd"}},
	}

	report, err := h.run(t, "contimage")
	require.NoError(t, err)
	require.Equal(t, StateChecked, report.State)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TaskCounter("contimage", "tclean", metrics.OutcomeIgnored)))
}

func TestToolkitFailureExitCode(t *testing.T) {
	h := newHarness(t, contImageConfig("", `["2arcsec"]`), nil)
	h.toolkit.Errors = map[string]error{"tclean": fmt.Errorf("%w: exit status 1", toolkit.ErrFailed)}

	report, err := h.run(t, "contimage")
	require.ErrorIs(t, err, toolkit.ErrFailed)
	require.Equal(t, ExitToolkit, ExitCode(err))
	require.Equal(t, StateFailed, report.State)
}

func TestUnknownStage(t *testing.T) {
	h := newHarness(t, contImageConfig("", `["2arcsec"]`), nil)
	_, err := h.run(t, "selfcal")
	require.ErrorIs(t, err, ErrUnknownStage)
	require.Equal(t, ExitConfig, ExitCode(err))
}

func TestImportRequiresDataPath(t *testing.T) {
	h := newHarness(t, "[global]\nproject_name = \"proj\"\n", nil)
	_, err := h.run(t, "import")
	require.ErrorIs(t, err, config.ErrInvalid)
	require.Equal(t, ExitConfig, ExitCode(err))
	require.Empty(t, h.toolkit.Tasks)
}

func TestImportArchives(t *testing.T) {
	h := newHarness(t, `
[global]
project_name = "proj"

[importdata]
data_path = "raw"
hanning = true
`, catalog.Static{"proj.ms": &catalog.Dataset{Fields: []string{"3C286", "NGC4214"}, Antennas: []string{"ea01", "ea02"}}})
	require.NoError(t, os.MkdirAll(filepath.Join(h.dir, "raw"), 0o755))
	for _, name := range []string{"b.xp1", "a.xp1"} {
		require.NoError(t, os.WriteFile(filepath.Join(h.dir, "raw", name), nil, 0o644))
	}
	h.toolkit.Func = func(task toolkit.Task) (toolkit.Result, error) {
		if task.Name == "hanningsmooth" {
			out, _ := task.Get("outputvis")
			require.NoError(t, os.MkdirAll(filepath.Join(h.dir, out.(string)), 0o755))
		}
		return toolkit.Result{Task: task.Name}, nil
	}

	_, err := h.run(t, "import")
	require.NoError(t, err)
	require.Equal(t, []string{"importvla", "listobs", "hanningsmooth", "plotms", "plotants"}, h.toolkit.Names())
	files, _ := h.toolkit.Tasks[0].Get("archivefiles")
	require.Equal(t, []string{filepath.Join("raw", "a.xp1"), filepath.Join("raw", "b.xp1")}, files)
	require.DirExists(t, filepath.Join(h.dir, "proj.ms"))
	require.NoDirExists(t, filepath.Join(h.dir, "proj.ms_1"))
}

const calibrateConfig = `
[global]
project_name = "proj"

[calibration]
refant = "ea01"
fluxcal = ["%s"]
fluxmod = ["3C286_L.im"]
bandcal = ["3C286"]
phasecal = ["J1331+3030"]
targets = ["NGC4214"]
target_names = [""]
`

func oneWindowDataset() *catalog.Dataset {
	return &catalog.Dataset{
		Vis:      "proj.ms",
		Fields:   []string{"3C286", "J1331+3030", "NGC4214"},
		Antennas: []string{"ea01", "ea02", "ea03"},
		Windows: []catalog.SPW{
			{ID: 0, Name: "A0C0", Fields: []string{"3C286", "J1331+3030", "NGC4214"}},
		},
	}
}

func TestCalibrateUnknownFluxCalibrator(t *testing.T) {
	h := newHarness(t, fmt.Sprintf(calibrateConfig, "3C999"), catalog.Static{"proj.ms": oneWindowDataset()})

	report, err := h.run(t, "calibrate")
	require.Error(t, err)
	require.Equal(t, ExitConfig, ExitCode(err))
	require.Equal(t, StateFailed, report.State)
	require.Empty(t, h.toolkit.Tasks)
}

func TestCalibrateRunsChainAndSplits(t *testing.T) {
	h := newHarness(t, fmt.Sprintf(calibrateConfig, "3C286"), catalog.Static{"proj.ms": oneWindowDataset()})
	h.toolkit.Func = func(task toolkit.Task) (toolkit.Result, error) {
		if mode, _ := task.Get("mode"); task.Name == "flagdata" && mode == "summary" {
			res := toolkittest.Returning(map[string]any{
				"flagged": 25.0,
				"total":   100.0,
				"spw":     map[string]any{"0": map[string]float64{"flagged": 25, "total": 100}},
			})
			res.Task = task.Name
			return res, nil
		}
		return toolkit.Result{Task: task.Name}, nil
	}

	report, err := h.run(t, "calibrate")
	require.NoError(t, err)
	require.Equal(t, StateChecked, report.State)

	names := h.toolkit.Names()
	require.Equal(t, "flagmanager", names[0])
	require.Len(t, h.toolkit.Find("setjy"), 2)
	require.Len(t, h.toolkit.Find("fluxscale"), 2)
	require.Len(t, h.toolkit.Find("gencal"), 2)
	splits := h.toolkit.Find("split")
	require.Len(t, splits, 1)
	out, _ := splits[0].Get("outputvis")
	require.Equal(t, filepath.Join("sources", "NGC4214.split"), out)
	require.Contains(t, h.read(t, filepath.Join("summary", "proj.ms.initialflags.summary")), "Total flagged data: 25.00%")
	require.FileExists(t, filepath.Join(h.dir, "summary", "proj.ms.finalflags.summary"))
}

func cleanDataset() *catalog.Dataset {
	return &catalog.Dataset{
		Fields:   []string{"NGC4214"},
		Antennas: []string{"ea01", "ea02", "ea03"},
		Windows: []catalog.SPW{{
			ID:         0,
			ChanFreqs:  []float64{1.4e9, 1.41e9},
			ChanWidths: []float64{1e4, 1e4},
			Fields:     []string{"NGC4214"},
		}},
		Exposure:  catalog.Quantity{Value: 3600, Unit: "s"},
		Baselines: []float64{900, 600},
	}
}

func TestCleanFiltersScalesAndRegrids(t *testing.T) {
	h := newHarness(t, `
[global]
project_name = "proj"

[calibration]
targets = ["NGC4214"]

[clean]
pix_size = ["2arcsec"]
im_size = [512]
line_ch = ["0:10~20"]
multiscale = true
beam_scales = [1.0, 8.0]
`, catalog.Static{filepath.Join("sources", "NGC4214.split.contsub"): cleanDataset()})
	h.toolkit.Func = func(task toolkit.Task) (toolkit.Result, error) {
		var res toolkit.Result
		if task.Name == "imhead" {
			switch key, _ := task.Get("hdkey"); key {
			case "restoringbeam":
				axis := map[string]any{"value": 10.0, "unit": "arcsec"}
				res = toolkittest.Returning(map[string]any{
					"major":         axis,
					"minor":         axis,
					"positionangle": map[string]any{"value": 0.0, "unit": "deg"},
				})
			case "equinox":
				res = toolkittest.Returning("B1950")
			}
		}
		res.Task = task.Name
		return res, nil
	}

	report, err := h.run(t, "clean")
	require.NoError(t, err)
	require.Equal(t, StatePersisted, report.State)

	tasks := h.toolkit.Find("tclean")
	require.Len(t, tasks, 1)
	scales, _ := tasks[0].Get("scales")
	// 1 and 8 beams are 5 and 40 pixels; 40 pixels exceed the recoverable scale
	require.Equal(t, []int{5, 0}, scales)
	deconvolver, _ := tasks[0].Get("deconvolver")
	require.Equal(t, "multiscale", deconvolver)
	sl, _ := tasks[0].Get("sidelobethreshold")
	require.Equal(t, 2.0, sl)

	require.Len(t, h.toolkit.Find("imregrid"), 2)
	exports := h.toolkit.Find("exportfits")
	require.Len(t, exports, 2)
	image, _ := exports[0].Get("imagename")
	require.Equal(t, filepath.Join("images", "NGC4214.image.J2000"), image)
	fits, _ := exports[1].Get("fitsimage")
	require.Equal(t, filepath.Join("images", "NGC4214_HI.pbcor.fits"), fits)

	require.Equal(t, []float64{1, 8, 0}, h.reload(t).Clean.BeamScales)
}

func TestMomentPadsChannelRanges(t *testing.T) {
	h := newHarness(t, `
[global]
project_name = "proj"

[calibration]
targets = ["NGC1", "NGC2"]

[clean]
noise = [0.001, 0.002]

[moment]
mom_thresh = 2.0
`, nil)

	report, err := h.run(t, "moment")
	require.NoError(t, err)
	require.Equal(t, StatePersisted, report.State)
	require.Equal(t, []string{"", ""}, h.reload(t).Moment.MomChans)

	moments := h.toolkit.Find("immoments")
	require.Len(t, moments, 2)
	image, _ := moments[1].Get("imagename")
	require.Equal(t, filepath.Join("images", "NGC2.image"), image)
	window, _ := moments[1].Get("includepix")
	require.Equal(t, 0.004, window.([]float64)[0])
	out, _ := moments[0].Get("outfile")
	require.Equal(t, filepath.Join("moments", "NGC1.mom0"), out)
	require.Len(t, h.toolkit.Find("exportfits"), 2)
}

func TestCleanupLevelTwo(t *testing.T) {
	h := newHarness(t, "[global]\nproject_name = \"proj\"\ncleanup_level = 2\n", nil)
	for _, dir := range []string{"cal_tabs", "proj.ms", "proj.ms.flagversions", "sources", "images/x.dirty.image", "images/x.image"} {
		require.NoError(t, os.MkdirAll(filepath.Join(h.dir, dir), 0o755))
	}

	_, err := h.run(t, "cleanup")
	require.NoError(t, err)
	require.Empty(t, h.toolkit.Tasks)
	for _, gone := range []string{"cal_tabs", "proj.ms", "proj.ms.flagversions", "images/x.dirty.image"} {
		require.NoDirExists(t, filepath.Join(h.dir, gone))
	}
	for _, kept := range []string{"sources", "images/x.image"} {
		require.DirExists(t, filepath.Join(h.dir, kept))
	}
}

func TestContSubFitsAndImagesLineCube(t *testing.T) {
	body := `
[global]
project_name = "proj"

[calibration]
targets = ["NGC4214"]
target_names = ["N4214"]

[continuum_subtraction]
linefree_ch = [%q]

[clean]
pix_size = ["2arcsec"]
im_size = [512]
line_ch = ["0:210~290"]
`
	h := newHarness(t, fmt.Sprintf(body, "0:100~200;300~400"),
		catalog.Static{filepath.Join("sources", "NGC4214.split"): cleanDataset()})

	report, err := h.run(t, "contsub")
	require.NoError(t, err)
	require.Equal(t, StateChecked, report.State)

	subs := h.toolkit.Find("uvcontsub")
	require.Len(t, subs, 1)
	spw, _ := subs[0].Get("spw")
	require.Equal(t, "0", spw)
	fitspw, _ := subs[0].Get("fitspw")
	require.Equal(t, "0:100~200;300~400", fitspw)
	require.Len(t, h.toolkit.Find("plotms"), 2)

	cubes := h.toolkit.Find("tclean")
	require.Len(t, cubes, 1)
	name, _ := cubes[0].Get("imagename")
	require.Equal(t, filepath.Join("images", "N4214.dirty"), name)
	vis, _ := cubes[0].Get("vis")
	require.Equal(t, filepath.Join("sources", "NGC4214.split.contsub"), vis)
	lines, _ := cubes[0].Get("spw")
	require.Equal(t, "0:210~290", lines)

	bad := newHarness(t, fmt.Sprintf(body, "x:1~2"), nil)
	_, err = bad.run(t, "contsub")
	require.ErrorIs(t, err, reconcile.ErrInvalidEntry)
	require.Equal(t, ExitConfig, ExitCode(err))
	require.Empty(t, bad.toolkit.Tasks)
}
