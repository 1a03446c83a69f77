package stage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/danmuck/hipipe/internal/catalog"
	"github.com/danmuck/hipipe/internal/fields"
	"github.com/danmuck/hipipe/internal/toolkit"
)

const calTables = "cal_tabs"

type calibrateStage struct {
	cat    catalog.Catalog
	roles  fields.Assignment
	plans  []fields.WindowPlan
	ms     string
	refant string
}

func (s *calibrateStage) Validate(ctx context.Context, j *Job) error {
	cfg := j.Config()
	s.ms = cfg.MSFile()
	c, err := j.Catalog(ctx, s.ms)
	if err != nil {
		return err
	}
	s.cat = c

	r := fields.Resolver{Session: j.Session(), Catalog: c, Observe: j.observe}
	a := fields.FromConfig(cfg.Calibration)
	changed, err := r.Resolve(&a)
	if err != nil {
		return err
	}
	if changed {
		a.Apply(&cfg.Calibration)
		j.MarkChanged("calibration")
	}

	plans, err := fields.Plan(j.Log(), c, a)
	if err != nil {
		return err
	}
	j.Require("calibration.fluxcal", len(a.FluxCal), len(plans))
	j.Require("calibration.fluxmod", len(a.FluxMod), len(plans))
	j.Require("calibration.bandcal", len(a.BandCal), len(plans))
	j.Require("calibration.phasecal", len(a.PhaseCal), len(a.Targets))
	s.roles = a
	s.plans = plans
	s.refant = a.RefAnt
	return nil
}

func (s *calibrateStage) Execute(ctx context.Context, j *Job) error {
	log := j.Log()
	for _, dir := range []string{"summary", "plots", calTables} {
		if err := j.MakeDir(dir); err != nil {
			return err
		}
	}

	if err := s.flagVersion(ctx, j, "restore", "Original"); err != nil {
		return err
	}
	if err := s.manualFlags(ctx, j); err != nil {
		return err
	}
	if err := s.baseFlags(ctx, j); err != nil {
		return err
	}
	if err := s.saveFlags(ctx, j, "initial"); err != nil {
		return err
	}
	if err := s.calibrate(ctx, j); err != nil {
		return err
	}
	if err := s.rflag(ctx, j); err != nil {
		return err
	}
	if err := s.saveFlags(ctx, j, "rflag"); err != nil {
		return err
	}
	if err := s.extendFlags(ctx, j); err != nil {
		return err
	}
	if err := s.saveFlags(ctx, j, "extended"); err != nil {
		return err
	}
	log.Info().Msg("Repeating calibration with the extended flags.")
	if err := s.calibrate(ctx, j); err != nil {
		return err
	}
	if err := s.saveFlags(ctx, j, "final"); err != nil {
		return err
	}
	return s.splitFields(ctx, j)
}

func (s *calibrateStage) flag(ctx context.Context, j *Job, mode string, extra ...toolkit.Param) error {
	task := toolkit.NewTask("flagdata").With("vis", s.ms).With("mode", mode)
	for _, p := range extra {
		task = task.With(p.Key, p.Value)
	}
	task = task.With("flagbackup", false)
	_, err := j.Dispatch(ctx, task)
	return err
}

func (s *calibrateStage) flagVersion(ctx context.Context, j *Job, mode, name string) error {
	j.Log().Info().Str("version", name).Msgf("Flag version %s.", mode)
	task := toolkit.NewTask("flagmanager").With("vis", s.ms).With("mode", mode).With("versionname", name)
	_, err := j.Dispatch(ctx, task)
	return err
}

// manualFlags applies the operator's flag list file. A missing or empty
// file is not an error.
func (s *calibrateStage) manualFlags(ctx context.Context, j *Job) error {
	log := j.Log()
	path := j.Config().Flagging.ManualFlags
	if path == "" {
		log.Warn().Msg("No manual flag file configured. Continuing without manual flagging.")
		return nil
	}
	f, err := os.Open(j.Path(path))
	if errors.Is(err, os.ErrNotExist) {
		log.Warn().Str("file", path).Msg("Manual flag file does not exist. Continuing without manual flagging.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manual flags %s: %w", path, err)
	}
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines++
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read manual flags %s: %w", path, err)
	}
	if lines == 0 {
		log.Warn().Str("file", path).Msg("The file is empty. Continuing without manual flagging.")
		return nil
	}

	if j.Interactive() {
		p := j.Prompter()
		p.Say("Manual flags from %q are about to be applied.", path)
		p.Say("It is strongly recommended that you inspect the data and modify (and save) the file appropriately before proceeding.")
		for {
			ok, err := p.Confirm("Do you want to proceed")
			if err != nil {
				return err
			}
			if ok {
				break
			}
		}
	}
	log.Info().Str("file", path).Int("commands", lines).Msg("Applying manual flags.")
	task := toolkit.NewTask("flagdata").
		With("vis", s.ms).
		With("mode", "list").
		With("inpfile", path).
		With("flagbackup", false)
	if _, err := j.Dispatch(ctx, task); err != nil {
		return err
	}
	log.Info().Msg("Completed manual flagging.")
	return nil
}

func (s *calibrateStage) baseFlags(ctx context.Context, j *Job) error {
	flg := j.Config().Flagging
	log := j.Log()
	log.Info().Float64("tolerance", flg.ShadowTol).Msg("Flagging antennae with shadowing.")
	if err := s.flag(ctx, j, "shadow", toolkit.Param{Key: "tolerance", Value: flg.ShadowTol}); err != nil {
		return err
	}
	log.Info().Msg("Flagging zero amplitude data.")
	if err := s.flag(ctx, j, "clip", toolkit.Param{Key: "clipzeros", Value: true}); err != nil {
		return err
	}
	log.Info().Float64("seconds", flg.QuackInt).Msg("Flagging the beginning of every scan.")
	if err := s.flag(ctx, j, "quack",
		toolkit.Param{Key: "quackinterval", Value: flg.QuackInt},
		toolkit.Param{Key: "quackmode", Value: "beg"},
	); err != nil {
		return err
	}
	log.Info().Msg("Starting running TFCrop.")
	return s.flag(ctx, j, "tfcrop",
		toolkit.Param{Key: "action", Value: "apply"},
		toolkit.Param{Key: "display", Value: ""},
		toolkit.Param{Key: "timecutoff", Value: flg.TimeCutoff},
		toolkit.Param{Key: "freqcutoff", Value: flg.FreqCutoff},
	)
}

func (s *calibrateStage) rflag(ctx context.Context, j *Job) error {
	thresh := j.Config().Flagging.RThresh
	j.Log().Info().Float64("threshold", thresh).Msg("Starting running rflag.")
	// rflag runs twice; the second pass catches what the first exposed
	for i := 0; i < 2; i++ {
		if err := s.flag(ctx, j, "rflag",
			toolkit.Param{Key: "action", Value: "apply"},
			toolkit.Param{Key: "datacolumn", Value: "corrected"},
			toolkit.Param{Key: "freqdevscale", Value: thresh},
			toolkit.Param{Key: "timedevscale", Value: thresh},
			toolkit.Param{Key: "display", Value: ""},
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *calibrateStage) extendFlags(ctx context.Context, j *Job) error {
	j.Log().Info().Msg("Starting extending existing flags.")
	if err := s.flag(ctx, j, "extend",
		toolkit.Param{Key: "spw", Value: ""},
		toolkit.Param{Key: "extendpols", Value: true},
		toolkit.Param{Key: "action", Value: "apply"},
		toolkit.Param{Key: "display", Value: ""},
	); err != nil {
		return err
	}
	return s.flag(ctx, j, "extend",
		toolkit.Param{Key: "spw", Value: ""},
		toolkit.Param{Key: "growtime", Value: 75.0},
		toolkit.Param{Key: "growfreq", Value: 90.0},
		toolkit.Param{Key: "action", Value: "apply"},
		toolkit.Param{Key: "display", Value: ""},
	)
}

// saveFlags replaces the named flag version and writes its summary.
func (s *calibrateStage) saveFlags(ctx context.Context, j *Job, name string) error {
	if err := s.flagVersion(ctx, j, "delete", name); err != nil {
		return err
	}
	if err := s.flagVersion(ctx, j, "save", name); err != nil {
		return err
	}
	res, err := j.Dispatch(ctx, toolkit.NewTask("flagdata").With("vis", s.ms).With("mode", "summary"))
	if err != nil {
		return err
	}
	summary, err := toolkit.DecodeFlagSummary(res.Return)
	if err != nil {
		j.Log().Warn().Err(err).Str("version", name).Msg("No flag summary returned.")
		return nil
	}
	out := filepath.Join("summary", fmt.Sprintf("%s.%sflags.summary", s.ms, name))
	if err := summary.WriteFile(j.Path(out)); err != nil {
		return fmt.Errorf("write flag summary: %w", err)
	}
	j.Log().Info().Str("file", out).Float64("flagged_pct", 100*summary.Fraction()).Msg("Total flagged data.")
	return nil
}

type windowTables struct {
	delay, bpPhase, bandpass, intPhase, scanPhase, amp, flux string
}

func tablesFor(id int) windowTables {
	name := func(format string) string {
		return filepath.Join(calTables, fmt.Sprintf(format, id))
	}
	return windowTables{
		delay:     name("delays_spw%d.cal"),
		bpPhase:   name("bpphase_spw%d.gcal"),
		bandpass:  name("bandpass_spw%d.bcal"),
		intPhase:  name("intphase_spw%d.gcal"),
		scanPhase: name("scanphase_spw%d.gcal"),
		amp:       name("amp_spw%d.gcal"),
		flux:      name("fluxsol_spw%d.cal"),
	}
}

// calFields lists the calibrators observed in a window, flux first.
func (s *calibrateStage) calFields(p fields.WindowPlan) string {
	var out []string
	for _, group := range [][]string{s.roles.FluxCal, s.roles.BandCal, s.roles.PhaseCal} {
		for _, f := range group {
			if slices.Contains(p.Fields, f) && !slices.Contains(out, f) {
				out = append(out, f)
			}
		}
	}
	return strings.Join(out, ",")
}

func (s *calibrateStage) calibrate(ctx context.Context, j *Job) error {
	log := j.Log()
	log.Info().Int("spws", len(s.plans)).Msg("Starting calibration.")
	fluxSummary := filepath.Join("summary", s.ms+".flux.summary")
	if _, err := j.RemoveArtifacts(fluxSummary); err != nil {
		return err
	}

	gc := filepath.Join(calTables, "gaincurve.cal")
	log.Info().Str("table", gc).Msg("Calibrating gain vs elevation.")
	if _, err := j.Dispatch(ctx, toolkit.NewTask("gencal").
		With("vis", s.ms).With("caltable", gc).With("caltype", "gceff")); err != nil {
		return err
	}

	for _, p := range s.plans {
		if err := s.calibrateWindow(ctx, j, p, gc, fluxSummary); err != nil {
			return err
		}
	}

	for i, t := range s.roles.Targets {
		if err := s.applyToTarget(ctx, j, t, s.roles.PhaseCal[i], gc); err != nil {
			return err
		}
	}
	log.Info().Msg("Completed calibration.")
	return nil
}

func (s *calibrateStage) calibrateWindow(ctx context.Context, j *Job, p fields.WindowPlan, gc, fluxSummary string) error {
	log := j.Log().With().Int("spw", p.SPW.ID).Logger()
	spw := strconv.Itoa(p.SPW.ID)
	tab := tablesFor(p.SPW.ID)
	log.Info().Str("label", p.SPW.Label()).Msg("Beginning calibration of SPW.")

	log.Info().Str("fluxcal", p.FluxCal).Str("model", p.FluxMod).Msg("Load model for flux calibrator.")
	calFields := s.calFields(p)
	tasks := []toolkit.Task{
		toolkit.NewTask("setjy").
			With("vis", s.ms).With("field", p.FluxCal).With("spw", spw).
			With("scalebychan", true).With("model", p.FluxMod),
		toolkit.NewTask("gaincal").
			With("vis", s.ms).With("field", p.BandCal).With("spw", spw).
			With("caltable", tab.delay).With("refant", s.refant).
			With("gaintype", "K").With("gaintable", []string{gc}),
		toolkit.NewTask("gaincal").
			With("vis", s.ms).With("field", p.BandCal).With("spw", spw).
			With("caltable", tab.bpPhase).With("refant", s.refant).
			With("calmode", "p").With("solint", "int").With("combine", "").With("minsnr", 2.0).
			With("gaintable", []string{gc, tab.delay}),
		toolkit.NewTask("bandpass").
			With("vis", s.ms).With("caltable", tab.bandpass).With("field", p.BandCal).With("spw", spw).
			With("refant", s.refant).With("solint", "inf").With("solnorm", true).
			With("gaintable", []string{gc, tab.delay, tab.bpPhase}),
		toolkit.NewTask("plotms").
			With("vis", tab.bandpass).
			With("plotfile", filepath.Join("plots", fmt.Sprintf("%s_bandpasssol_spw%d.png", s.ms, p.SPW.ID))).
			With("gridrows", 3).With("gridcols", 3).
			With("xaxis", "chan").With("yaxis", "amp").
			With("expformat", "png").With("overwrite", true).With("showgui", false).
			With("exprange", "all").With("iteraxis", "antenna").With("coloraxis", "corr").With("spw", spw),
		toolkit.NewTask("gaincal").
			With("vis", s.ms).With("field", calFields).With("spw", spw).
			With("caltable", tab.intPhase).With("refant", s.refant).
			With("calmode", "p").With("solint", "int").With("minsnr", 2.0).
			With("gaintable", []string{gc, tab.delay, tab.bandpass}),
		toolkit.NewTask("gaincal").
			With("vis", s.ms).With("field", calFields).With("spw", spw).
			With("caltable", tab.scanPhase).With("refant", s.refant).
			With("calmode", "p").With("solint", "inf").With("minsnr", 2.0).
			With("gaintable", []string{gc, tab.delay, tab.bandpass}),
		toolkit.NewTask("gaincal").
			With("vis", s.ms).With("field", calFields).With("spw", spw).
			With("caltable", tab.amp).With("refant", s.refant).
			With("calmode", "ap").With("solint", "inf").With("minsnr", 2.0).
			With("gaintable", []string{gc, tab.delay, tab.bandpass, tab.intPhase}),
	}
	for _, task := range tasks {
		if _, err := j.Dispatch(ctx, task); err != nil {
			return err
		}
	}

	apply := func(field string, tables, gainfield []string) error {
		log.Info().Str("field", field).Msg("Applying calibration.")
		_, err := j.Dispatch(ctx, toolkit.NewTask("applycal").
			With("vis", s.ms).With("field", field).
			With("gaintable", tables).With("gainfield", gainfield).
			With("calwt", false))
		return err
	}

	if p.SingleField() {
		log.Info().Str("field", p.BandCal).
			Msg("Only one calibrator for bandpass, flux, and phase in SPW. No calibrator fluxes added to summary.")
		b := p.BandCal
		return apply(b, []string{gc, tab.delay, tab.bandpass, tab.intPhase, tab.amp}, []string{"", b, b, b, b})
	}

	log.Info().Str("table", tab.flux).Msg("Applying flux scale to calibrators.")
	res, err := j.Dispatch(ctx, toolkit.NewTask("fluxscale").
		With("vis", s.ms).With("caltable", tab.amp).With("fluxtable", tab.flux).
		With("reference", p.FluxCal).With("incremental", true))
	if err != nil {
		return err
	}
	if densities, err := toolkit.DecodeFluxScale(res.Return, p.SPW.ID); err != nil {
		log.Warn().Err(err).Msg("No calibrator fluxes returned by fluxscale.")
	} else {
		log.Info().Str("file", fluxSummary).Msg("Writing calibrator fluxes summary.")
		if err := toolkit.AppendFluxSummary(j.Path(fluxSummary), p.SPW.ID, densities); err != nil {
			return fmt.Errorf("write flux summary: %w", err)
		}
	}

	all := []string{gc, tab.delay, tab.bandpass, tab.intPhase, tab.amp, tab.flux}
	b := p.BandCal
	if err := apply(b, all, []string{"", b, b, b, b, b}); err != nil {
		return err
	}
	if p.FluxCal != b {
		f := p.FluxCal
		return apply(f, all, []string{"", b, b, f, f, f})
	}
	return nil
}

func (s *calibrateStage) applyToTarget(ctx context.Context, j *Job, field, phaseCal, gc string) error {
	log := j.Log()
	ids := s.cat.SPWsForField(field)
	log.Info().Str("target", field).Str("phasecal", phaseCal).Ints("spws", ids).Msg("Applying calibration to target.")
	for _, id := range ids {
		idx := slices.IndexFunc(s.plans, func(p fields.WindowPlan) bool { return p.SPW.ID == id })
		if idx < 0 {
			continue
		}
		p := s.plans[idx]
		tab := tablesFor(id)
		b := p.BandCal
		var calls []toolkit.Task
		if phaseCal != p.FluxCal {
			all := []string{gc, tab.delay, tab.bandpass, tab.intPhase, tab.amp, tab.flux}
			gf := []string{"", b, b, phaseCal, phaseCal, phaseCal}
			for _, f := range []string{phaseCal, field} {
				calls = append(calls, toolkit.NewTask("applycal").
					With("vis", s.ms).With("field", f).
					With("gaintable", all).With("gainfield", gf).With("calwt", false))
			}
		} else {
			calls = append(calls, toolkit.NewTask("applycal").
				With("vis", s.ms).With("field", field).
				With("gaintable", []string{gc, tab.delay, tab.bandpass, tab.intPhase, tab.amp}).
				With("gainfield", []string{"", b, b, phaseCal, phaseCal}).
				With("calwt", false))
		}
		for _, task := range calls {
			if _, err := j.Dispatch(ctx, task); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *calibrateStage) splitFields(ctx context.Context, j *Job) error {
	log := j.Log()
	src := j.Config().Global.SrcDir
	if _, err := j.RemoveArtifacts(src); err != nil {
		return err
	}
	if err := j.MakeDir(src); err != nil {
		return err
	}
	log.Info().Msg("Starting split fields.")
	for _, field := range s.roles.Targets {
		out := j.splitPath(field)
		ids := s.cat.SPWsForField(field)
		var task toolkit.Task
		if len(ids) > 1 {
			log.Info().Str("field", field).Ints("spws", ids).
				Msg("Field was observed in multiple SPWs. These will be combined in the split.")
			spws := make([]string, len(ids))
			for i, id := range ids {
				spws[i] = strconv.Itoa(id)
			}
			task = toolkit.NewTask("mstransform").
				With("vis", s.ms).With("outputvis", out).With("field", field).
				With("spw", strings.Join(spws, ",")).With("combinespws", true)
		} else {
			log.Info().Str("field", field).Str("outputvis", out).Msg("Splitting field into separate file.")
			task = toolkit.NewTask("split").With("vis", s.ms).With("outputvis", out).With("field", field)
		}
		if _, err := j.Dispatch(ctx, task); err != nil {
			return err
		}
		if err := listobs(ctx, j, out, filepath.Join("summary", field+".listobs.summary")); err != nil {
			return err
		}
	}
	log.Info().Msg("Completed split fields.")
	return nil
}
