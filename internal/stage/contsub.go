package stage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danmuck/hipipe/internal/reconcile"
	"github.com/danmuck/hipipe/internal/toolkit"
)

type contSubStage struct {
	targets []target
}

func lineFreeChannels(units []string) reconcile.List[string] {
	return reconcile.List[string]{
		Name:   "line free channel ranges",
		Key:    "continuum_subtraction.linefree_ch",
		Prompt: "Line free channels",
		Units:  units,
		Codec:  reconcile.Strings,
		Hint:   "For each target enter the line free channels in the following format:\nspwID1:min_ch1~max_ch1;min_ch2~max_ch2,spwID2:min_ch3~max_ch3 etc.",
		Validate: func(v string) error {
			if _, err := fitWindows(v); err != nil {
				return err
			}
			return nil
		},
	}
}

// fitWindows extracts the SPW IDs of a channel selection such as
// "0:100~200;300~400,1:20~40".
func fitWindows(chans string) ([]string, error) {
	if strings.TrimSpace(chans) == "" {
		return nil, errors.New("channel range is empty")
	}
	var out []string
	for _, part := range strings.Split(chans, ",") {
		id, _, _ := strings.Cut(strings.TrimSpace(part), ":")
		if _, err := strconv.Atoi(id); err != nil {
			return nil, fmt.Errorf("channel range %q does not start with a SPW ID", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *contSubStage) Validate(_ context.Context, j *Job) error {
	ts, err := imagingTargets(j)
	if err != nil {
		return err
	}
	s.targets = ts
	units := targetNames(ts)
	cfg := j.Config()

	log := j.Log()
	log.Info().Msg("Checking for line free channel ranges in parameters.")
	linefree, err := ReconcileList(j, cfg.ContSub.LineFreeCh, lineFreeChannels(units))
	if err != nil {
		return err
	}
	cfg.ContSub.LineFreeCh = linefree

	log.Info().Msg("Checking clean parameters for dirty image.")
	if err := resolveImageGeometry(j, units); err != nil {
		return err
	}
	lines, err := ReconcileList(j, cfg.Clean.LineCh, lineChannels(units, linefree))
	if err != nil {
		return err
	}
	cfg.Clean.LineCh = lines
	return nil
}

func (s *contSubStage) Execute(ctx context.Context, j *Job) error {
	cfg := j.Config()
	log := j.Log()

	log.Info().Msg("Starting continuum subtraction.")
	for i, t := range s.targets {
		chans := cfg.ContSub.LineFreeCh[i]
		spws, err := fitWindows(chans)
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name, err)
		}
		log.Info().Str("field", t.Field).Msg("Subtracting the continuum.")
		task := toolkit.NewTask("uvcontsub").
			With("vis", j.splitPath(t.Field)).
			With("field", t.Field).
			With("fitspw", chans).
			With("spw", strings.Join(spws, ",")).
			With("excludechans", false).
			With("combine", "").
			With("solint", "int").
			With("fitorder", cfg.ContSub.FitOrder).
			With("want_cont", cfg.ContSub.SaveCont)
		if _, err := j.Dispatch(ctx, task); err != nil {
			return err
		}
	}
	log.Info().Msg("Completed continuum subtraction.")

	if err := s.plotSpectra(ctx, j); err != nil {
		return err
	}

	log.Info().Msg("Removing any existing dirty images.")
	for _, t := range s.targets {
		if _, err := j.RemoveArtifacts(j.imagePath(t.Name + ".dirty*")); err != nil {
			return err
		}
	}
	if err := j.MakeDir(cfg.Global.ImgDir); err != nil {
		return err
	}

	log.Info().Msg("Starting making dirty image.")
	cln := cfg.Clean
	for i, t := range s.targets {
		log.Info().Str("target", t.Name).Msg("Making dirty image (line only).")
		task := toolkit.NewTask("tclean").
			With("vis", j.contsubPath(t.Field)).
			With("field", t.Field).
			With("spw", cln.LineCh[i]).
			With("imagename", j.imagePath(t.Name+".dirty")).
			With("cell", cln.PixSize[i]).
			With("imsize", []int{cln.ImSize[i], cln.ImSize[i]}).
			With("specmode", "cube").
			With("outframe", "bary").
			With("veltype", "radio").
			With("restfreq", cfg.Global.RestFreq).
			With("gridder", "wproject").
			With("wprojplanes", 128).
			With("pblimit", 0.1).
			With("normtype", "flatnoise").
			With("deconvolver", "hogbom").
			With("weighting", "briggs").
			With("robust", cln.Robust).
			With("restoringbeam", "common").
			With("niter", 0).
			With("interactive", false)
		if _, err := j.Dispatch(ctx, task); err != nil {
			return err
		}
	}
	log.Info().Msg("Completed making dirty image.")
	return nil
}

// plotSpectra plots amplitude against channel and velocity for every SPW
// of every continuum subtracted target.
func (s *contSubStage) plotSpectra(ctx context.Context, j *Job) error {
	cfg := j.Config()
	log := j.Log()
	log.Info().Msg("Starting plotting amplitude spectrum.")
	if err := j.MakeDir("plots"); err != nil {
		return err
	}
	for _, t := range s.targets {
		c, err := j.Catalog(ctx, j.splitPath(t.Field))
		if err != nil {
			return err
		}
		for _, id := range c.SPWsForField(t.Field) {
			spw := strconv.Itoa(id)
			chanPlot := filepath.Join("plots", fmt.Sprintf("%s_amp_chn_spw%d.png", t.Name, id))
			velPlot := filepath.Join("plots", fmt.Sprintf("%s_amp_vel_spw%d.png", t.Name, id))
			tasks := []toolkit.Task{
				toolkit.NewTask("plotms").
					With("vis", j.contsubPath(t.Field)).
					With("xaxis", "chan").With("yaxis", "amp").
					With("ydatacolumn", "corrected").With("spw", spw).
					With("plotfile", chanPlot).
					With("expformat", "png").With("overwrite", true).With("showgui", false),
				toolkit.NewTask("plotms").
					With("vis", j.contsubPath(t.Field)).
					With("xaxis", "velocity").With("yaxis", "amp").
					With("ydatacolumn", "corrected").With("spw", spw).
					With("plotfile", velPlot).
					With("expformat", "png").With("overwrite", true).With("showgui", false).
					With("freqframe", "BARY").With("restfreq", cfg.Global.RestFreq).With("veldef", "OPTICAL"),
			}
			for _, task := range tasks {
				if _, err := j.Dispatch(ctx, task); err != nil {
					return err
				}
			}
		}
	}
	log.Info().Msg("Completed plotting amplitude spectrum.")
	return nil
}
