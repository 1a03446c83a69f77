package stage

import (
	"context"

	"github.com/danmuck/hipipe/internal/toolkit"
)

type contImageStage struct {
	targets []target
}

func (s *contImageStage) Validate(_ context.Context, j *Job) error {
	ts, err := imagingTargets(j)
	if err != nil {
		return err
	}
	s.targets = ts
	j.Log().Info().Msg("Checking clean parameters for dirty image (inc. continuum).")
	return resolveImageGeometry(j, targetNames(ts))
}

func (s *contImageStage) Execute(ctx context.Context, j *Job) error {
	cfg := j.Config()
	log := j.Log()
	log.Info().Msg("Starting making dirty continuum image.")
	if err := j.MakeDir(cfg.Global.ImgDir); err != nil {
		return err
	}
	log.Info().Msg("Removing any existing dirty continuum images.")
	if _, err := j.RemoveArtifacts(j.imagePath("*cont.dirty*")); err != nil {
		return err
	}

	cln := cfg.Clean
	for i, t := range s.targets {
		log.Info().Str("target", t.Name).Msg("Making dirty image (inc. continuum).")
		task := toolkit.NewTask("tclean").
			With("vis", j.splitPath(t.Field)).
			With("field", t.Field).
			With("imagename", j.imagePath(t.Name+".cont.dirty")).
			With("cell", cln.PixSize[i]).
			With("imsize", []int{cln.ImSize[i], cln.ImSize[i]}).
			With("specmode", "cube").
			With("outframe", "bary").
			With("veltype", "radio").
			With("restfreq", cfg.Global.RestFreq).
			With("gridder", "wproject").
			With("wprojplanes", -1).
			With("pblimit", 0.1).
			With("normtype", "flatnoise").
			With("deconvolver", "hogbom").
			With("weighting", "briggs").
			With("robust", cln.Robust).
			With("niter", 0).
			With("phasecenter", cln.PhaseCenter).
			With("interactive", false)
		if _, err := j.Dispatch(ctx, task); err != nil {
			return err
		}
	}
	log.Info().Msg("Completed making dirty continuum image.")
	return nil
}
