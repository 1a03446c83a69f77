package stage

import (
	"context"
	"path/filepath"

	"github.com/danmuck/hipipe/internal/physics"
	"github.com/danmuck/hipipe/internal/reconcile"
	"github.com/danmuck/hipipe/internal/toolkit"
)

type momentStage struct {
	targets []target
	noise   []float64
}

func momentChannels(units []string) reconcile.List[string] {
	return reconcile.List[string]{
		Name:   "moment channel ranges",
		Key:    "moment.mom_chans",
		Prompt: "Channel range",
		Units:  units,
		Policy: reconcile.Lenient,
		Codec:  reconcile.Strings,
		Hint:   "Please specify the channel ranges in the format: chan1~chan2. A blank range uses every channel.",
	}
}

func (s *momentStage) Validate(ctx context.Context, j *Job) error {
	ts, err := imagingTargets(j)
	if err != nil {
		return err
	}
	s.targets = ts
	noise, err := noiseLevels(ctx, j, ts)
	if err != nil {
		return err
	}
	s.noise = noise

	mom := &j.Config().Moment
	chans, err := ReconcileList(j, mom.MomChans, momentChannels(targetNames(ts)))
	if err != nil {
		return err
	}
	mom.MomChans = chans
	return nil
}

func (s *momentStage) Execute(ctx context.Context, j *Job) error {
	cfg := j.Config()
	log := j.Log()
	momDir := cfg.Global.MomDir
	if err := j.MakeDir(momDir); err != nil {
		return err
	}
	log.Info().Msg("Deleting any existing moment(s).")
	if _, err := j.RemoveArtifacts(filepath.Join(momDir, "*.mom0"), filepath.Join(momDir, "*.mom0.fits")); err != nil {
		return err
	}

	// regridded cubes exist when the clean stage had to convert the frame
	regridded, err := filepath.Glob(j.Path(j.imagePath("*.image.J2000")))
	if err != nil {
		return err
	}
	suffix := ".image"
	if len(regridded) > 0 {
		suffix = ".image.J2000"
	}

	log.Info().Msg("Starting generation of moment map(s).")
	for i, t := range s.targets {
		noise := 0.0
		if i < len(s.noise) {
			noise = s.noise[i]
		}
		window := physics.NoiseRange(noise, cfg.Moment.MomThresh)
		out := filepath.Join(momDir, t.Name+".mom0")
		log.Info().Str("target", t.Name).Floats64("includepix", window[:]).Msg("Making moment zero map.")
		task := toolkit.NewTask("immoments").
			With("imagename", j.imagePath(t.Name+suffix)).
			With("includepix", window[:]).
			With("chans", cfg.Moment.MomChans[i]).
			With("outfile", out)
		if _, err := j.Dispatch(ctx, task); err != nil {
			return err
		}
		fits := toolkit.NewTask("exportfits").
			With("imagename", out).
			With("fitsimage", out+".fits").
			With("overwrite", true).
			With("dropstokes", true).
			With("stokeslast", true).
			With("history", true).
			With("dropdeg", true)
		if _, err := j.Dispatch(ctx, fits); err != nil {
			return err
		}
	}
	log.Info().Msg("Completed generation of moment map(s).")
	return nil
}
