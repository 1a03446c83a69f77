package stage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/danmuck/hipipe/internal/catalog"
	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/physics"
	"github.com/danmuck/hipipe/internal/toolkit"
)

// cleanUnit is the resolved deconvolution setup of one target.
type cleanUnit struct {
	target
	scales []int
	noise  float64
}

type cleanStage struct {
	units    []cleanUnit
	automask config.Automask
}

func (s *cleanStage) Validate(ctx context.Context, j *Job) error {
	ts, err := imagingTargets(j)
	if err != nil {
		return err
	}
	names := targetNames(ts)
	cfg := j.Config()
	cln := &cfg.Clean
	log := j.Log()

	lines, err := ReconcileList(j, cln.LineCh, lineChannels(names, cfg.ContSub.LineFreeCh))
	if err != nil {
		return err
	}
	cln.LineCh = lines
	j.Require("clean.pix_size", len(cln.PixSize), len(ts))
	j.Require("clean.im_size", len(cln.ImSize), len(ts))
	if len(cln.PixSize) != len(ts) {
		// the gate fails before execution; the per-target checks need pixel sizes
		return j.checkRequirements()
	}

	if cln.Multiscale {
		log.Info().Msg("Setting CLEAN algorithm to MS-CLEAN.")
		if err := s.resolveScales(j); err != nil {
			return err
		}
	} else {
		log.Info().Msg("Setting CLEAN algorithm to Hogbom.")
	}

	am, defaulted := cln.Automask()
	for _, key := range defaulted {
		log.Warn().Str("key", "clean."+key).Msg("Automasking parameter not set. Using default value.")
	}
	log.Info().
		Float64("sidelobethreshold", am.SidelobeThreshold).
		Float64("noisethreshold", am.NoiseThreshold).
		Float64("lownoisethreshold", am.LowNoiseThreshold).
		Float64("minbeamfrac", am.MinBeamFrac).
		Float64("negativethreshold", am.NegativeThreshold).
		Msg("Automasking parameters set.")
	s.automask = am

	noise, err := noiseLevels(ctx, j, ts)
	if err != nil {
		return err
	}

	s.units = make([]cleanUnit, len(ts))
	for i, t := range ts {
		u := cleanUnit{target: t}
		if i < len(noise) {
			u.noise = noise[i]
		}
		beam, err := s.checkPixelSize(ctx, j, i, t)
		if err != nil {
			return err
		}
		if cln.Multiscale {
			if u.scales, err = s.pixelScales(ctx, j, i, t, beam); err != nil {
				return err
			}
		}
		s.units[i] = u
	}
	return nil
}

func parseScales(raw string) ([]float64, error) {
	var out []float64
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("scale %q is not a number", part)
		}
		if v < 0 {
			return nil, fmt.Errorf("scale %q is negative", part)
		}
		out = append(out, v)
	}
	return out, nil
}

func formatScales(scales []float64) string {
	parts := make([]string, len(scales))
	for i, v := range scales {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// resolveScales makes sure the beam scales exist and include zero.
func (s *cleanStage) resolveScales(j *Job) error {
	cln := &j.Config().Clean
	log := j.Log()
	p := j.Prompter()
	revise := false
	switch {
	case len(cln.BeamScales) == 0:
		log.Warn().Msg("MS-CLEAN scales not set.")
		revise = true
	case !slices.Contains(cln.BeamScales, 0):
		log.Warn().Floats64("scales", cln.BeamScales).
			Msg("MS-CLEAN scales do not include point sources. This is highly recommended.")
		if j.Interactive() {
			ok, err := p.Confirm("Do you want revise MS-CLEAN scales")
			if err != nil {
				return err
			}
			revise = ok
		} else {
			revise = true
		}
	}
	if !revise {
		log.Info().Floats64("scales", cln.BeamScales).Msg("MS-CLEAN scales set in beam diameters.")
		return nil
	}

	if j.Interactive() {
		p.Say("Current scales set to: %v beam diameters.", cln.BeamScales)
		for {
			raw, err := p.Ask("Enter new scales", formatScales(cln.BeamScales))
			if err != nil {
				return err
			}
			scales, err := parseScales(raw)
			if err != nil {
				p.Say("%v", err)
				continue
			}
			cln.BeamScales = scales
			break
		}
	}
	if scales, added := physics.EnsurePointScale(cln.BeamScales); added {
		log.Info().Msg("Adding point source to MS-CLEAN scales.")
		cln.BeamScales = scales
	}
	log.Info().Floats64("scales", cln.BeamScales).Msg("Setting MS-CLEAN scales in beam diameters.")
	j.MarkChanged("clean.beam_scales")
	return nil
}

// checkPixelSize compares the pixel size of target i with the beam of its
// dirty cube and offers a revision when the beam is undersampled.
func (s *cleanStage) checkPixelSize(ctx context.Context, j *Job, i int, t target) (toolkit.Beam, error) {
	cln := &j.Config().Clean
	log := j.Log().With().Str("target", t.Name).Logger()
	beam, err := toolkit.RestoringBeam(ctx, j.Client(), j.imagePath(t.Name+".dirty.image"))
	if err != nil {
		return beam, err
	}
	if !physics.UnitsAgree(cln.PixSize[i], beam.Minor.Unit) {
		log.Error().Str("pix_size", cln.PixSize[i]).Str("beam_unit", beam.Minor.Unit).
			Msg("The pixel size and beam size have different units.")
		if cln.Multiscale {
			log.Error().Msg("MS-CLEAN scales will likely be incorrect.")
		}
	}
	pix, err := physics.ParseQuantity(cln.PixSize[i])
	if err != nil {
		return beam, fmt.Errorf("%w: clean.pix_size[%d]: %w", config.ErrInvalid, i, err)
	}
	if !physics.UndersampledBeam(beam.Minor.Value, pix.Value) {
		return beam, nil
	}
	log.Warn().Str("pix_size", cln.PixSize[i]).Str("beam_minor", beam.Minor.String()).
		Msg("There are fewer than 5 pixels across the beam minor axis. Consider decreasing the pixel size.")
	if !j.Interactive() {
		return beam, nil
	}

	p := j.Prompter()
	p.Say("Beam dimensions:")
	p.Say("Major: %.2f %s", beam.Major.Value, beam.Major.Unit)
	p.Say("Minor: %.2f %s", beam.Minor.Value, beam.Minor.Unit)
	p.Say("Pixel size: %s", cln.PixSize[i])
	ok, err := p.Confirm("Do you want revise the pixel size")
	if err != nil || !ok {
		return beam, err
	}
	validate := pixelSizes(nil).Validate
	for {
		raw, err := p.Ask("Pixel size for "+t.Name, cln.PixSize[i])
		if err != nil {
			return beam, err
		}
		if err := validate(raw); err != nil {
			p.Say("%v", err)
			continue
		}
		if raw != cln.PixSize[i] {
			cln.PixSize[i] = raw
			j.MarkChanged("clean.pix_size")
		}
		log.Info().Str("pix_size", raw).Msg("Setting pixel size.")
		return beam, nil
	}
}

// pixelScales converts the beam scales to pixels for target i and drops the
// ones larger than the array can recover.
func (s *cleanStage) pixelScales(ctx context.Context, j *Job, i int, t target, beam toolkit.Beam) ([]int, error) {
	cln := j.Config().Clean
	log := j.Log().With().Str("target", t.Name).Logger()
	pix, err := physics.ParseQuantity(cln.PixSize[i])
	if err != nil {
		return nil, fmt.Errorf("%w: clean.pix_size[%d]: %w", config.ErrInvalid, i, err)
	}
	perBeam := physics.PixelsAcrossBeam(beam.Major.Value, pix.Value)
	scales := physics.BeamScalesToPixels(cln.BeamScales, perBeam)

	c, err := j.Catalog(ctx, j.contsubPath(t.Field))
	if err != nil {
		return nil, err
	}
	maxScale, err := physics.MaxRecoverableScale(catalog.MinFrequency(c, t.Field), catalog.ShortestBaseline(c))
	switch {
	case errors.Is(err, physics.ErrInvalidInput):
		log.Warn().Err(err).Msg("Maximum recoverable scale unknown. Scales not checked.")
	case err != nil:
		return nil, err
	case pix.Unit != "arcsec":
		log.Info().Int("max_scale_arcsec", int(maxScale)).Msg("The maximum recoverable scale.")
		log.Warn().Str("pix_size", cln.PixSize[i]).Msg("Pixel size not in arcsec. Maximum scale not checked.")
	default:
		log.Info().Int("max_scale_arcsec", int(maxScale)).Msg("The maximum recoverable scale.")
		var dropped []int
		scales, dropped = physics.FilterScales(scales, pix.Value, maxScale)
		if len(dropped) > 0 {
			log.Warn().Ints("dropped", dropped).
				Msg("Some MS-CLEAN scales are larger than the largest recoverable angular scale. Removing offending scales.")
		}
	}
	log.Info().Ints("scales", scales).Msg("CLEANing with scales in pixels.")
	return scales, nil
}

func (s *cleanStage) Execute(ctx context.Context, j *Job) error {
	cfg := j.Config()
	cln := cfg.Clean
	log := j.Log()
	if err := j.MakeDir(cfg.Global.ImgDir); err != nil {
		return err
	}
	log.Info().Msg("Removing any existing images.")
	for _, u := range s.units {
		var patterns []string
		for _, ext := range []string{"image*", "model", "pb", "psf", "residual", "sumwt"} {
			patterns = append(patterns, j.imagePath(u.Name+"."+ext))
		}
		if _, err := j.RemoveArtifacts(patterns...); err != nil {
			return err
		}
	}

	log.Info().Msg("Starting generation of clean image(s).")
	deconvolver := "hogbom"
	if cln.Multiscale {
		deconvolver = "multiscale"
	}
	am := s.automask
	for i, u := range s.units {
		threshold := u.noise * cln.Thresh
		log.Info().Str("target", u.Name).Float64("threshold_jy", physics.RoundSig(threshold, 4)).Msg("CLEANing to threshold.")
		task := toolkit.NewTask("tclean").
			With("vis", j.contsubPath(u.Field)).
			With("field", u.Field).
			With("spw", cln.LineCh[i]).
			With("imagename", j.imagePath(u.Name)).
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
			With("deconvolver", deconvolver)
		if cln.Multiscale {
			task = task.With("scales", u.scales)
		}
		task = task.
			With("restoringbeam", "common").
			With("pbcor", true).
			With("weighting", "briggs").
			With("robust", cln.Robust).
			With("niter", 100000).
			With("gain", 0.1).
			With("threshold", fmt.Sprintf("%gJy", threshold)).
			With("usemask", "auto-multithresh").
			With("sidelobethreshold", am.SidelobeThreshold).
			With("noisethreshold", am.NoiseThreshold).
			With("lownoisethreshold", am.LowNoiseThreshold).
			With("minbeamfrac", am.MinBeamFrac).
			With("negativethreshold", am.NegativeThreshold).
			With("cyclefactor", 2.0).
			With("interactive", false)
		if _, err := j.Dispatch(ctx, task); err != nil {
			return err
		}
		log.Info().Str("image", u.Name+".image").Msg("CLEANing finished.")

		if err := s.export(ctx, j, u); err != nil {
			return err
		}
	}
	log.Info().Msg("Completed generation of clean image(s).")
	return nil
}

// export regrids the cube and its primary beam corrected copy to J2000 when
// needed and writes both as FITS.
func (s *cleanStage) export(ctx context.Context, j *Job, u cleanUnit) error {
	log := j.Log().With().Str("target", u.Name).Logger()
	frame, err := toolkit.ReferenceFrame(ctx, j.Client(), j.imagePath(u.Name+".dirty.image"))
	if err != nil {
		return err
	}
	image, pbcor := u.Name+".image", u.Name+".image.pbcor"
	if !strings.Contains(frame, "J2000") {
		log.Info().Str("frame", frame).Msg("Coordinate system not J2000. Image will be regridded.")
		for _, name := range []string{image, pbcor} {
			task := toolkit.NewTask("imregrid").
				With("imagename", j.imagePath(name)).
				With("template", "J2000").
				With("output", j.imagePath(name+".J2000")).
				With("asvelocity", true).
				With("interpolation", "linear").
				With("decimate", 10).
				With("overwrite", true)
			if _, err := j.Dispatch(ctx, task); err != nil {
				return err
			}
			log.Info().Str("image", name+".J2000").Msg("Regridded in J2000 coordinates.")
		}
		image, pbcor = image+".J2000", pbcor+".J2000"
	}

	exports := []struct{ image, fits string }{
		{image, u.Name + "_HI.fits"},
		{pbcor, u.Name + "_HI.pbcor.fits"},
	}
	for _, e := range exports {
		log.Info().Str("fits", e.fits).Msg("Saving image cube.")
		if _, err := j.Dispatch(ctx, exportFITS(j.imagePath(e.image), j.imagePath(e.fits))); err != nil {
			return err
		}
	}
	return nil
}

func exportFITS(image, fits string) toolkit.Task {
	return toolkit.NewTask("exportfits").
		With("imagename", image).
		With("fitsimage", fits).
		With("velocity", true).
		With("optical", false).
		With("overwrite", true).
		With("dropstokes", true).
		With("stokeslast", true).
		With("history", true).
		With("dropdeg", true)
}
