package stage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/danmuck/hipipe/internal/catalog"
	"github.com/danmuck/hipipe/internal/fields"
	"github.com/danmuck/hipipe/internal/logging"
	"github.com/danmuck/hipipe/internal/physics"
	"github.com/danmuck/hipipe/internal/reconcile"
)

// target is one imaging unit: a split field and the name its products use.
type target struct {
	Field string
	Name  string
}

func imagingTargets(j *Job) ([]target, error) {
	a := fields.FromConfig(j.Config().Calibration)
	if len(a.Targets) == 0 {
		logging.Critical(j.Log()).Msg("No target fields are set. Run the calibrate stage first.")
		return nil, fmt.Errorf("%w: calibration.targets is empty", fields.ErrNoTargets)
	}
	out := make([]target, len(a.Targets))
	for i, field := range a.Targets {
		out[i] = target{Field: field, Name: a.DisplayName(i)}
	}
	return out, nil
}

func targetNames(ts []target) []string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = t.Name
	}
	return names
}

func (j *Job) splitPath(field string) string {
	return filepath.Join(j.Config().Global.SrcDir, field+".split")
}

func (j *Job) contsubPath(field string) string {
	return j.splitPath(field) + ".contsub"
}

func (j *Job) imagePath(name string) string {
	return filepath.Join(j.Config().Global.ImgDir, name)
}

func pixelSizes(units []string) reconcile.List[string] {
	return reconcile.List[string]{
		Name:   "pixel sizes",
		Key:    "clean.pix_size",
		Prompt: "Pixel size",
		Units:  units,
		Codec:  reconcile.Strings,
		Validate: func(v string) error {
			q, err := physics.ParseQuantity(v)
			if err != nil {
				return err
			}
			if q.Value <= 0 {
				return fmt.Errorf("pixel size %q must be positive", v)
			}
			return nil
		},
	}
}

func imageSizes(units []string, pix []string) reconcile.List[int] {
	return reconcile.List[int]{
		Name:   "image sizes",
		Key:    "clean.im_size",
		Prompt: "Image size",
		Units:  units,
		Codec:  reconcile.Ints,
		Note: func(i int) string {
			if i < len(pix) {
				return "The pixel size for this target was set to: " + pix[i]
			}
			return ""
		},
		Validate: func(v int) error {
			if v <= 0 {
				return errors.New("image size must be a positive number of pixels")
			}
			return nil
		},
	}
}

// resolveImageGeometry reconciles pixel and image sizes with the targets.
func resolveImageGeometry(j *Job, units []string) error {
	cln := &j.Config().Clean
	pix, err := ReconcileList(j, cln.PixSize, pixelSizes(units))
	if err != nil {
		return err
	}
	cln.PixSize = pix
	size, err := ReconcileList(j, cln.ImSize, imageSizes(units, pix))
	if err != nil {
		return err
	}
	cln.ImSize = size
	return nil
}

func lineChannels(units []string, linefree []string) reconcile.List[string] {
	return reconcile.List[string]{
		Name:   "line channel ranges",
		Key:    "clean.line_ch",
		Prompt: "Channels to image",
		Units:  units,
		Codec:  reconcile.Strings,
		Hint:   "For each target enter the channels you want to image in the following format:\nspwID:min_ch~max_ch",
		Note: func(i int) string {
			if i < len(linefree) {
				return "The continuum channels for this target were set to: " + linefree[i]
			}
			return ""
		},
	}
}

// noiseLevels returns the expected rms of every target, from clean.noise
// when the file sets it and from the radiometer equation otherwise.
func noiseLevels(ctx context.Context, j *Job, ts []target) ([]float64, error) {
	cfg := j.Config()
	if j.Defined("clean", "noise") && len(cfg.Clean.Noise) > 0 {
		j.log.Info().Floats64("noise", cfg.Clean.Noise).Msg("Noise level(s) set manually.")
		j.Require("clean.noise", len(cfg.Clean.Noise), len(ts))
		return slices.Clone(cfg.Clean.Noise), nil
	}
	j.log.Info().Msg("Starting making noise estimation.")
	smoothing := physics.SmoothingFactor(cfg.ImportData.Hanning, cfg.ImportData.ChanAvg)
	out := make([]float64, len(ts))
	for i, t := range ts {
		vis := j.contsubPath(t.Field)
		c, err := j.Catalog(ctx, vis)
		if err != nil {
			return nil, err
		}
		exposure := c.EffectiveExposure()
		if exposure.Unit != "s" && !strings.Contains(exposure.Unit, "sec") {
			j.log.Warn().Str("target", t.Name).Str("unit", exposure.Unit).
				Msg("Integration time units are not in seconds. Estimated noise may be incorrect.")
		}
		noise, err := physics.ThermalNoise(physics.NoiseInput{
			SEFD:        cfg.Clean.SEFD,
			CorrEff:     cfg.Clean.CorrEff,
			Antennas:    c.AntennaCount(),
			Integration: exposure.Value,
			ChanWidth:   channelWidth(c, t.Field),
			Smoothing:   smoothing,
		})
		if err != nil {
			return nil, fmt.Errorf("noise estimate for %s: %w", t.Name, err)
		}
		out[i] = noise
		j.log.Info().Str("target", t.Name).
			Float64("integration", exposure.Value).Str("unit", exposure.Unit).
			Float64("noise_jy", physics.RoundSig(noise, 4)).
			Msg("Expected rms noise.")
	}
	j.log.Info().Msg("Completed making noise estimation.")
	return out, nil
}

// channelWidth is the mean channel width of the first window that
// observed field.
func channelWidth(c catalog.Catalog, field string) float64 {
	if ids := c.SPWsForField(field); len(ids) > 0 {
		if spw, ok := catalog.Window(c, ids[0]); ok {
			return spw.MeanChanWidth()
		}
	}
	if windows := c.SpectralWindows(); len(windows) > 0 {
		return windows[0].MeanChanWidth()
	}
	return 0
}
