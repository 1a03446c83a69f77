package fields

import (
	"fmt"
	"slices"

	"github.com/danmuck/hipipe/internal/catalog"
	"github.com/danmuck/hipipe/internal/logging"
	"github.com/danmuck/hipipe/internal/reconcile"
	"github.com/rs/zerolog"
)

// WindowPlan is the calibrator set used for one spectral window.
type WindowPlan struct {
	SPW      catalog.SPW
	FluxCal  string
	FluxMod  string
	BandCal  string
	PhaseCal string
	// Fields lists every field observed in the window.
	Fields []string
}

// SingleField reports whether one field serves as flux, bandpass and phase
// calibrator, which removes the fluxscale step.
func (w WindowPlan) SingleField() bool {
	return w.BandCal == w.FluxCal && w.BandCal == w.PhaseCal
}

// Plan pairs each spectral window in use with its calibrators. With one
// target per window the phase calibrators map by index. Otherwise each
// window takes the phase calibrator of the targets observed in it, and
// the plan fails when that is ambiguous.
func Plan(log *zerolog.Logger, c catalog.Catalog, a Assignment) ([]WindowPlan, error) {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	ids := catalog.SPWsInUse(c, a.Targets)
	n := len(ids)
	if n == 0 {
		logging.Critical(log).Strs("targets", a.Targets).Msg("Targets were not observed in any spectral window.")
		return nil, fmt.Errorf("%w: no spectral windows for targets %v", ErrSPWMatch, a.Targets)
	}
	if len(a.FluxCal) != n || len(a.BandCal) != n || len(a.FluxMod) != n || len(a.PhaseCal) != len(a.Targets) {
		return nil, fmt.Errorf("%w: calibrator lists are not resolved for %d windows and %d targets",
			reconcile.ErrCardinality, n, len(a.Targets))
	}

	phase := a.PhaseCal
	if len(a.Targets) != n {
		if len(a.Targets) > n {
			logging.Critical(log).Int("targets", len(a.Targets)).Int("spws", n).
				Msg("There are more targets than SPWs. The pipeline is not designed for this eventuality.")
			return nil, fmt.Errorf("%w: %d targets in %d windows", ErrSPWMatch, len(a.Targets), n)
		}
		log.Info().Msg("Some targets were observed in multiple SPWs. Matching phase calibrators to the appropriate SPWs.")
		var err error
		phase, err = matchPhaseCals(log, c, a, ids)
		if err != nil {
			return nil, err
		}
	}

	plans := make([]WindowPlan, n)
	for i, id := range ids {
		spw, ok := catalog.Window(c, id)
		if !ok {
			spw = catalog.SPW{ID: id}
		}
		plans[i] = WindowPlan{
			SPW:      spw,
			FluxCal:  a.FluxCal[i],
			FluxMod:  a.FluxMod[i],
			BandCal:  a.BandCal[i],
			PhaseCal: phase[i],
			Fields:   c.FieldsForSPW(id),
		}
	}
	return plans, nil
}

func matchPhaseCals(log *zerolog.Logger, c catalog.Catalog, a Assignment, ids []int) ([]string, error) {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		inSPW := c.FieldsForSPW(id)
		var cals []string
		for _, f := range inSPW {
			if slices.Contains(a.PhaseCal, f) && !slices.Contains(cals, f) {
				cals = append(cals, f)
			}
		}
		var targets []int
		for i, t := range a.Targets {
			if slices.Contains(inSPW, t) {
				targets = append(targets, i)
			}
		}

		if len(cals) == 0 {
			logging.Critical(log).Int("spw", id).Msg("No phase calibrator for SPW.")
			return nil, fmt.Errorf("%w: no phase calibrator observed in spw %d", ErrSPWMatch, id)
		}
		if len(targets) == 0 {
			logging.Critical(log).Int("spw", id).Msg("No targets in SPW.")
			return nil, fmt.Errorf("%w: no target observed in spw %d", ErrSPWMatch, id)
		}
		expected := a.PhaseCal[targets[0]]
		if len(targets) > 1 {
			log.Warn().Int("spw", id).Msg("More than one target in SPW.")
			for _, j := range targets[1:] {
				if a.PhaseCal[j] != expected {
					logging.Critical(log).Int("spw", id).Msg("Multiple targets with different phase calibrators in SPW.")
					return nil, fmt.Errorf("%w: targets in spw %d use different phase calibrators", ErrSPWMatch, id)
				}
			}
			log.Info().Int("spw", id).Msg("Targets share the same phase calibrator.")
		}
		if !slices.Contains(cals, expected) {
			logging.Critical(log).Str("target", a.Targets[targets[0]]).Int("spw", id).
				Msg("The expected phase calibrator was not observed in SPW.")
			return nil, fmt.Errorf("%w: phase calibrator %s of %s not observed in spw %d",
				ErrSPWMatch, expected, a.Targets[targets[0]], id)
		}
		out = append(out, expected)
	}
	return out, nil
}
