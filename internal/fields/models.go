package fields

import (
	"fmt"
	"slices"
	"strings"

	"github.com/danmuck/hipipe/internal/logging"
	"github.com/danmuck/hipipe/internal/reconcile"
)

// StandardModels are the flux density models the toolkit ships for L band.
var StandardModels = []string{"3C48_L.im", "3C138_L.im", "3C286_L.im", "3C147_L.im"}

// Calibrator aliases (B1950, J2000 and 3C names) and the model each needs.
var standardByName = map[string]string{
	"0134+329": "3C48_L.im",
	"0137+331": "3C48_L.im",
	"3C48":     "3C48_L.im",
	"0518+165": "3C138_L.im",
	"0521+166": "3C138_L.im",
	"3C138":    "3C138_L.im",
	"1328+307": "3C286_L.im",
	"1331+305": "3C286_L.im",
	"3C286":    "3C286_L.im",
	"0538+498": "3C147_L.im",
	"0542+498": "3C147_L.im",
}

// ModelFor returns the standard model of a known flux calibrator.
func ModelFor(field string) (string, bool) {
	m, ok := standardByName[field]
	return m, ok
}

func IsStandardModel(model string) bool {
	return slices.Contains(StandardModels, model)
}

// LookupModels assigns a standard model to each calibrator. Calibrators
// with no known model get "" and are listed in missing.
func LookupModels(calibrators []string) (models []string, missing []string) {
	models = make([]string, len(calibrators))
	for i, c := range calibrators {
		m, ok := ModelFor(c)
		if !ok {
			missing = append(missing, c)
			continue
		}
		models[i] = m
	}
	return models, missing
}

// ResolveFluxModels gives every flux calibrator exactly one model. The
// checks run in a fixed order: the list must exist and match the
// calibrators one to one, each entry must be a standard model, and a
// non-standard entry is accepted only when the manual model flag is set.
func (r *Resolver) ResolveFluxModels(a *Assignment) (bool, error) {
	log := r.logger()
	n := len(a.FluxCal)
	changed := false

	if len(a.FluxMod) == 0 {
		models, missing := LookupModels(a.FluxCal)
		switch {
		case len(missing) == 0:
			a.FluxMod = models
			changed = true
			log.Info().Strs("fluxmod", a.FluxMod).Msg("Flux models automatically set.")
		case !r.Session.Interactive:
			logging.Critical(log).Strs("calibrators", missing).
				Msg("Some flux calibrator models cannot be automatically assigned.")
			return false, fmt.Errorf("%w: no standard flux model for %v", ErrInvalidReference, missing)
		default:
			log.Warn().Strs("calibrators", missing).Msg("Some flux calibrator models cannot be automatically assigned.")
			a.FluxMod = models
			changed = true
		}
	}

	if len(a.FluxMod) != n {
		if !r.Session.Interactive {
			logging.Critical(log).Strs("fluxcal", a.FluxCal).Strs("fluxmod", a.FluxMod).
				Msg("The number of models does not match the number of flux calibrators.")
			return false, fmt.Errorf("%w: calibration.fluxmod has %d entries for %d flux calibrators",
				reconcile.ErrCardinality, len(a.FluxMod), n)
		}
		fitted, discarded := reconcile.Fit(a.FluxMod, n)
		if len(discarded) > 0 {
			log.Warn().Strs("discarded", discarded).Msg("Too many flux models set. The list has been truncated.")
		} else {
			log.Warn().Msg("Too few flux models set. Appending blanks.")
		}
		a.FluxMod = fitted
		changed = true
	}

	for i, model := range a.FluxMod {
		cal := a.FluxCal[i]
		if IsStandardModel(model) {
			if want, ok := ModelFor(cal); ok && want != model {
				log.Warn().Str("calibrator", cal).Str("model", model).Str("expected", want).
					Msg("Flux model does not match the standard model for this calibrator.")
			}
			continue
		}
		if model != "" && a.ManualModel {
			log.Info().Str("calibrator", cal).Str("model", model).Msg("Using manually defined flux model.")
			continue
		}
		if !r.Session.Interactive {
			logging.Critical(log).Str("calibrator", cal).Str("model", model).
				Msg("Non-standard name for flux model and man_mod is not set.")
			return false, fmt.Errorf("%w: flux model %q for %s is not a standard model", ErrInvalidReference, model, cal)
		}
		chosen, manual, err := r.askModel(cal, model)
		if err != nil {
			return false, err
		}
		a.FluxMod[i] = chosen
		if manual {
			a.ManualModel = true
		}
		changed = true
	}

	log.Info().Strs("fluxmod", a.FluxMod).Bool("man_mod", a.ManualModel).Msg("Flux models set.")
	r.observe("calibration.fluxmod", changed)
	return changed, nil
}

func (r *Resolver) askModel(calibrator, current string) (string, bool, error) {
	p := r.prompter()
	def := current
	if def == "" {
		def, _ = ModelFor(calibrator)
	}
	for {
		p.Say("Usual flux calibrator models are %s.", strings.Join(StandardModels, ", "))
		v, err := p.Ask(fmt.Sprintf("Flux model for calibrator %s", calibrator), def)
		if err != nil {
			return "", false, err
		}
		if v == "" {
			continue
		}
		if IsStandardModel(v) {
			return v, false, nil
		}
		ok, err := p.Confirm(fmt.Sprintf("%s is not a standard model. Do you want to proceed with it as a manual flux model", v))
		if err != nil {
			return "", false, err
		}
		if ok {
			return v, true, nil
		}
	}
}
