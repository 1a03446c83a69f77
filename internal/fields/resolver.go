// Package fields resolves which dataset fields play which calibration role.
//
// Ownership boundary:
// - reference antenna, targets and per-window or per-target calibrators,
// validated against the dataset catalog
//
// - flux model assignment from the standard model table
//
// - matching phase calibrators to spectral windows for the calibration chain
//
// The resolver mutates an Assignment in memory and reports whether it did.
// Writing the result back to the parameter file is the caller's job and
// happens once per pass.
package fields

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/hipipe/internal/catalog"
	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/logging"
	"github.com/danmuck/hipipe/internal/prompt"
	"github.com/danmuck/hipipe/internal/reconcile"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidReference = errors.New("invalid field reference")
	ErrNoTargets        = errors.New("no target fields")
	ErrSPWMatch         = errors.New("phase calibrators do not match spectral windows")
)

// Assignment is the calibration role state of a project.
type Assignment struct {
	RefAnt      string
	Targets     []string
	Names       []string
	FluxCal     []string
	FluxMod     []string
	ManualModel bool
	BandCal     []string
	PhaseCal    []string
}

func FromConfig(c config.CalibrationConfig) Assignment {
	return Assignment{
		RefAnt:      c.RefAnt,
		Targets:     append([]string(nil), c.Targets...),
		Names:       append([]string(nil), c.TargetNames...),
		FluxCal:     append([]string(nil), c.FluxCal...),
		FluxMod:     append([]string(nil), c.FluxMod...),
		ManualModel: c.ManMod,
		BandCal:     append([]string(nil), c.BandCal...),
		PhaseCal:    append([]string(nil), c.PhaseCal...),
	}
}

// Apply copies the assignment into the calibration section.
func (a Assignment) Apply(c *config.CalibrationConfig) {
	c.RefAnt = a.RefAnt
	c.Targets = a.Targets
	c.TargetNames = a.Names
	c.FluxCal = a.FluxCal
	c.FluxMod = a.FluxMod
	c.ManMod = a.ManualModel
	c.BandCal = a.BandCal
	c.PhaseCal = a.PhaseCal
}

// DisplayName is the alias of target i, or its field name when no alias
// is set.
func (a Assignment) DisplayName(i int) string {
	if i < len(a.Names) && strings.TrimSpace(a.Names[i]) != "" {
		return a.Names[i]
	}
	return a.Targets[i]
}

// Resolver checks an Assignment against one dataset catalog.
type Resolver struct {
	Session reconcile.Session
	Catalog catalog.Catalog
	// Observe, when set, is told about every list the resolver reconciles.
	Observe func(key string, changed bool)
}

// Resolve runs the full pass: reference antenna, targets, flux and
// bandpass calibrators per spectral window in use, flux models, phase
// calibrators per target and target aliases.
func (r *Resolver) Resolve(a *Assignment) (bool, error) {
	log := r.logger()
	log.Info().Msg("Starting set field purposes.")

	changed := false
	steps := []func(*Assignment) (bool, error){
		r.ResolveRefAnt,
		r.ResolveTargets,
		r.resolveWindowCalibrators,
		r.ResolveFluxModels,
		r.resolvePhaseCalibrators,
		r.resolveNames,
	}
	for _, step := range steps {
		ch, err := step(a)
		if err != nil {
			return changed, err
		}
		changed = changed || ch
	}

	log.Info().Bool("changed", changed).Msg("Completed set field purposes.")
	return changed, nil
}

func (r *Resolver) ResolveRefAnt(a *Assignment) (bool, error) {
	log := r.logger()
	antennas := r.Catalog.AntennaNames()
	if catalog.HasAntenna(r.Catalog, a.RefAnt) {
		log.Info().Str("refant", a.RefAnt).Msg("Reference antenna already set.")
		return false, nil
	}
	if !r.Session.Interactive {
		logging.Critical(log).Str("refant", a.RefAnt).Strs("antennas", antennas).
			Msg("No valid reference antenna set.")
		return false, fmt.Errorf("%w: reference antenna %q is not in the antenna table", ErrInvalidReference, a.RefAnt)
	}
	log.Warn().Msg("No valid reference antenna set. Requesting user input.")
	p := r.prompter()
	p.Say("Valid antenna names: %s", strings.Join(antennas, ", "))
	for {
		v, err := p.Ask("Please select a reference antenna by name", "")
		if err != nil {
			return false, err
		}
		if catalog.HasAntenna(r.Catalog, v) {
			a.RefAnt = v
			break
		}
		p.Say("String entered is not a valid antenna name.")
	}
	log.Info().Str("refant", a.RefAnt).Msg("Reference antenna set.")
	r.observe("calibration.refant", true)
	return true, nil
}

func (r *Resolver) ResolveTargets(a *Assignment) (bool, error) {
	log := r.logger()
	changed := false

	if len(a.Targets) == 0 {
		if !r.Session.Interactive {
			logging.Critical(log).Msg("There are no targets listed in the parameters file.")
			return false, ErrNoTargets
		}
		log.Warn().Msg("No target field(s) set. Requesting user input.")
		if err := r.addTargets(a); err != nil {
			return false, err
		}
		changed = true
	} else {
		for i, target := range a.Targets {
			err := r.inCatalog(target)
			if err == nil {
				continue
			}
			if !r.Session.Interactive {
				logging.Critical(log).Str("target", target).Msg("Illegal name for target field.")
				return false, fmt.Errorf("calibration.targets[%d]: %w", i, err)
			}
			v, err := r.askField(fmt.Sprintf("Replacement for target %s", target))
			if err != nil {
				return false, err
			}
			a.Targets[i] = v
			changed = true
		}
		log.Info().Strs("targets", a.Targets).Msg("Target field(s) already set.")
		if r.Session.Interactive {
			more, err := r.prompter().Confirm("Do you want to add another target")
			if err != nil {
				return false, err
			}
			if more {
				if err := r.addTargets(a); err != nil {
					return false, err
				}
				changed = true
			}
		}
	}

	r.observe("calibration.targets", changed)
	return changed, nil
}

func (r *Resolver) addTargets(a *Assignment) error {
	for {
		v, err := r.askField("Please select a target field by name")
		if err != nil {
			return err
		}
		a.Targets = append(a.Targets, v)
		r.logger().Info().Str("target", v).Msg("Target field set.")
		more, err := r.prompter().Confirm("Do you want to add another target")
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

func (r *Resolver) askField(question string) (string, error) {
	p := r.prompter()
	p.Say("Valid field names: %s", strings.Join(r.Catalog.FieldNames(), ", "))
	for {
		v, err := p.Ask(question, "")
		if err != nil {
			return "", err
		}
		if r.inCatalog(v) == nil {
			return v, nil
		}
		p.Say("String entered is not a valid field name.")
	}
}

// Windows returns the spectral windows the targets were observed in.
func (r *Resolver) Windows(a Assignment) ([]catalog.SPW, error) {
	ids := catalog.SPWsInUse(r.Catalog, a.Targets)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: targets %v were not observed in any spectral window", ErrSPWMatch, a.Targets)
	}
	out := make([]catalog.SPW, 0, len(ids))
	for _, id := range ids {
		spw, ok := catalog.Window(r.Catalog, id)
		if !ok {
			spw = catalog.SPW{ID: id}
		}
		out = append(out, spw)
	}
	return out, nil
}

func (r *Resolver) resolveWindowCalibrators(a *Assignment) (bool, error) {
	windows, err := r.Windows(*a)
	if err != nil {
		logging.Critical(r.logger()).Strs("targets", a.Targets).Msg("Targets were not observed in any spectral window.")
		return false, err
	}
	units := make([]string, len(windows))
	for i, w := range windows {
		units[i] = "SPW " + w.Label()
	}

	flux, fluxChanged, err := r.reconcileFields(a.FluxCal, "flux calibrators", "calibration.fluxcal", "Flux calibrator", units)
	if err != nil {
		return false, err
	}
	a.FluxCal = flux

	band, bandChanged, err := r.reconcileFields(a.BandCal, "bandpass calibrators", "calibration.bandcal", "Bandpass calibrator", units)
	if err != nil {
		return false, err
	}
	a.BandCal = band
	return fluxChanged || bandChanged, nil
}

func (r *Resolver) resolvePhaseCalibrators(a *Assignment) (bool, error) {
	units := make([]string, len(a.Targets))
	for i, target := range a.Targets {
		units[i] = "target " + target
	}
	phase, changed, err := r.reconcileFields(a.PhaseCal, "phase calibrators", "calibration.phasecal", "Phase calibrator", units)
	if err != nil {
		return false, err
	}
	a.PhaseCal = phase
	return changed, nil
}

// resolveNames pads or trims the alias list; a blank alias means the
// field name is used.
func (r *Resolver) resolveNames(a *Assignment) (bool, error) {
	units := make([]string, len(a.Targets))
	for i, target := range a.Targets {
		units[i] = "target " + target
	}
	names, changed, err := reconcile.Reconcile(r.Session, a.Names, reconcile.List[string]{
		Name:   "target names",
		Key:    "calibration.target_names",
		Prompt: "Output name",
		Units:  units,
		Policy: reconcile.Lenient,
		Codec:  reconcile.Strings,
		Hint:   "A blank name keeps the field name.",
	})
	if err != nil {
		return false, err
	}
	r.observe("calibration.target_names", changed)
	a.Names = names
	return changed, nil
}

func (r *Resolver) reconcileFields(list []string, name, key, question string, units []string) ([]string, bool, error) {
	out, changed, err := reconcile.Reconcile(r.Session, list, reconcile.List[string]{
		Name:     name,
		Key:      key,
		Prompt:   question,
		Units:    units,
		Policy:   reconcile.Strict,
		Codec:    reconcile.Strings,
		Hint:     "Valid field names: " + strings.Join(r.Catalog.FieldNames(), ", "),
		Validate: r.inCatalog,
	})
	if err != nil {
		return list, false, err
	}
	r.observe(key, changed)
	return out, changed, nil
}

func (r *Resolver) inCatalog(name string) error {
	if !catalog.HasField(r.Catalog, name) {
		return fmt.Errorf("%w: %q is not a field of the dataset", ErrInvalidReference, name)
	}
	return nil
}

func (r *Resolver) logger() *zerolog.Logger {
	if r.Session.Log == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return r.Session.Log
}

func (r *Resolver) prompter() prompt.Prompter {
	if r.Session.Prompter == nil {
		return prompt.Disabled{}
	}
	return r.Session.Prompter
}

func (r *Resolver) observe(key string, changed bool) {
	if r.Observe != nil {
		r.Observe(key, changed)
	}
}
