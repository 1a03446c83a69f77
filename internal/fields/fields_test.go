package fields

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/hipipe/internal/catalog"
	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/prompt"
	"github.com/danmuck/hipipe/internal/reconcile"
	"github.com/danmuck/hipipe/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func twoWindowDataset() *catalog.Dataset {
	return &catalog.Dataset{
		Vis:      "proj.ms",
		Fields:   []string{"3C286", "J1331+3030", "NGC4214", "J1227+3635", "NGC4449"},
		Antennas: []string{"ea01", "ea02", "ea03"},
		Windows: []catalog.SPW{
			{ID: 0, Name: "A0C0", Fields: []string{"3C286", "J1331+3030", "NGC4214"}},
			{ID: 1, Name: "B0D0", Fields: []string{"3C286", "J1227+3635", "NGC4449"}},
		},
	}
}

func validAssignment() Assignment {
	return Assignment{
		RefAnt:   "ea01",
		Targets:  []string{"NGC4214", "NGC4449"},
		Names:    []string{"", "ngc4449"},
		FluxCal:  []string{"3C286", "3C286"},
		FluxMod:  []string{"3C286_L.im", "3C286_L.im"},
		BandCal:  []string{"3C286", "3C286"},
		PhaseCal: []string{"J1331+3030", "J1227+3635"},
	}
}

func resolver(t *testing.T, interactive bool, answers ...string) (*Resolver, *prompt.Script) {
	t.Helper()
	log := testlog.Start(t)
	script := &prompt.Script{Answers: answers}
	return &Resolver{
		Session: reconcile.Session{Log: &log, Prompter: script, Interactive: interactive},
		Catalog: twoWindowDataset(),
	}, script
}

func TestResolveValidAssignmentIsUnchanged(t *testing.T) {
	r, _ := resolver(t, false)
	observed := map[string]bool{}
	r.Observe = func(key string, changed bool) { observed[key] = changed }

	a := validAssignment()
	changed, err := r.Resolve(&a)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if changed {
		t.Fatalf("valid assignment should not change")
	}
	if diff := cmp.Diff(validAssignment(), a); diff != "" {
		t.Fatalf("assignment mutated (-want +got):\n%s", diff)
	}
	for _, key := range []string{"calibration.fluxcal", "calibration.bandcal", "calibration.phasecal", "calibration.fluxmod", "calibration.target_names"} {
		if ch, ok := observed[key]; !ok || ch {
			t.Fatalf("expected unchanged observation for %s, got %v %v", key, ch, ok)
		}
	}
}

func TestResolveFillsModelsAndNames(t *testing.T) {
	r, _ := resolver(t, false)
	a := validAssignment()
	a.FluxMod = nil
	a.Names = nil
	changed, err := r.Resolve(&a)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !changed {
		t.Fatalf("expected change")
	}
	if diff := cmp.Diff([]string{"3C286_L.im", "3C286_L.im"}, a.FluxMod); diff != "" {
		t.Fatalf("flux models (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"", ""}, a.Names); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	if a.DisplayName(0) != "NGC4214" {
		t.Fatalf("blank alias should fall back to the field name")
	}
}

func TestUnknownFluxCalibratorIsFatalNonInteractive(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	r := &Resolver{
		Session: reconcile.Session{Log: &log, Interactive: false},
		Catalog: twoWindowDataset(),
	}
	a := validAssignment()
	a.FluxCal = []string{"3C286", "3C48"}
	_, err := r.Resolve(&a)
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("expected ErrInvalidReference, got %v", err)
	}
	if !strings.Contains(buf.String(), `"critical":true`) {
		t.Fatalf("expected critical log entry, got %s", buf.String())
	}
	if a.FluxCal[1] != "3C48" {
		t.Fatalf("invalid name must not be substituted")
	}
}

func TestNonInteractiveFailures(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Assignment)
		want   error
	}{
		"no targets":       {func(a *Assignment) { a.Targets = nil }, ErrNoTargets},
		"bad refant":       {func(a *Assignment) { a.RefAnt = "ea27" }, ErrInvalidReference},
		"bad target":       {func(a *Assignment) { a.Targets[1] = "M31" }, ErrInvalidReference},
		"fluxcal count":    {func(a *Assignment) { a.FluxCal = a.FluxCal[:1] }, reconcile.ErrCardinality},
		"phasecal count":   {func(a *Assignment) { a.PhaseCal = append(a.PhaseCal, "3C286") }, reconcile.ErrCardinality},
		"fluxmod count":    {func(a *Assignment) { a.FluxMod = a.FluxMod[:1] }, reconcile.ErrCardinality},
		"nonstandard":      {func(a *Assignment) { a.FluxMod[0] = "custom.im" }, ErrInvalidReference},
		"bandcal not seen": {func(a *Assignment) { a.BandCal[0] = "nowhere" }, ErrInvalidReference},
	}
	for name, tc := range cases {
		r, _ := resolver(t, false)
		a := validAssignment()
		tc.mutate(&a)
		if _, err := r.Resolve(&a); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
}

func TestManualModelFlagAcceptsNonStandard(t *testing.T) {
	r, _ := resolver(t, false)
	a := validAssignment()
	a.FluxMod[1] = "custom.im"
	a.ManualModel = true
	changed, err := r.ResolveFluxModels(&a)
	if err != nil || changed {
		t.Fatalf("manual model should be accepted as is: %v %v", changed, err)
	}
}

func TestInteractiveRefAntReprompts(t *testing.T) {
	r, script := resolver(t, true, "ea09", "ea02")
	a := validAssignment()
	a.RefAnt = ""
	changed, err := r.ResolveRefAnt(&a)
	if err != nil {
		t.Fatalf("refant: %v", err)
	}
	if !changed || a.RefAnt != "ea02" {
		t.Fatalf("unexpected refant %q (changed=%v)", a.RefAnt, changed)
	}
	if len(script.Labels) != 2 {
		t.Fatalf("expected two questions, got %v", script.Labels)
	}
}

func TestInteractiveTargetEntry(t *testing.T) {
	r, _ := resolver(t, true, "M31", "NGC4214", "y", "NGC4449", "n")
	a := Assignment{}
	changed, err := r.ResolveTargets(&a)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if !changed {
		t.Fatalf("expected change")
	}
	if diff := cmp.Diff([]string{"NGC4214", "NGC4449"}, a.Targets); diff != "" {
		t.Fatalf("targets (-want +got):\n%s", diff)
	}
}

func TestInteractiveFluxModelSelection(t *testing.T) {
	r, _ := resolver(t, true, "custom.im", "n", "3C286_L.im")
	a := Assignment{FluxCal: []string{"J0000+0000"}}
	changed, err := r.ResolveFluxModels(&a)
	if err != nil {
		t.Fatalf("flux models: %v", err)
	}
	if !changed || a.ManualModel {
		t.Fatalf("declined manual model should not set the flag")
	}
	if diff := cmp.Diff([]string{"3C286_L.im"}, a.FluxMod); diff != "" {
		t.Fatalf("flux models (-want +got):\n%s", diff)
	}

	r, _ = resolver(t, true, "custom.im", "y")
	a = Assignment{FluxCal: []string{"J0000+0000"}}
	if _, err := r.ResolveFluxModels(&a); err != nil {
		t.Fatalf("flux models: %v", err)
	}
	if !a.ManualModel || a.FluxMod[0] != "custom.im" {
		t.Fatalf("accepted manual model should set the flag: %+v", a)
	}
}

func TestLookupModels(t *testing.T) {
	models, missing := LookupModels([]string{"0137+331", "J0000", "1331+305"})
	if diff := cmp.Diff([]string{"3C48_L.im", "", "3C286_L.im"}, models); diff != "" {
		t.Fatalf("models (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"J0000"}, missing); diff != "" {
		t.Fatalf("missing (-want +got):\n%s", diff)
	}
}

func TestPlanOneTargetPerWindow(t *testing.T) {
	log := testlog.Start(t)
	plans, err := Plan(&log, twoWindowDataset(), validAssignment())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plans) != 2 || plans[0].PhaseCal != "J1331+3030" || plans[1].PhaseCal != "J1227+3635" {
		t.Fatalf("unexpected plans %+v", plans)
	}
	if plans[1].SPW.Label() != "1 (B0D0)" || plans[0].SingleField() {
		t.Fatalf("unexpected window %+v", plans[1])
	}
}

func TestPlanMatchesPhaseCalsAcrossWindows(t *testing.T) {
	log := testlog.Start(t)
	c := &catalog.Dataset{
		Fields: []string{"3C286", "J1331+3030", "NGC4214"},
		Windows: []catalog.SPW{
			{ID: 0, Fields: []string{"3C286", "J1331+3030", "NGC4214"}},
			{ID: 1, Fields: []string{"3C286", "J1331+3030", "NGC4214"}},
		},
	}
	a := Assignment{
		Targets:  []string{"NGC4214"},
		FluxCal:  []string{"3C286", "3C286"},
		FluxMod:  []string{"3C286_L.im", "3C286_L.im"},
		BandCal:  []string{"3C286", "3C286"},
		PhaseCal: []string{"J1331+3030"},
	}
	plans, err := Plan(&log, c, a)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plans[0].PhaseCal != "J1331+3030" || plans[1].PhaseCal != "J1331+3030" {
		t.Fatalf("unexpected phase calibrators %+v", plans)
	}

	c.Windows[1].Fields = []string{"3C286", "NGC4214"}
	if _, err := Plan(&log, c, a); !errors.Is(err, ErrSPWMatch) {
		t.Fatalf("expected ErrSPWMatch for missing phase calibrator, got %v", err)
	}
}

func TestPlanRejectsMoreTargetsThanWindows(t *testing.T) {
	log := testlog.Start(t)
	c := &catalog.Dataset{
		Fields:  []string{"3C286", "J1331+3030", "NGC4214", "NGC4449"},
		Windows: []catalog.SPW{{ID: 0, Fields: []string{"3C286", "J1331+3030", "NGC4214", "NGC4449"}}},
	}
	a := Assignment{
		Targets:  []string{"NGC4214", "NGC4449"},
		FluxCal:  []string{"3C286"},
		FluxMod:  []string{"3C286_L.im"},
		BandCal:  []string{"3C286"},
		PhaseCal: []string{"J1331+3030", "J1331+3030"},
	}
	if _, err := Plan(&log, c, a); !errors.Is(err, ErrSPWMatch) {
		t.Fatalf("expected ErrSPWMatch, got %v", err)
	}
}

func TestAssignmentConfigRoundTrip(t *testing.T) {
	a := validAssignment()
	a.ManualModel = true
	var c config.CalibrationConfig
	a.Apply(&c)
	if diff := cmp.Diff(a, FromConfig(c)); diff != "" {
		t.Fatalf("assignment mismatch (-want +got):\n%s", diff)
	}
}
