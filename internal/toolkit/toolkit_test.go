package toolkit_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/hipipe/internal/catalog"
	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/toolkit"
	"github.com/danmuck/hipipe/internal/toolkit/toolkittest"
	"github.com/danmuck/hipipe/internal/tools"
	"github.com/google/go-cmp/cmp"
)

type runnerFunc func(ctx context.Context, c tools.Command) ([]byte, []byte, int32, error)

func (f runnerFunc) Run(ctx context.Context, c tools.Command) ([]byte, []byte, int32, error) {
	return f(ctx, c)
}

func TestTaskParamsKeepOrder(t *testing.T) {
	task := toolkit.NewTask("tclean").
		With("vis", "a.ms").
		With("imsize", []int{512, 512}).
		With("niter", 0).
		With("vis", "b.ms")
	if v, ok := task.Get("vis"); !ok || v != "b.ms" {
		t.Fatalf("replaced param not visible: %v", v)
	}
	raw, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"task":"tclean","params":{"vis":"b.ms","imsize":[512,512],"niter":0}}`
	if string(raw) != want {
		t.Fatalf("unexpected json\nwant: %s\ngot:  %s", want, raw)
	}
	if got := task.String(); got != "tclean(vis='b.ms', imsize=[512 512], niter=0)" {
		t.Fatalf("unexpected rendering %q", got)
	}
}

func TestWithDoesNotAliasParent(t *testing.T) {
	base := toolkit.NewTask("flagdata").With("vis", "a.ms")
	a := base.With("mode", "shadow")
	b := base.With("mode", "clip")
	if v, _ := a.Get("mode"); v != "shadow" {
		t.Fatalf("derived task clobbered: %v", v)
	}
	if v, _ := b.Get("mode"); v != "clip" {
		t.Fatalf("unexpected mode %v", v)
	}
	if _, ok := base.Get("mode"); ok {
		t.Fatalf("base task mutated")
	}
}

func TestExecClientParsesDriverOutput(t *testing.T) {
	var got tools.Command
	client := &toolkit.ExecClient{
		Runner: runnerFunc(func(_ context.Context, c tools.Command) ([]byte, []byte, int32, error) {
			got = c
			stdout := "INFO listobs start\n@@result {\"artifacts\":[\"summary/a.listobs\"],\"return\":{\"ok\":true}}\nINFO done\n"
			return []byte(stdout), []byte("WARN slow disk\n"), 0, nil
		}),
		Command: "casa",
		Args:    []string{"--nogui", "-c"},
		Driver:  "driver.py",
		Dir:     "/data",
	}
	res, err := client.Run(context.Background(), toolkit.NewTask("listobs").With("vis", "a.ms"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]string{"--nogui", "-c", "driver.py"}, got.Args); diff != "" {
		t.Fatalf("args (-want +got):\n%s", diff)
	}
	if got.Dir != "/data" || !strings.Contains(string(got.Stdin), `"task":"listobs"`) {
		t.Fatalf("unexpected command %+v", got)
	}
	if diff := cmp.Diff([]string{"INFO listobs start", "INFO done", "WARN slow disk"}, res.Log); diff != "" {
		t.Fatalf("log (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"summary/a.listobs"}, res.Artifacts); diff != "" {
		t.Fatalf("artifacts (-want +got):\n%s", diff)
	}
	if string(res.Return) != `{"ok":true}` {
		t.Fatalf("unexpected return %s", res.Return)
	}
}

func TestExecClientFailure(t *testing.T) {
	client := &toolkit.ExecClient{
		Runner: runnerFunc(func(context.Context, tools.Command) ([]byte, []byte, int32, error) {
			return []byte("SEVERE tclean::setup bad\n"), nil, 2, errors.New("exit status 2")
		}),
		Command: "casa",
	}
	res, err := client.Run(context.Background(), toolkit.NewTask("tclean"))
	if !errors.Is(err, toolkit.ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
	if res.ExitCode != 2 || len(res.Log) != 1 {
		t.Fatalf("log should survive failure: %+v", res)
	}
}

func TestScanLog(t *testing.T) {
	line, ok := toolkit.ScanLog([]string{"INFO a", "2024-01-01 SEVERE bandpass::solve failed", "SEVERE later"})
	if !ok || !strings.Contains(line, "bandpass") {
		t.Fatalf("expected first severe line, got %q", line)
	}
	if _, ok := toolkit.ScanLog([]string{"WARN severe-ish lower case"}); ok {
		t.Fatalf("marker match is case sensitive")
	}
}

func TestNewClientSelectsRunner(t *testing.T) {
	local := toolkit.NewClient(config.Default().Toolkit)
	if _, ok := local.Runner.(tools.ExecRunner); !ok {
		t.Fatalf("expected local runner, got %T", local.Runner)
	}
	cfg := config.Default().Toolkit
	cfg.Host = "reduction"
	cfg.User = "observer"
	remote := toolkit.NewClient(cfg)
	if r, ok := remote.Runner.(tools.SSHRunner); !ok || r.Host != "reduction" || r.Timeout != cfg.Timeout.Duration {
		t.Fatalf("expected ssh runner, got %#v", remote.Runner)
	}
}

func TestRestoringBeamAndFrame(t *testing.T) {
	rec := &toolkittest.Recorder{Func: func(task toolkit.Task) (toolkit.Result, error) {
		key, _ := task.Get("hdkey")
		if key == "equinox" {
			return toolkittest.Returning("B1950"), nil
		}
		return toolkittest.Returning(map[string]any{
			"major":         map[string]any{"value": 12.5, "unit": "arcsec"},
			"minor":         map[string]any{"value": 10.0, "unit": "arcsec"},
			"positionangle": map[string]any{"value": 45.0, "unit": "deg"},
		}), nil
	}}
	beam, err := toolkit.RestoringBeam(context.Background(), rec, "images/a.image")
	if err != nil {
		t.Fatalf("beam: %v", err)
	}
	if beam.Minor.Value != 10 || beam.Major.Unit != "arcsec" || beam.PA.Unit != "deg" {
		t.Fatalf("unexpected beam %+v", beam)
	}
	frame, err := toolkit.ReferenceFrame(context.Background(), rec, "images/a.image")
	if err != nil || frame != "B1950" {
		t.Fatalf("unexpected frame %q %v", frame, err)
	}
	if names := rec.Names(); len(names) != 2 || names[0] != "imhead" {
		t.Fatalf("unexpected tasks %v", names)
	}

	empty := &toolkittest.Recorder{}
	if _, err := toolkit.RestoringBeam(context.Background(), empty, "x"); !errors.Is(err, toolkit.ErrFailed) {
		t.Fatalf("missing return value should fail, got %v", err)
	}
}

func TestMetadataSourceRunsMsinfo(t *testing.T) {
	vis := filepath.Join(t.TempDir(), "proj.ms")
	rec := &toolkittest.Recorder{Func: func(task toolkit.Task) (toolkit.Result, error) {
		out, _ := task.Get("outfile")
		d := &catalog.Dataset{Vis: vis, Fields: []string{"3C286"}, Antennas: []string{"ea01"}}
		return toolkit.Result{}, d.WriteFile(out.(string))
	}}
	c, err := toolkit.MetadataSource{Client: rec}.Open(context.Background(), vis)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !catalog.HasField(c, "3C286") {
		t.Fatalf("unexpected catalog %v", c.FieldNames())
	}
	if len(rec.Find("msinfo")) != 1 {
		t.Fatalf("expected one msinfo task")
	}
}

func TestFluxScaleSummary(t *testing.T) {
	raw := json.RawMessage(`{
		"1": {"fieldName": "J1331+3030", "0": {"fluxd": [1.5, 0, 0, 1.5], "fluxdErr": [0.01, 0, 0, 0.01]}},
		"0": {"fieldName": "3C286", "0": {"fluxd": [14.9], "fluxdErr": [0.2]}},
		"spwID": [0],
		"freq": [1.42e9],
		"spwName": ["A0C0"]
	}`)
	got, err := toolkit.DecodeFluxScale(raw, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []toolkit.FluxDensity{
		{FieldID: "0", Field: "3C286", Flux: 14.9, Err: 0.2},
		{FieldID: "1", Field: "J1331+3030", Flux: 1.5, Err: 0.01},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("flux densities (-want +got):\n%s", diff)
	}
	if none, _ := toolkit.DecodeFluxScale(raw, 3); len(none) != 0 {
		t.Fatalf("unexpected densities for absent spw: %v", none)
	}

	path := filepath.Join(t.TempDir(), "proj.ms.flux.summary")
	if err := toolkit.AppendFluxSummary(path, 0, got[1:]); err != nil {
		t.Fatalf("summary: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "Spectral window: 0\nFlux density for J1331+3030: 1.5 +/- 0.01 Jy\n\n" {
		t.Fatalf("unexpected summary %q", data)
	}
}

func TestFlagSummaryFile(t *testing.T) {
	raw := json.RawMessage(`{
		"flagged": 30, "total": 120,
		"spw": {"1": {"flagged": 10, "total": 40}, "0": {"flagged": 20, "total": 80}},
		"field": {"NGC4214": {"flagged": 30, "total": 120}},
		"antenna": {"ea01": {"flagged": 0, "total": 60}}
	}`)
	s, err := toolkit.DecodeFlagSummary(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Fraction() != 0.25 {
		t.Fatalf("fraction = %v", s.Fraction())
	}
	path := filepath.Join(t.TempDir(), "ms.initialflags.summary")
	if err := s.WriteFile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "Total flagged data: 25.00%") {
		t.Fatalf("unexpected header:\n%s", text)
	}
	if strings.Index(text, "SPW 0: 25.00%") > strings.Index(text, "SPW 1: 25.00%") {
		t.Fatalf("windows not sorted:\n%s", text)
	}
	if !strings.Contains(text, "ea01: 0.00%") {
		t.Fatalf("antenna section missing:\n%s", text)
	}

	if _, err := toolkit.DecodeFlagSummary(nil); !errors.Is(err, toolkit.ErrFailed) {
		t.Fatalf("expected ErrFailed for an empty reply, got %v", err)
	}
}
