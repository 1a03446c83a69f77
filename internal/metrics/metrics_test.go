package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.RecordTask("clean", "tclean", OutcomeOK, 3*time.Second)
	r.RecordTask("clean", "tclean", OutcomeOK, time.Second)
	r.RecordTask("clean", "exportfits", OutcomeSevere, time.Second)
	r.RecordReconcile("clean", "clean.line_ch", true)
	r.RecordTransition("clean", "VALIDATED")

	if got := testutil.ToFloat64(r.TaskCounter("clean", "tclean", OutcomeOK)); got != 2 {
		t.Fatalf("tclean ok count = %v", got)
	}
	if got := testutil.ToFloat64(r.TaskCounter("clean", "exportfits", OutcomeSevere)); got != 1 {
		t.Fatalf("severe count = %v", got)
	}
	if got := testutil.ToFloat64(r.ReconcileCounter("clean", "clean.line_ch", true)); got != 1 {
		t.Fatalf("reconcile count = %v", got)
	}
	if got := testutil.ToFloat64(r.TransitionCounter("clean", "VALIDATED")); got != 1 {
		t.Fatalf("transition count = %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.RecordTask("import", "listobs", OutcomeOK, time.Second)
	r.RecordReconcile("import", "x", false)
	r.RecordTransition("import", "LOADED")
	if err := r.WriteTextfile(filepath.Join(t.TempDir(), "m.prom")); err != nil {
		t.Fatalf("nil recorder write: %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.RecordTransition("moment", "PERSISTED")
	path := filepath.Join(t.TempDir(), "hipipe.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `hipipe_stage_transitions_total{stage="moment",state="PERSISTED"} 1`) {
		t.Fatalf("unexpected textfile:\n%s", data)
	}
}
