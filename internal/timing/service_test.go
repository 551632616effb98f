package timing

import (
	"testing"
)

func clockAt(msValues ...int64) func() int64 {
	i := -1
	return func() int64 {
		i++
		if i >= len(msValues) {
			return msValues[len(msValues)-1]
		}
		return msValues[i]
	}
}

func TestHandleStreamEnd_ComputesDerivedDurations(t *testing.T) {
	store := NewStore(t.TempDir())
	svc := NewService(store, nil)
	// start=0, first-token=50, stream-end=200; no tool calls.
	svc.WithClock(clockAt(0, 50, 200))

	svc.HandleStreamStart("ws1", "anthropic:claude-sonnet-4-5")
	svc.HandleFirstToken("ws1")
	got := svc.HandleStreamEnd("ws1")

	if got.TotalDurationMs != 200 {
		t.Fatalf("TotalDurationMs = %d, want 200", got.TotalDurationMs)
	}
	if got.TTFTMs != 50 {
		t.Fatalf("TTFTMs = %d, want 50", got.TTFTMs)
	}
	if got.ToolExecutionMs != 0 {
		t.Fatalf("ToolExecutionMs = %d, want 0", got.ToolExecutionMs)
	}
	if got.ModelTimeMs != 200 {
		t.Fatalf("ModelTimeMs = %d, want 200", got.ModelTimeMs)
	}
	if got.StreamingMs != 150 {
		t.Fatalf("StreamingMs = %d, want 150", got.StreamingMs)
	}
	if got.Invalid {
		t.Fatalf("unexpectedly invalid: %+v", got.Anomalies)
	}
}

func TestToolWall_UnionNotSum(t *testing.T) {
	store := NewStore(t.TempDir())
	svc := NewService(store, nil)
	// Two overlapping tool calls: [10,40] and [20,60]; union is [10,60] = 50ms,
	// not the naive sum 30+40=70ms. HandleToolEnd reads the clock only when the
	// last pending tool ends, so toolA's end at 40 takes no reading. Clock
	// sequence: start=0, toolA start=10, toolB start=20, toolB end=60,
	// stream-end=100.
	svc.WithClock(clockAt(0, 10, 20, 60, 100))

	svc.HandleStreamStart("ws1", "m")
	svc.HandleToolStart("ws1") // 10
	svc.HandleToolStart("ws1") // 20
	svc.HandleToolEnd("ws1")   // 40, still one pending: no clock read
	svc.HandleToolEnd("ws1")   // 60, union segment closes: 60-10=50
	got := svc.HandleStreamEnd("ws1")

	if got.ToolExecutionMs != 50 {
		t.Fatalf("ToolExecutionMs = %d, want 50 (union not sum)", got.ToolExecutionMs)
	}
	if got.ToolExecutionMs > got.TotalDurationMs {
		t.Fatalf("tool_gt_total: tool=%d total=%d", got.ToolExecutionMs, got.TotalDurationMs)
	}
}

func TestHandleStreamEnd_UnknownWorkspaceIsZeroValue(t *testing.T) {
	store := NewStore(t.TempDir())
	svc := NewService(store, nil)
	got := svc.HandleStreamEnd("never-started")
	if got.TotalDurationMs != 0 || got.TTFTMs != 0 || got.Model != "" || len(got.Anomalies) != 0 {
		t.Fatalf("expected zero-value Completed, got %+v", got)
	}
}

func TestRollUpIntoParent_IdempotentViaLedger(t *testing.T) {
	store := NewStore(t.TempDir())
	svc := NewService(store, nil)
	svc.WithClock(clockAt(0, 100))
	svc.HandleStreamStart("child1", "m")
	svc.HandleStreamEnd("child1")

	if err := svc.RollUpIntoParent("parent1", "child1"); err != nil {
		t.Fatalf("first rollup: %v", err)
	}
	first := store.Load("parent1")
	if first.Session.TotalDurationMs != 100 {
		t.Fatalf("parent total after first rollup = %d, want 100", first.Session.TotalDurationMs)
	}

	// Second rollup of the same child must be a no-op (idempotence property).
	if err := svc.RollUpIntoParent("parent1", "child1"); err != nil {
		t.Fatalf("second rollup: %v", err)
	}
	second := store.Load("parent1")
	if second.Session.TotalDurationMs != 100 {
		t.Fatalf("parent total after second rollup = %d, want unchanged 100", second.Session.TotalDurationMs)
	}
	if !second.RolledUpFrom["child1"] {
		t.Fatalf("rolledUpFrom ledger missing child1")
	}
}

func TestClearTimingFile_DiscardsStaleWrite(t *testing.T) {
	store := NewStore(t.TempDir())
	epoch := store.CurrentEpoch("ws1")

	f := store.Load("ws1")
	f.Session.TotalDurationMs = 42

	// Clear bumps the epoch before the stale write below lands.
	if _, err := store.ClearTimingFile("ws1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if err := store.Save("ws1", epoch, f); err != nil {
		t.Fatalf("save: %v", err)
	}
	got := store.Load("ws1")
	if got.Session.TotalDurationMs != 0 {
		t.Fatalf("stale write was not discarded: %+v", got)
	}
}

func TestValidate_FlagsToolGreaterThanTotal(t *testing.T) {
	c := Completed{TotalDurationMs: 10, ToolExecutionMs: 20}
	validate(&c)
	if !c.Invalid {
		t.Fatalf("expected invalid")
	}
	found := false
	for _, a := range c.Anomalies {
		if a == AnomalyToolGtTotal {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s anomaly, got %v", AnomalyToolGtTotal, c.Anomalies)
	}
}
