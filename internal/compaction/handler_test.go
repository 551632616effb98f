package compaction

import (
	"testing"

	"muxcore/internal/chatmodel"
	"muxcore/internal/history"
)

func newHandler(t *testing.T) (*Handler, *history.Store) {
	t.Helper()
	dir := t.TempDir()
	h := history.New(dir)
	deleted := false
	handler := NewHandler(dir, h, func(string) error { deleted = true; return nil }, 0, 0)
	_ = deleted
	return handler, h
}

func TestIsRejectable(t *testing.T) {
	cases := map[string]bool{
		"":                       true,
		"   ":                    true,
		`{"tool":"x"}`:           true,
		"a normal summary":       false,
		`[{"ok":true}]`:          false,
	}
	for in, want := range cases {
		if got := IsRejectable(in); got != want {
			t.Errorf("IsRejectable(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFindTriggerRequest(t *testing.T) {
	msgs := []chatmodel.Message{
		{ID: "a", Role: chatmodel.RoleUser},
		{ID: "b", Role: chatmodel.RoleUser, Metadata: chatmodel.Metadata{Mux: &chatmodel.MuxMetadata{Type: chatmodel.MuxTypeCompactionRequest}}},
		{ID: "c", Role: chatmodel.RoleAssistant},
	}
	got := FindTriggerRequest(msgs)
	if got == nil || got.ID != "b" {
		t.Fatalf("got %+v, want message b", got)
	}
}

func TestFindTriggerRequest_ProcessedBehindBoundaryIsIgnored(t *testing.T) {
	msgs := []chatmodel.Message{
		{ID: "req", Role: chatmodel.RoleUser, Metadata: chatmodel.Metadata{Mux: &chatmodel.MuxMetadata{Type: chatmodel.MuxTypeCompactionRequest}}},
		{ID: "summary", Role: chatmodel.RoleAssistant, Metadata: chatmodel.Metadata{
			CompactionBoundary: true,
			Compacted:          chatmodel.CompactedUser,
			CompactionEpoch:    1,
		}},
		{ID: "later", Role: chatmodel.RoleAssistant},
	}
	if got := FindTriggerRequest(msgs); got != nil {
		t.Fatalf("request behind an accepted boundary must not re-fire, got %+v", got)
	}
}

func TestFindTriggerRequest_Absent(t *testing.T) {
	msgs := []chatmodel.Message{{ID: "a", Role: chatmodel.RoleUser}}
	if got := FindTriggerRequest(msgs); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestAccept_AppendsSanitizedSummary(t *testing.T) {
	h, hist := newHandler(t)
	full := []chatmodel.Message{{ID: "u1", Role: chatmodel.RoleUser}}

	res, err := h.Accept(AcceptInput{
		WorkspaceID: "ws1",
		FullHistory: full,
		Summary:     "conversation summary",
		Source:      chatmodel.CompactedUser,
		Model:       "gpt-5",
		EditedFiles: []FileDiff{{Path: "a.go", Content: "package a"}},
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !chatmodel.IsValidCompactionBoundary(res.Summary) {
		t.Fatalf("summary is not a valid boundary: %+v", res.Summary.Metadata)
	}
	if res.Summary.Metadata.CompactionEpoch != 1 {
		t.Fatalf("epoch = %d, want 1", res.Summary.Metadata.CompactionEpoch)
	}

	all, _ := hist.GetHistory("ws1")
	if len(all) != 1 {
		t.Fatalf("expected summary appended, got %+v", all)
	}

	diffs, err := h.PeekPendingDiffs("ws1")
	if err != nil || len(diffs) != 1 {
		t.Fatalf("diffs = %+v, err = %v", diffs, err)
	}
	if err := h.AckPendingDiffsConsumed("ws1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	diffs2, _ := h.PeekPendingDiffs("ws1")
	if len(diffs2) != 0 {
		t.Fatalf("expected cache cleared, got %+v", diffs2)
	}
}

func TestGetNextCompactionEpoch(t *testing.T) {
	msgs := []chatmodel.Message{
		{Metadata: chatmodel.Metadata{CompactionBoundary: true, Compacted: chatmodel.CompactedUser, CompactionEpoch: 2}},
		{Metadata: chatmodel.Metadata{CompactionBoundary: true}}, // malformed: boundary flag without compacted, ignored
	}
	if got := getNextCompactionEpoch(msgs); got != 3 {
		t.Fatalf("next epoch = %d, want 3", got)
	}
}
