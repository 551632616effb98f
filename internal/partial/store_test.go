package partial

import (
	"testing"

	"muxcore/internal/chatmodel"
	"muxcore/internal/history"
)

func newStores(t *testing.T) (*Store, *history.Store) {
	t.Helper()
	dir := t.TempDir()
	h := history.New(dir)
	return New(dir, h), h
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, _ := newStores(t)
	msg := chatmodel.Message{ID: "m1", Role: chatmodel.RoleAssistant, Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: "hi"}}}

	if err := s.WritePartial("ws1", msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.ReadPartial("ws1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got == nil || got.ID != "m1" || !got.Metadata.Partial {
		t.Fatalf("unexpected partial: %+v", got)
	}

	// writePartial -> readPartial -> writePartial is stable (spec round-trip property).
	if err := s.WritePartial("ws1", *got); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got2, _ := s.ReadPartial("ws1")
	if got2.ID != got.ID || len(got2.Parts) != len(got.Parts) {
		t.Fatalf("round trip not stable: %+v vs %+v", got, got2)
	}
}

func TestReadPartial_AbsentReturnsNil(t *testing.T) {
	s, _ := newStores(t)
	got, err := s.ReadPartial("ws1")
	if err != nil || got != nil {
		t.Fatalf("expected nil,nil got %+v, %v", got, err)
	}
}

func TestCommitToHistory_MissingSequenceFails(t *testing.T) {
	s, _ := newStores(t)
	s.WritePartial("ws1", chatmodel.Message{ID: "m1"})
	err := s.CommitToHistory("ws1")
	if err != ErrMissingHistorySequence {
		t.Fatalf("err = %v, want ErrMissingHistorySequence", err)
	}
	// Partial must still be present: IO/validation failures abort without deletion.
	got, _ := s.ReadPartial("ws1")
	if got == nil {
		t.Fatalf("partial was deleted despite invalid commit")
	}
}

func TestCommitToHistory_WorthyAppends(t *testing.T) {
	s, h := newStores(t)
	msg := chatmodel.Message{
		ID:   "m1",
		Role: chatmodel.RoleAssistant,
		Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: "hello world"}},
		Metadata: chatmodel.Metadata{HistorySequence: 1},
	}
	s.WritePartial("ws1", msg)

	if err := s.CommitToHistory("ws1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	all, _ := h.GetHistory("ws1")
	if len(all) != 1 || all[0].ID != "m1" {
		t.Fatalf("unexpected history: %+v", all)
	}
	if got, _ := s.ReadPartial("ws1"); got != nil {
		t.Fatalf("partial not deleted after commit: %+v", got)
	}
}

func TestCommitToHistory_InputOnlyToolNeverCommitsButDeletesPartial(t *testing.T) {
	s, h := newStores(t)
	msg := chatmodel.Message{
		ID:   "m1",
		Role: chatmodel.RoleAssistant,
		Parts: []chatmodel.Part{{Type: chatmodel.PartDynamicTool, State: chatmodel.ToolInputAvailable, ToolCallID: "t1"}},
		Metadata: chatmodel.Metadata{HistorySequence: 1},
	}
	s.WritePartial("ws1", msg)

	if err := s.CommitToHistory("ws1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	all, _ := h.GetHistory("ws1")
	if len(all) != 0 {
		t.Fatalf("input-only tool partial must never commit, got: %+v", all)
	}
	if got, _ := s.ReadPartial("ws1"); got != nil {
		t.Fatalf("partial must still be deleted: %+v", got)
	}
}

func TestCommitToHistory_CommittedRowIsNotPartialAndDropsIncompleteTools(t *testing.T) {
	s, h := newStores(t)
	msg := chatmodel.Message{
		ID:   "m1",
		Role: chatmodel.RoleAssistant,
		Parts: []chatmodel.Part{
			{Type: chatmodel.PartText, Text: "answer"},
			{Type: chatmodel.PartDynamicTool, State: chatmodel.ToolInputAvailable, ToolCallID: "t1"},
		},
		Metadata: chatmodel.Metadata{HistorySequence: 1},
	}
	s.WritePartial("ws1", msg)

	if err := s.CommitToHistory("ws1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	all, _ := h.GetHistory("ws1")
	if len(all) != 1 {
		t.Fatalf("unexpected history: %+v", all)
	}
	if all[0].Metadata.Partial {
		t.Fatalf("committed row must not be partial: %+v", all[0].Metadata)
	}
	if len(all[0].Parts) != 1 || all[0].Parts[0].Type != chatmodel.PartText {
		t.Fatalf("input-available tool part must be stripped on commit, got: %+v", all[0].Parts)
	}
}

func TestCommitToHistory_UpdatesPlaceholderWithMoreParts(t *testing.T) {
	s, h := newStores(t)
	h.Append("ws1", chatmodel.Message{
		ID:   "m1",
		Role: chatmodel.RoleAssistant,
		Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: "partial so far"}},
	})

	full := chatmodel.Message{
		ID:   "m1",
		Role: chatmodel.RoleAssistant,
		Parts: []chatmodel.Part{
			{Type: chatmodel.PartText, Text: "partial so far"},
			{Type: chatmodel.PartText, Text: "more content"},
		},
		Metadata: chatmodel.Metadata{HistorySequence: 1},
	}
	s.WritePartial("ws1", full)
	if err := s.CommitToHistory("ws1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	all, _ := h.GetHistory("ws1")
	if len(all) != 1 || len(all[0].Parts) != 2 {
		t.Fatalf("expected in-place update to 2 parts, got: %+v", all)
	}
	if all[0].Metadata.HistorySequence != 1 {
		t.Fatalf("historySequence must be preserved on update, got %d", all[0].Metadata.HistorySequence)
	}
}
