package history

import (
	"testing"

	"muxcore/internal/chatmodel"
)

func TestAppend_AssignsMonotonicSequence(t *testing.T) {
	s := New(t.TempDir())

	m1, err := s.Append("ws1", chatmodel.Message{ID: "a", Role: chatmodel.RoleUser})
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if m1.Metadata.HistorySequence != 1 {
		t.Fatalf("seq1 = %d, want 1", m1.Metadata.HistorySequence)
	}

	m2, err := s.Append("ws1", chatmodel.Message{ID: "b", Role: chatmodel.RoleAssistant})
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if m2.Metadata.HistorySequence != 2 {
		t.Fatalf("seq2 = %d, want 2", m2.Metadata.HistorySequence)
	}

	all, err := s.GetHistory("ws1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	for i, want := range []int64{1, 2} {
		if all[i].Metadata.HistorySequence != want {
			t.Errorf("all[%d].HistorySequence = %d, want %d", i, all[i].Metadata.HistorySequence, want)
		}
	}
}

func TestUpdate_PreservesSequence(t *testing.T) {
	s := New(t.TempDir())
	m, _ := s.Append("ws1", chatmodel.Message{ID: "a", Role: chatmodel.RoleAssistant})

	m.Parts = []chatmodel.Part{{Type: chatmodel.PartText, Text: "updated"}}
	if err := s.Update("ws1", m); err != nil {
		t.Fatalf("update: %v", err)
	}

	all, _ := s.GetHistory("ws1")
	if len(all) != 1 {
		t.Fatalf("len = %d, want 1", len(all))
	}
	if all[0].Metadata.HistorySequence != 1 {
		t.Errorf("sequence changed on update: %d", all[0].Metadata.HistorySequence)
	}
	if all[0].Parts[0].Text != "updated" {
		t.Errorf("update did not persist content")
	}
}

func TestUpdate_MissingIDReturnsErrNotFound(t *testing.T) {
	s := New(t.TempDir())
	err := s.Update("ws1", chatmodel.Message{ID: "missing"})
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetHistoryFromLatestBoundary(t *testing.T) {
	s := New(t.TempDir())
	s.Append("ws1", chatmodel.Message{ID: "u1", Role: chatmodel.RoleUser})
	s.Append("ws1", chatmodel.Message{ID: "a1", Role: chatmodel.RoleAssistant})
	s.Append("ws1", chatmodel.Message{
		ID:   "summary",
		Role: chatmodel.RoleAssistant,
		Metadata: chatmodel.Metadata{
			CompactionBoundary: true,
			Compacted:          chatmodel.CompactedUser,
			CompactionEpoch:    1,
		},
	})
	s.Append("ws1", chatmodel.Message{ID: "u2", Role: chatmodel.RoleUser})

	slice, err := s.GetHistoryFromLatestBoundary("ws1")
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if len(slice) != 2 {
		t.Fatalf("len(slice) = %d, want 2 (summary + u2)", len(slice))
	}
	if slice[0].ID != "summary" || slice[1].ID != "u2" {
		t.Errorf("unexpected slice contents: %+v", slice)
	}
}

func TestGetHistoryFromLatestBoundary_MalformedBoundarySkipped(t *testing.T) {
	s := New(t.TempDir())
	s.Append("ws1", chatmodel.Message{ID: "u1", Role: chatmodel.RoleUser})
	// Malformed: compactionBoundary true but no compacted/epoch.
	s.Append("ws1", chatmodel.Message{
		ID:       "bad-boundary",
		Role:     chatmodel.RoleAssistant,
		Metadata: chatmodel.Metadata{CompactionBoundary: true},
	})

	slice, err := s.GetHistoryFromLatestBoundary("ws1")
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if len(slice) != 2 {
		t.Fatalf("len(slice) = %d, want full history of 2 since boundary is malformed", len(slice))
	}
}

func TestTruncateAfterMessage(t *testing.T) {
	s := New(t.TempDir())
	s.Append("ws1", chatmodel.Message{ID: "a"})
	s.Append("ws1", chatmodel.Message{ID: "b"})
	s.Append("ws1", chatmodel.Message{ID: "c"})

	if err := s.TruncateAfterMessage("ws1", "b"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	all, _ := s.GetHistory("ws1")
	if len(all) != 2 || all[len(all)-1].ID != "b" {
		t.Fatalf("unexpected history after truncate: %+v", all)
	}
}

func TestClearHistory(t *testing.T) {
	s := New(t.TempDir())
	s.Append("ws1", chatmodel.Message{ID: "a"})
	if err := s.ClearHistory("ws1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	all, _ := s.GetHistory("ws1")
	if len(all) != 0 {
		t.Fatalf("history not cleared: %+v", all)
	}
}
