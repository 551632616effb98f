package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"muxcore/internal/chatmodel"
	"muxcore/internal/config"
	"muxcore/internal/history"
	"muxcore/internal/llm"
	"muxcore/internal/partial"
	"muxcore/internal/streamevent"
)

type fakeSession struct {
	events []llm.StreamEvent
	idx    int
	term   llm.TerminalInfo
}

func (f *fakeSession) Next(ctx context.Context) (llm.StreamEvent, bool, error) {
	if f.idx >= len(f.events) {
		return llm.StreamEvent{Kind: llm.EventDone}, true, nil
	}
	ev := f.events[f.idx]
	f.idx++
	return ev, f.idx >= len(f.events), nil
}

func (f *fakeSession) Terminal() llm.TerminalInfo { return f.term }
func (f *fakeSession) Close() error                { return nil }

type fakeProvider struct {
	mu    sync.Mutex
	calls []llm.StreamRequest
	reply []llm.StreamEvent
}

func (p *fakeProvider) Stream(ctx context.Context, req llm.StreamRequest) (llm.StreamSession, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	return &fakeSession{events: p.reply}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) lastRequest() llm.StreamRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

func newTestSession(t *testing.T, cfg config.Config, provider *fakeProvider) (*Session, *history.Store) {
	t.Helper()
	dir := t.TempDir()
	hist := history.New(dir)
	ps := partial.New(dir, hist)
	resolve := func(model string) (llm.Provider, error) { return provider, nil }
	s := NewSession(cfg, t.TempDir(), hist, ps, resolve, nil, nil)
	return s, hist
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSendMessage_PersistsUserAndStartsStream(t *testing.T) {
	provider := &fakeProvider{reply: []llm.StreamEvent{{Kind: llm.EventTextDelta, Delta: "hi"}}}
	s, hist := newTestSession(t, config.Config{}, provider)

	if err := s.SendMessage(context.Background(), "ws1", "hello there", SendOptions{Model: "test-model"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	all, err := hist.GetHistory("ws1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(all) != 1 || all[0].Role != chatmodel.RoleUser {
		t.Fatalf("expected 1 persisted user message, got %+v", all)
	}

	waitUntil(t, time.Second, func() bool { return provider.callCount() == 1 })
	req := provider.lastRequest()
	if req.Model != "test-model" {
		t.Fatalf("expected model threaded through, got %q", req.Model)
	}
	var sawUserText bool
	for _, m := range req.Messages {
		if m.Role == "user" && m.Content == "hello there" {
			sawUserText = true
		}
	}
	if !sawUserText {
		t.Fatalf("expected user text in provider request, got %+v", req.Messages)
	}
}

func TestSendMessage_FileMentionSnapshot(t *testing.T) {
	provider := &fakeProvider{}
	s, hist := newTestSession(t, config.Config{}, provider)

	if err := s.SendMessage(context.Background(), "ws1", "please check @foo.ts", SendOptions{Model: "test-model"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	all, _ := hist.GetHistory("ws1")
	if len(all) != 2 {
		t.Fatalf("expected snapshot + user message, got %+v", all)
	}
	snap := all[0]
	if !snap.Metadata.Synthetic || len(snap.Metadata.FileAtMentionSnapshot) != 1 || snap.Metadata.FileAtMentionSnapshot[0] != "@foo.ts" {
		t.Fatalf("unexpected snapshot metadata: %+v", snap.Metadata)
	}
	if all[1].Parts[0].Text != "please check @foo.ts" {
		t.Fatalf("expected raw text preserved on user message, got %+v", all[1])
	}
}

func TestSendMessage_ForceCompactDefersSnapshotAndUser(t *testing.T) {
	provider := &fakeProvider{}
	cfg := config.Config{}
	cfg.Compaction.ContextOverrides = map[string]int{"test-model": 100}
	s, hist := newTestSession(t, cfg, provider)

	usage := &chatmodel.Usage{TotalContextTokens: 96}
	if _, err := hist.Append("ws1", chatmodel.Message{
		ID:   "a1",
		Role: chatmodel.RoleAssistant,
		Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: "prior turn"}},
		Metadata: chatmodel.Metadata{Usage: usage},
	}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if err := s.SendMessage(context.Background(), "ws1", "@foo.ts please continue", SendOptions{Model: "test-model"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	all, _ := hist.GetHistory("ws1")
	if len(all) != 2 {
		t.Fatalf("expected only the compaction-request appended (no snapshot, no user msg), got %+v", all)
	}
	last := all[len(all)-1]
	if last.Metadata.Mux == nil || last.Metadata.Mux.Type != chatmodel.MuxTypeCompactionRequest {
		t.Fatalf("expected compaction-request message, got %+v", last.Metadata)
	}
	if last.Metadata.Mux.PendingFollowUp == nil || last.Metadata.Mux.PendingFollowUp.Text != "@foo.ts please continue" {
		t.Fatalf("expected pending follow-up preserved, got %+v", last.Metadata.Mux.PendingFollowUp)
	}
	if len(last.Metadata.Mux.PendingFollowUp.Attachments) != 1 || last.Metadata.Mux.PendingFollowUp.Attachments[0] != "@foo.ts" {
		t.Fatalf("expected attachment token preserved, got %+v", last.Metadata.Mux.PendingFollowUp.Attachments)
	}
	for _, m := range all {
		if len(m.Metadata.FileAtMentionSnapshot) > 0 {
			t.Fatalf("snapshot must not be persisted on force-compact, got %+v", m)
		}
	}
}

func TestSubscribe_MidStreamCompactionDispatchesCompactionRequest(t *testing.T) {
	provider := &fakeProvider{}
	cfg := config.Config{}
	cfg.Compaction.ContextOverrides = map[string]int{"test-model": 100}
	s, hist := newTestSession(t, cfg, provider)

	s.setActive("ws1", "test-model")
	s.subscribe("ws1", streamevent.Event{Kind: streamevent.KindUsageDelta, InputTokens: 96})

	waitUntil(t, time.Second, func() bool {
		all, _ := hist.GetHistory("ws1")
		for _, m := range all {
			if m.Metadata.Mux != nil && m.Metadata.Mux.Type == chatmodel.MuxTypeCompactionRequest &&
				m.Metadata.Mux.Source == chatmodel.CompactionSourceMidStream {
				return true
			}
		}
		return false
	})
}

func TestWrapFollowUp(t *testing.T) {
	if got := WrapFollowUp("do the thing", true); got != "do the thing" {
		t.Fatalf("expected sentinel hidden, got %q", got)
	}
	got := WrapFollowUp("do the thing", false)
	if got == "do the thing" {
		t.Fatalf("expected sentinel prefix when not hidden")
	}
}

func TestExtractFileMentions_DedupesAndOrders(t *testing.T) {
	got := extractFileMentions("see @a.go then @b.go and @a.go again")
	want := []string{"@a.go", "@b.go"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
