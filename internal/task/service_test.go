package task

import (
	"context"
	"testing"
	"time"

	"muxcore/internal/agent"
	"muxcore/internal/history"
	"muxcore/internal/partial"
	"muxcore/internal/runtime"
	"muxcore/internal/stream"
)

type fakeSender struct {
	sent []sentMessage
}

type sentMessage struct {
	workspaceID string
	text        string
	opts        agent.SendOptions
}

func (f *fakeSender) SendMessage(ctx context.Context, workspaceID, text string, opts agent.SendOptions) error {
	f.sent = append(f.sent, sentMessage{workspaceID: workspaceID, text: text, opts: opts})
	return nil
}

type fakeRegistry struct {
	defs map[string]AgentDefinition
}

func (r *fakeRegistry) Lookup(agentID string) (AgentDefinition, bool) {
	d, ok := r.defs[agentID]
	return d, ok
}

func (r *fakeRegistry) RunnableIDs() []string {
	var out []string
	for id, d := range r.defs {
		if d.Runnable {
			out = append(out, id)
		}
	}
	return out
}

// fakeRuntime answers every git command with a canned success, so Create's
// worktree provisioning never touches a real git repo in tests.
type fakeRuntime struct{}

func (fakeRuntime) Exec(ctx context.Context, req runtime.ExecRequest) (runtime.ExecResult, error) {
	switch {
	case req.Command == "git" && contains(req.Args, "rev-parse"):
		return runtime.ExecResult{OK: true, Stdout: "abc123\n"}, nil
	default:
		return runtime.ExecResult{OK: true}, nil
	}
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}

func newTestService(t *testing.T, sender MessageSender, registry AgentRegistry) *Service {
	t.Helper()
	dir := t.TempDir()
	hist := history.New(dir)
	ps := partial.New(dir, hist)
	sm := stream.NewManager(t.TempDir(), ps, hist, nil)
	store := NewStore(t.TempDir())
	svc, err := New(Config{MaxParallelAgentTasks: 1, MaxTaskNestingDepth: 4, DefaultModel: "anthropic:claude-sonnet-4-5"},
		store, fakeRuntime{}, sender, sm, ps, hist, registry, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func rootWorkspace() *Workspace {
	return &Workspace{ID: "root", ProjectPath: "/tmp/project", RuntimeConfig: RuntimeLocal}
}

func TestCreate_StartsImmediatelyUnderCapacity(t *testing.T) {
	sender := &fakeSender{}
	registry := &fakeRegistry{defs: map[string]AgentDefinition{"coder": {ID: "coder", Runnable: true}}}
	svc := newTestService(t, sender, registry)
	if err := svc.RegisterWorkspace(rootWorkspace()); err != nil {
		t.Fatalf("RegisterWorkspace: %v", err)
	}

	res, err := svc.Create(context.Background(), CreateRequest{
		ParentWorkspaceID: "root",
		ProjectPath:       "/tmp/project",
		Prompt:            "do the thing",
		AgentID:           "Coder",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Status != StatusRunning {
		t.Fatalf("status = %v, want running", res.Status)
	}
	ws, ok := svc.Workspace(res.WorkspaceID)
	if !ok {
		t.Fatal("workspace not registered")
	}
	if ws.TaskBaseCommitSha != "abc123" {
		t.Fatalf("base commit sha = %q", ws.TaskBaseCommitSha)
	}
	if len(sender.sent) != 1 || sender.sent[0].text != "do the thing" {
		t.Fatalf("sendMessage not dispatched as expected: %+v", sender.sent)
	}
}

func TestCreate_QueuesOverCapacity(t *testing.T) {
	sender := &fakeSender{}
	registry := &fakeRegistry{defs: map[string]AgentDefinition{"coder": {ID: "coder", Runnable: true}}}
	svc := newTestService(t, sender, registry)
	if err := svc.RegisterWorkspace(rootWorkspace()); err != nil {
		t.Fatalf("RegisterWorkspace: %v", err)
	}

	first, err := svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: "root", ProjectPath: "/tmp/project", Prompt: "a", AgentID: "coder"})
	if err != nil {
		t.Fatalf("Create first: %v", err)
	}
	if first.Status != StatusRunning {
		t.Fatalf("first status = %v", first.Status)
	}

	second, err := svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: "root", ProjectPath: "/tmp/project", Prompt: "b", AgentID: "coder"})
	if err != nil {
		t.Fatalf("Create second: %v", err)
	}
	if second.Status != StatusQueued {
		t.Fatalf("second status = %v, want queued", second.Status)
	}
	ws, _ := svc.Workspace(second.WorkspaceID)
	if ws.WorktreePath != "" {
		t.Fatalf("queued task should not have a worktree yet: %+v", ws)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("queued task must not dispatch a prompt yet, got %d sends", len(sender.sent))
	}
}

func TestCreate_RejectsUnrunnableAgent(t *testing.T) {
	sender := &fakeSender{}
	registry := &fakeRegistry{defs: map[string]AgentDefinition{"coder": {ID: "coder", Runnable: false}}}
	svc := newTestService(t, sender, registry)
	_ = svc.RegisterWorkspace(rootWorkspace())

	_, err := svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: "root", ProjectPath: "/tmp/project", Prompt: "x", AgentID: "coder"})
	if err == nil {
		t.Fatal("expected error for non-runnable agent")
	}
}

func TestCreate_RejectsExcessiveDepth(t *testing.T) {
	sender := &fakeSender{}
	registry := &fakeRegistry{defs: map[string]AgentDefinition{"coder": {ID: "coder", Runnable: true}}}
	svc := newTestService(t, sender, registry)
	svc.cfg.MaxParallelAgentTasks = 100
	svc.cfg.MaxTaskNestingDepth = 1
	_ = svc.RegisterWorkspace(rootWorkspace())

	res, err := svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: "root", ProjectPath: "/tmp/project", Prompt: "a", AgentID: "coder"})
	if err != nil {
		t.Fatalf("Create first: %v", err)
	}
	_, err = svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: res.WorkspaceID, ProjectPath: "/tmp/project", Prompt: "b", AgentID: "coder"})
	if err == nil {
		t.Fatal("expected depth error")
	}
}

func TestMaybeStartQueuedTasks_DrainsOldestFirst(t *testing.T) {
	sender := &fakeSender{}
	registry := &fakeRegistry{defs: map[string]AgentDefinition{"coder": {ID: "coder", Runnable: true}}}
	svc := newTestService(t, sender, registry)
	_ = svc.RegisterWorkspace(rootWorkspace())

	first, _ := svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: "root", ProjectPath: "/tmp/project", Prompt: "a", AgentID: "coder"})
	second, _ := svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: "root", ProjectPath: "/tmp/project", Prompt: "b", AgentID: "coder"})
	if second.Status != StatusQueued {
		t.Fatalf("expected second task queued, got %v", second.Status)
	}

	// Finish the first task so the drain has capacity.
	if err := svc.HandleAgentReport(context.Background(), first.WorkspaceID, ReportArgs{Title: "done", ReportMarkdown: "ok"}); err != nil {
		t.Fatalf("HandleAgentReport: %v", err)
	}

	ws, ok := svc.Workspace(second.WorkspaceID)
	if !ok {
		t.Fatal("second workspace vanished")
	}
	if ws.TaskStatus != StatusRunning {
		t.Fatalf("second task status = %v, want running after drain", ws.TaskStatus)
	}
}

func TestWaitForAgentReport_DeliversAfterAgentReport(t *testing.T) {
	sender := &fakeSender{}
	registry := &fakeRegistry{defs: map[string]AgentDefinition{"coder": {ID: "coder", Runnable: true}}}
	svc := newTestService(t, sender, registry)
	_ = svc.RegisterWorkspace(rootWorkspace())

	created, err := svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: "root", ProjectPath: "/tmp/project", Prompt: "a", AgentID: "coder"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resultCh := make(chan Report, 1)
	go func() {
		r, err := svc.WaitForAgentReport(context.Background(), created.WorkspaceID, "root")
		if err != nil {
			t.Errorf("WaitForAgentReport: %v", err)
			return
		}
		resultCh <- r
	}()

	// give the waiter time to register before the report lands
	time.Sleep(20 * time.Millisecond)
	if err := svc.HandleAgentReport(context.Background(), created.WorkspaceID, ReportArgs{Title: "t", ReportMarkdown: "m"}); err != nil {
		t.Fatalf("HandleAgentReport: %v", err)
	}

	select {
	case r := <-resultCh:
		if r.Title != "t" || r.ReportMarkdown != "m" {
			t.Fatalf("unexpected report: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for report")
	}
}

func TestTerminateDescendantAgentTask_RejectsWaitersAndRemoves(t *testing.T) {
	sender := &fakeSender{}
	registry := &fakeRegistry{defs: map[string]AgentDefinition{"coder": {ID: "coder", Runnable: true}}}
	svc := newTestService(t, sender, registry)
	_ = svc.RegisterWorkspace(rootWorkspace())

	created, err := svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: "root", ProjectPath: "/tmp/project", Prompt: "a", AgentID: "coder"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	resultCh := make(chan Report, 1)
	go func() {
		r, _ := svc.WaitForAgentReport(context.Background(), created.WorkspaceID, "root")
		resultCh <- r
	}()
	time.Sleep(20 * time.Millisecond)

	if err := svc.TerminateDescendantAgentTask(context.Background(), created.WorkspaceID); err != nil {
		t.Fatalf("TerminateDescendantAgentTask: %v", err)
	}

	select {
	case r := <-resultCh:
		if !r.Terminated {
			t.Fatalf("expected terminated report, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminated report")
	}

	if _, ok := svc.Workspace(created.WorkspaceID); ok {
		t.Fatal("terminated workspace should be removed from the registry")
	}
}
