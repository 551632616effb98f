package task

import (
	"context"
	"strings"
	"testing"

	"muxcore/internal/chatmodel"
)

func TestDeliverToParent_InjectsSyntheticHistoryMessageWhenNoWaiterOrPartial(t *testing.T) {
	sender := &fakeSender{}
	registry := &fakeRegistry{defs: map[string]AgentDefinition{"coder": {ID: "coder", Runnable: true}}}
	svc := newTestService(t, sender, registry)
	_ = svc.RegisterWorkspace(rootWorkspace())

	created, err := svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: "root", ProjectPath: "/tmp/project", Prompt: "a", AgentID: "coder"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.HandleAgentReport(context.Background(), created.WorkspaceID, ReportArgs{Title: "Done", ReportMarkdown: "It works."}); err != nil {
		t.Fatalf("HandleAgentReport: %v", err)
	}

	msgs, err := svc.hist.GetHistory("root")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one synthetic message in parent history, got %d", len(msgs))
	}
	if !msgs[0].Metadata.Synthetic {
		t.Fatalf("expected synthetic message, got %+v", msgs[0])
	}
	var found bool
	for _, p := range msgs[0].Parts {
		if p.Type == chatmodel.PartText && strings.Contains(p.Text, "It works.") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected report markdown in synthetic message, got %+v", msgs[0])
	}

	if _, ok := svc.Workspace(created.WorkspaceID); ok {
		t.Fatal("reported leaf with no pending patch should be cleaned up")
	}
}

func TestPendingTaskCallID_MatchesOriginatingCallAmongSiblings(t *testing.T) {
	partial := &chatmodel.Message{Parts: []chatmodel.Part{
		{Type: chatmodel.PartDynamicTool, ToolName: "task", State: chatmodel.ToolInputAvailable, ToolCallID: "call-a"},
		{Type: chatmodel.PartDynamicTool, ToolName: "task", State: chatmodel.ToolInputAvailable, ToolCallID: "call-b"},
	}}

	id, ok := pendingTaskCallID(partial, "call-b")
	if !ok || id != "call-b" {
		t.Fatalf("expected call-b, got %q ok=%v", id, ok)
	}
	if _, ok := pendingTaskCallID(partial, "call-missing"); ok {
		t.Fatal("a recorded call id that is not pending must not match another call")
	}
	if _, ok := pendingTaskCallID(partial, ""); ok {
		t.Fatal("two pending sibling calls with no recorded id are ambiguous and must not match")
	}

	single := &chatmodel.Message{Parts: []chatmodel.Part{
		{Type: chatmodel.PartDynamicTool, ToolName: "task", State: chatmodel.ToolInputAvailable, ToolCallID: "call-a"},
	}}
	id, ok = pendingTaskCallID(single, "")
	if !ok || id != "call-a" {
		t.Fatalf("a single unambiguous pending call should match, got %q ok=%v", id, ok)
	}
}

func TestHandleAgentReport_RejectsWhenActiveDescendants(t *testing.T) {
	sender := &fakeSender{}
	registry := &fakeRegistry{defs: map[string]AgentDefinition{"coder": {ID: "coder", Runnable: true}}}
	svc := newTestService(t, sender, registry)
	svc.cfg.MaxParallelAgentTasks = 10
	_ = svc.RegisterWorkspace(rootWorkspace())

	parent, err := svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: "root", ProjectPath: "/tmp/project", Prompt: "a", AgentID: "coder"})
	if err != nil {
		t.Fatalf("Create parent: %v", err)
	}
	_, err = svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: parent.WorkspaceID, ProjectPath: "/tmp/project", Prompt: "child", AgentID: "coder"})
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}

	err = svc.HandleAgentReport(context.Background(), parent.WorkspaceID, ReportArgs{Title: "t", ReportMarkdown: "m"})
	if err == nil {
		t.Fatal("expected rejection: parent has an active descendant")
	}
}

func TestHandleStreamEnd_RemindsThenFallsBack(t *testing.T) {
	sender := &fakeSender{}
	registry := &fakeRegistry{defs: map[string]AgentDefinition{"coder": {ID: "coder", Runnable: true}}}
	svc := newTestService(t, sender, registry)
	_ = svc.RegisterWorkspace(rootWorkspace())

	created, err := svc.Create(context.Background(), CreateRequest{ParentWorkspaceID: "root", ProjectPath: "/tmp/project", Prompt: "a", AgentID: "coder"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.HandleStreamEnd(context.Background(), created.WorkspaceID); err != nil {
		t.Fatalf("HandleStreamEnd (first): %v", err)
	}
	ws, _ := svc.Workspace(created.WorkspaceID)
	if ws.TaskStatus != StatusAwaitingReport {
		t.Fatalf("status after first stream-end = %v, want awaiting_report", ws.TaskStatus)
	}
	last := sender.sent[len(sender.sent)-1]
	if last.opts.ToolChoice == nil || last.opts.ToolChoice.Name != "agent_report" {
		t.Fatalf("expected agent_report to be forced, got %+v", last.opts.ToolChoice)
	}

	// Seed an assistant message so the fallback has something to report.
	if _, err := svc.hist.Append(created.WorkspaceID, chatmodel.Message{
		Role:  chatmodel.RoleAssistant,
		Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: "final summary text"}},
	}); err != nil {
		t.Fatalf("seed assistant message: %v", err)
	}

	if err := svc.HandleStreamEnd(context.Background(), created.WorkspaceID); err != nil {
		t.Fatalf("HandleStreamEnd (second): %v", err)
	}
	if _, ok := svc.Workspace(created.WorkspaceID); ok {
		t.Fatal("fallback-reported leaf should be cleaned up")
	}
}
