package task

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"muxcore/internal/agent"
	"muxcore/internal/chatmodel"
	"muxcore/internal/llm"
	"muxcore/internal/runtime"
	"muxcore/internal/streamevent"
)

// ReportArgs is the agent_report tool call's input.
type ReportArgs struct {
	Title          string `json:"title"`
	ReportMarkdown string `json:"reportMarkdown"`
}

// ExtractReportArgs locates the agent_report tool call's input, checking
// the live partial first and falling back to history newest-first.
func ExtractReportArgs(partialMsg *chatmodel.Message, history []chatmodel.Message, toolCallID string) (ReportArgs, bool) {
	if partialMsg != nil {
		if args, ok := findReportArgs(partialMsg.Parts, toolCallID); ok {
			return args, true
		}
	}
	for i := len(history) - 1; i >= 0; i-- {
		if args, ok := findReportArgs(history[i].Parts, toolCallID); ok {
			return args, true
		}
	}
	return ReportArgs{}, false
}

func findReportArgs(parts []chatmodel.Part, toolCallID string) (ReportArgs, bool) {
	for _, p := range parts {
		if p.Type != chatmodel.PartDynamicTool || p.ToolName != "agent_report" {
			continue
		}
		if toolCallID != "" && p.ToolCallID != toolCallID {
			continue
		}
		var args ReportArgs
		if err := json.Unmarshal(p.Input, &args); err != nil {
			continue
		}
		return args, true
	}
	return ReportArgs{}, false
}

// HandleAgentReport processes a successful agent_report tool call end.
func (s *Service) HandleAgentReport(ctx context.Context, workspaceID string, args ReportArgs) error {
	lock := s.eventLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	w := s.workspaces[workspaceID]
	s.mu.Unlock()
	if w == nil {
		return fmt.Errorf("task: unknown workspace %q", workspaceID)
	}

	if s.treeSnapshot().HasActiveDescendants(workspaceID) {
		return fmt.Errorf("task: agent_report rejected for %q: has active descendants", workspaceID)
	}

	report := Report{
		TaskID:         workspaceID,
		Title:          args.Title,
		ReportMarkdown: args.ReportMarkdown,
		AgentType:      w.AgentID,
		DeliveredAt:    s.now(),
	}
	return s.deliverReport(ctx, w, report)
}

// HandleStreamEnd is called whenever any workspace's stream ends. It
// implements parent keep-alive, the missing-agent_report nudge/fallback,
// and the post-report parent auto-resume.
func (s *Service) HandleStreamEnd(ctx context.Context, workspaceID string) error {
	lock := s.eventLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	tree := s.treeSnapshot()
	if tree.HasActiveDescendants(workspaceID) {
		s.mu.Lock()
		w := s.workspaces[workspaceID]
		s.mu.Unlock()
		model := ""
		if w != nil {
			model = w.TaskModelString
		}
		return s.sender.SendMessage(ctx, workspaceID, keepAliveInstruction, agent.SendOptions{Model: model})
	}

	s.mu.Lock()
	w := s.workspaces[workspaceID]
	s.mu.Unlock()
	if w == nil || w.TaskStatus == "" || w.TaskStatus == StatusReported {
		return nil
	}

	if w.TaskStatus == StatusAwaitingReport && w.remindedOnce {
		return s.fallbackReport(ctx, w)
	}

	s.mu.Lock()
	w.TaskStatus = StatusAwaitingReport
	w.remindedOnce = true
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist awaiting_report: %w", err)
	}

	return s.sender.SendMessage(ctx, workspaceID, reportReminder, agent.SendOptions{
		Model:      w.TaskModelString,
		ToolChoice: &llm.ToolChoice{Type: "tool", Name: "agent_report"},
	})
}

// fallbackReport synthesizes a report from the latest assistant text when a
// task still hasn't called agent_report after being reminded once.
func (s *Service) fallbackReport(ctx context.Context, w *Workspace) error {
	text := s.latestAssistantText(w.ID)
	report := Report{
		TaskID:         w.ID,
		Title:          fmt.Sprintf("Subagent (%s) report (fallback)", w.AgentID),
		ReportMarkdown: text,
		AgentType:      w.AgentID,
		Fallback:       true,
		DeliveredAt:    s.now(),
	}
	return s.deliverReport(ctx, w, report)
}

func (s *Service) latestAssistantText(workspaceID string) string {
	if partial, err := s.partials.ReadPartial(workspaceID); err == nil && partial != nil {
		if t := textOf(partial); t != "" {
			return t
		}
	}
	msgs, err := s.hist.GetHistory(workspaceID)
	if err != nil {
		return ""
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != chatmodel.RoleAssistant {
			continue
		}
		if t := textOf(&msgs[i]); t != "" {
			return t
		}
	}
	return ""
}

func textOf(msg *chatmodel.Message) string {
	var b strings.Builder
	for _, p := range msg.Parts {
		if p.Type == chatmodel.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// deliverReport is the delivery pipeline for a finished report: transition, stop the
// stream, deliver to the parent, generate the patch artifact, clean up
// reported leaves, and resume the parent if it's idle.
func (s *Service) deliverReport(ctx context.Context, w *Workspace, report Report) error {
	now := s.now()
	s.mu.Lock()
	w.TaskStatus = StatusReported
	w.ReportedAt = &now
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persist reported: %w", err)
	}

	// AbortStream, not StopStream: delivery runs inside the child's own
	// tool-call-end emit chain, and waiting for that stream's drain from
	// here would deadlock against it.
	s.streamMgr.AbortStream(w.ID, false)

	ancestors, _ := s.treeSnapshot().Ancestors(w.ID)
	s.cache.Put(w.ID, report, ancestors)

	if w.ParentWorkspaceID != "" {
		if err := s.deliverToParent(ctx, w, report); err != nil {
			s.logger.Error().Err(err).Str("taskId", w.ID).Msg("task_report_delivery_failed")
		}
	}

	s.generatePatch(ctx, w)
	s.cleanupReportedLeaves(w.ID)

	if w.ParentWorkspaceID != "" {
		s.maybeResumeParent(ctx, w.ParentWorkspaceID)
	}
	s.MaybeStartQueuedTasks(ctx)
	return nil
}

// deliverToParent hands the report to the parent: resolve in-memory waiters first; else
// finalize a pending task-tool partial; else inject a synthetic history
// message.
func (s *Service) deliverToParent(ctx context.Context, w *Workspace, report Report) error {
	if s.resolveWaiters(w.ID, report) {
		return nil
	}

	parentID := w.ParentWorkspaceID
	if !s.streamMgr.IsStreaming(parentID) {
		partial, err := s.partials.ReadPartial(parentID)
		if err == nil && partial != nil {
			if callID, ok := pendingTaskCallID(partial, w.ParentToolCallID); ok {
				return s.finalizePendingTaskCall(parentID, partial, callID, report)
			}
		}
	}

	return s.injectSyntheticReport(parentID, report)
}

func (s *Service) finalizePendingTaskCall(parentID string, msg *chatmodel.Message, callID string, report Report) error {
	output, err := json.Marshal(map[string]any{
		"status":         "completed",
		"taskId":         report.TaskID,
		"reportMarkdown": report.ReportMarkdown,
		"title":          report.Title,
		"agentType":      report.AgentType,
	})
	if err != nil {
		return err
	}
	for i := range msg.Parts {
		p := &msg.Parts[i]
		if p.Type == chatmodel.PartDynamicTool && p.ToolCallID == callID {
			p.State = chatmodel.ToolOutputAvailable
			p.Output = output
		}
	}
	if err := s.partials.WritePartial(parentID, *msg); err != nil {
		return err
	}
	s.emit(parentID, streamevent.ToolCallEnd(callID, output, false))
	return nil
}

func (s *Service) injectSyntheticReport(parentID string, report Report) error {
	text := fmt.Sprintf("<mux_subagent_report taskId=%q title=%q>\n%s\n</mux_subagent_report>",
		report.TaskID, report.Title, report.ReportMarkdown)
	msg := chatmodel.Message{
		Role:  chatmodel.RoleUser,
		Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: text}},
		Metadata: chatmodel.Metadata{
			Timestamp: s.now().UnixMilli(),
			Synthetic: true,
		},
	}
	_, err := s.hist.Append(parentID, msg)
	return err
}

// generatePatch extracts a git-format-patch artifact for w
// before any cleanup can remove its worktree.
func (s *Service) generatePatch(ctx context.Context, w *Workspace) {
	if w.WorktreePath == "" || w.TaskBaseCommitSha == "" {
		w.PatchStatus = PatchSkipped
		return
	}
	w.PatchStatus = PatchPending

	patchDir := w.ProjectPath + "/subagent-patches"
	if _, err := s.rt.Exec(ctx, runtime.ExecRequest{Command: "mkdir", Args: []string{"-p", patchDir}}); err != nil {
		w.PatchStatus = PatchFailed
		w.PatchError = err.Error()
		return
	}
	patchPath := patchDir + "/" + w.ID + ".mbox"

	res, err := s.rt.Exec(ctx, runtime.ExecRequest{
		Command: "git",
		Args:    []string{"-C", w.WorktreePath, "format-patch", w.TaskBaseCommitSha + "..HEAD", "--stdout"},
	})
	if err != nil || !res.OK {
		w.PatchStatus = PatchFailed
		w.PatchError = firstErr(err, res).Error()
		return
	}
	if strings.TrimSpace(res.Stdout) == "" {
		w.PatchStatus = PatchSkipped
		return
	}

	write, err := s.rt.Exec(ctx, runtime.ExecRequest{
		Command: "sh",
		Args:    []string{"-c", "cat > " + shellQuote(patchPath)},
		Stdin:   res.Stdout,
	})
	if err != nil || !write.OK {
		w.PatchStatus = PatchFailed
		w.PatchError = firstErr(err, write).Error()
		return
	}
	w.PatchPath = patchPath
	w.PatchStatus = PatchDone

	if s.patchArchiver != nil {
		if err := s.patchArchiver(ctx, w.ID, patchPath); err != nil {
			s.logger.Warn().Str("taskId", w.ID).Err(err).Msg("task_patch_archive_failed")
		}
	}

	s.mu.Lock()
	_ = s.persistLocked()
	s.mu.Unlock()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// cleanupReportedLeaves walks parent-ward from
// startWorkspaceID, deleting any reported leaf with no pending patch
// artifact.
func (s *Service) cleanupReportedLeaves(startWorkspaceID string) {
	cur := startWorkspaceID
	for depth := 0; cur != "" && depth < maxTraversalDepth; depth++ {
		s.mu.Lock()
		w := s.workspaces[cur]
		if w == nil {
			s.mu.Unlock()
			return
		}
		tree := BuildTree(s.snapshotLocked())
		eligible := w.TaskStatus == StatusReported &&
			len(tree.Children(cur)) == 0 &&
			w.PatchStatus != PatchPending
		var next string
		if eligible {
			next = w.ParentWorkspaceID
			delete(s.workspaces, cur)
			_ = s.persistLocked()
		}
		s.mu.Unlock()
		if !eligible {
			return
		}
		if next == "" {
			return
		}
		cur = next
	}
}

// maybeResumeParent resumes a parked parent: if parentID has no active
// descendants left and isn't currently streaming, resume it.
func (s *Service) maybeResumeParent(ctx context.Context, parentID string) {
	if s.treeSnapshot().HasActiveDescendants(parentID) {
		return
	}
	if s.streamMgr.IsStreaming(parentID) {
		return
	}
	s.mu.Lock()
	w := s.workspaces[parentID]
	s.mu.Unlock()
	model := ""
	if w != nil {
		model = w.TaskModelString
	}
	if err := s.sender.SendMessage(ctx, parentID, "Your sub-agent's report is ready above.", agent.SendOptions{Model: model}); err != nil {
		s.logger.Error().Err(err).Str("workspaceId", parentID).Msg("task_parent_resume_failed")
	}
}
