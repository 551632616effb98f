package task

import (
	"context"

	"muxcore/internal/runtime"
)

// TerminateDescendantAgentTask stops workspaceID and every descendant,
// leaves-first, resolving any outstanding waiter with a Terminated report and removing
// each workspace's worktree and registry entry.
func (s *Service) TerminateDescendantAgentTask(ctx context.Context, workspaceID string) error {
	tree := s.treeSnapshot()

	var toRemove []string
	ok := tree.WalkDescendants(workspaceID, func(id string) bool {
		toRemove = append(toRemove, id)
		return true
	})
	toRemove = append(toRemove, workspaceID)
	if !ok {
		s.logger.Warn().Str("workspaceId", workspaceID).Msg("task_terminate_depth_cap_hit")
	}

	for _, id := range toRemove {
		s.terminateOne(ctx, id)
	}
	return nil
}

func (s *Service) terminateOne(ctx context.Context, workspaceID string) {
	s.mu.Lock()
	w := s.workspaces[workspaceID]
	if w != nil {
		delete(s.workspaces, workspaceID)
	}
	list := s.waiters[workspaceID]
	delete(s.waiters, workspaceID)
	_ = s.persistLocked()
	s.mu.Unlock()

	if w == nil {
		return
	}

	rejection := Report{
		TaskID:         workspaceID,
		Title:          "Task terminated",
		ReportMarkdown: "This task was terminated before it could report.",
		Terminated:     true,
		DeliveredAt:    s.now(),
	}
	for _, ch := range list {
		select {
		case ch <- rejection:
		default:
		}
	}

	s.streamMgr.StopStream(workspaceID, true)
	s.resolveStartGate(workspaceID)
	s.removeWorktree(ctx, w)
	_ = s.hist.ClearHistory(workspaceID)
}

func (s *Service) removeWorktree(ctx context.Context, w *Workspace) {
	if w.WorktreePath == "" {
		return
	}
	if _, err := s.rt.Exec(ctx, runtime.ExecRequest{
		Command: "git",
		Args:    []string{"-C", w.ProjectPath, "worktree", "remove", "--force", w.WorktreePath},
	}); err != nil {
		s.logger.Warn().Err(err).Str("workspaceId", w.ID).Msg("task_terminate_worktree_remove_failed")
	}
}
