package task

// maxTraversalDepth bounds Tree walks so a corrupted parent-pointer cycle
// degrades to a warning instead of an infinite loop.
const maxTraversalDepth = 32

// Tree is a read-only view over a workspace registry's parent/child edges.
// WalkDescendants (used by TerminateDescendantAgentTask and
// HasActiveDescendants) applies the depth cap; leaf cleanup walks
// parent-ward through Children with its own loop bounded by the same
// maxTraversalDepth.
type Tree struct {
	byParent map[string][]string
	entries  map[string]*Workspace
}

// BuildTree indexes entries by ParentWorkspaceID for child lookups.
func BuildTree(entries map[string]*Workspace) *Tree {
	t := &Tree{
		byParent: make(map[string][]string),
		entries:  entries,
	}
	for id, w := range entries {
		if w.ParentWorkspaceID != "" {
			t.byParent[w.ParentWorkspaceID] = append(t.byParent[w.ParentWorkspaceID], id)
		}
	}
	return t
}

// Children returns workspaceID's direct children.
func (t *Tree) Children(workspaceID string) []string {
	return t.byParent[workspaceID]
}

// Ancestors returns workspaceID's parent chain, nearest first, stopping at
// maxTraversalDepth. ok is false if the depth cap was hit before reaching a
// root, which signals a likely cycle to the caller.
func (t *Tree) Ancestors(workspaceID string) (chain []string, ok bool) {
	seen := make(map[string]bool, maxTraversalDepth)
	cur := workspaceID
	for depth := 0; depth < maxTraversalDepth; depth++ {
		w, exists := t.entries[cur]
		if !exists || w.ParentWorkspaceID == "" {
			return chain, true
		}
		if seen[w.ParentWorkspaceID] {
			return chain, false
		}
		seen[cur] = true
		chain = append(chain, w.ParentWorkspaceID)
		cur = w.ParentWorkspaceID
	}
	return chain, false
}

// WalkDescendants visits workspaceID's descendants depth-first, leaves
// first (post-order), bounded to maxTraversalDepth. visit returning false
// stops the walk early. ok is false if the depth cap was hit.
func (t *Tree) WalkDescendants(workspaceID string, visit func(id string) bool) (ok bool) {
	stopped := false
	return t.walk(workspaceID, 0, func(id string) bool {
		if stopped {
			return false
		}
		if !visit(id) {
			stopped = true
			return false
		}
		return true
	})
}

func (t *Tree) walk(workspaceID string, depth int, visit func(id string) bool) bool {
	if depth >= maxTraversalDepth {
		return false
	}
	for _, child := range t.byParent[workspaceID] {
		if !t.walk(child, depth+1, visit) {
			return false
		}
		if !visit(child) {
			return true
		}
	}
	return true
}

// HasActiveDescendants reports whether any descendant of workspaceID has a
// status in {queued, running, awaiting_report}.
func (t *Tree) HasActiveDescendants(workspaceID string) bool {
	active := false
	t.WalkDescendants(workspaceID, func(id string) bool {
		switch t.entries[id].TaskStatus {
		case StatusQueued, StatusRunning, StatusAwaitingReport:
			active = true
			return false
		}
		return true
	})
	return active
}
