package task

import (
	"sync"
	"time"
)

const (
	completedReportTTL      = time.Hour
	completedReportCapacity = 128
)

// completedReportEntry is what CompletedReportCache stores per task: enough
// to answer isDescendantAgentTask/filterDescendantAgentTaskIds even after
// the child workspace itself has been cleaned up.
type completedReportEntry struct {
	report              Report
	ancestorWorkspaceIDs []string
	expiresAt           time.Time
}

// ReportCache is the default in-memory CompletedReportCache: bounded by TTL
// and a max entry count, evicting the oldest entry when full.
type ReportCache struct {
	mu      sync.Mutex
	order   []string // insertion order, oldest first
	entries map[string]completedReportEntry
	now     func() time.Time
}

// NewReportCache constructs an empty ReportCache. now is injectable for
// deterministic tests; nil uses time.Now.
func NewReportCache(now func() time.Time) *ReportCache {
	if now == nil {
		now = time.Now
	}
	return &ReportCache{
		entries: make(map[string]completedReportEntry),
		now:     now,
	}
}

// Put records a completed report for taskId, evicting the oldest entry if
// the cache is at capacity.
func (c *ReportCache) Put(taskID string, report Report, ancestorWorkspaceIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[taskID]; !exists {
		if len(c.order) >= completedReportCapacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, taskID)
	}
	c.entries[taskID] = completedReportEntry{
		report:               report,
		ancestorWorkspaceIDs: append([]string(nil), ancestorWorkspaceIDs...),
		expiresAt:            c.now().Add(completedReportTTL),
	}
}

// Get returns the cached report for taskId if present and unexpired.
func (c *ReportCache) Get(taskID string) (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[taskID]
	if !ok || c.now().After(e.expiresAt) {
		return Report{}, false
	}
	return e.report, true
}

// IsDescendantAgentTask reports whether taskId's cached ancestor chain
// includes workspaceID.
func (c *ReportCache) IsDescendantAgentTask(taskID, workspaceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[taskID]
	if !ok || c.now().After(e.expiresAt) {
		return false
	}
	for _, id := range e.ancestorWorkspaceIDs {
		if id == workspaceID {
			return true
		}
	}
	return false
}

// FilterDescendantAgentTaskIds returns the subset of taskIDs descended from
// workspaceID.
func (c *ReportCache) FilterDescendantAgentTaskIds(workspaceID string, taskIDs []string) []string {
	out := make([]string, 0, len(taskIDs))
	for _, id := range taskIDs {
		if c.IsDescendantAgentTask(id, workspaceID) {
			out = append(out, id)
		}
	}
	return out
}
