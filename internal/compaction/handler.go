package compaction

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"muxcore/internal/chatmodel"
	"muxcore/internal/history"
)

// DefaultMaxEditedFiles and DefaultMaxFileContentSize bound the
// post-compaction replay cache. Overridable via config.CompactionConfig.
const (
	DefaultMaxEditedFiles     = 50
	DefaultMaxFileContentSize = 64 * 1024
)

// FileDiff is one cached file edit surviving a compaction boundary, kept so
// the next turn can replay recent edits without re-reading every file.
type FileDiff struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type postCompactionFile struct {
	Version   int        `json:"version"`
	CreatedAt int64      `json:"createdAt"`
	Diffs     []FileDiff `json:"diffs"`
}

// Handler is CompactionHandler: durable summary acceptance plus the
// post-compaction file-edit replay cache.
type Handler struct {
	baseDir            string
	hist               *history.Store
	partialDeleter     func(workspaceID string) error
	maxEditedFiles     int
	maxFileContentSize int

	mu      sync.Mutex
	pending map[string]*postCompactionFile // workspaceID -> cache
}

// NewHandler constructs a Handler. partialDeleter removes any stale partial
// for a workspace before Accept persists anything; hist is the durable
// HistoryStore summaries land
// in.
func NewHandler(baseDir string, hist *history.Store, partialDeleter func(string) error, maxEditedFiles, maxFileContentSize int) *Handler {
	if maxEditedFiles <= 0 {
		maxEditedFiles = DefaultMaxEditedFiles
	}
	if maxFileContentSize <= 0 {
		maxFileContentSize = DefaultMaxFileContentSize
	}
	return &Handler{
		baseDir:            baseDir,
		hist:               hist,
		partialDeleter:     partialDeleter,
		maxEditedFiles:     maxEditedFiles,
		maxFileContentSize: maxFileContentSize,
		pending:            make(map[string]*postCompactionFile),
	}
}

func (h *Handler) cachePath(workspaceID string) string {
	return filepath.Join(h.baseDir, workspaceID, "post-compaction.json")
}

// FindTriggerRequest scans the last 10 messages for the newest unprocessed
// compaction-request user message. The scan stops at a valid compaction
// boundary: an accepted summary always lands after its trigger, so any
// request behind a boundary has already been processed and must not fire
// again.
func FindTriggerRequest(recent []chatmodel.Message) *chatmodel.Message {
	start := 0
	if len(recent) > 10 {
		start = len(recent) - 10
	}
	for i := len(recent) - 1; i >= start; i-- {
		m := recent[i]
		if chatmodel.IsValidCompactionBoundary(m) {
			return nil
		}
		if m.Role != chatmodel.RoleUser || m.Metadata.Mux == nil {
			continue
		}
		if m.Metadata.Mux.Type == chatmodel.MuxTypeCompactionRequest {
			return &recent[i]
		}
	}
	return nil
}

// IsRejectable reports whether a streamed summary must be rejected without
// marking the trigger processed: an empty summary, or one that parses as a
// raw JSON object (a leaked tool call).
func IsRejectable(summary string) bool {
	trimmed := strings.TrimSpace(summary)
	if trimmed == "" {
		return true
	}
	if strings.HasPrefix(trimmed, "{") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			if _, ok := v.(map[string]any); ok {
				return true
			}
		}
	}
	return false
}

// fileWriteToolNames are tool calls whose Input carries the full resulting
// file content directly, making them cheap to cache for post-compaction
// replay. Patch-style tools (apply_patch, edit_file and similar) aren't
// cached here: their Input/Output don't carry the resulting full file
// content, only a diff or line range, so replaying them would require
// re-reading the file from disk.
var fileWriteToolNames = map[string]bool{
	"write_file": true,
}

// ExtractFileDiffs scans messages (normally the latest epoch, via
// history.SliceFromLatestBoundary) for completed file-write tool calls and
// returns one FileDiff per write, in call order, for
// AcceptInput.EditedFiles.
func ExtractFileDiffs(messages []chatmodel.Message) []FileDiff {
	var diffs []FileDiff
	for _, m := range messages {
		for _, p := range m.Parts {
			if p.Type != chatmodel.PartDynamicTool || p.State != chatmodel.ToolOutputAvailable {
				continue
			}
			if !fileWriteToolNames[p.ToolName] {
				continue
			}
			var args struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(p.Input, &args); err != nil || args.Path == "" {
				continue
			}
			diffs = append(diffs, FileDiff{Path: args.Path, Content: args.Content})
		}
	}
	return diffs
}

// AcceptInput bundles Accept's parameters.
type AcceptInput struct {
	WorkspaceID     string
	FullHistory     []chatmodel.Message
	Summary         string
	Source          chatmodel.CompactedSource // "user" or "idle"
	Model           string
	Usage           *chatmodel.Usage
	StreamedID      string // id of the already-streamed final assistant message, if persisted
	IdleTimestamp   int64  // preserved recency for idle-sourced compactions; 0 to use now
	EditedFiles     []FileDiff
}

// AcceptResult is the durable summary message plus the sanitized copy to
// emit to the UI.
type AcceptResult struct {
	Summary   chatmodel.Message
	Sanitized chatmodel.Message
}

// Accept converts a streamed compaction summary into a durable boundary.
func (h *Handler) Accept(in AcceptInput) (AcceptResult, error) {
	// Delete any stale partial before persisting the summary: a concurrent
	// partial commit would otherwise re-append pre-boundary content after it.
	if h.partialDeleter != nil {
		if err := h.partialDeleter(in.WorkspaceID); err != nil {
			return AcceptResult{}, err
		}
	}

	// Cap the file diffs the caller extracted from the active epoch
	// (ExtractFileDiffs(history.SliceFromLatestBoundary(in.FullHistory))).
	diffs := in.EditedFiles
	if len(diffs) > h.maxEditedFiles {
		diffs = diffs[:h.maxEditedFiles]
	}
	for i := range diffs {
		if len(diffs[i].Content) > h.maxFileContentSize {
			diffs[i].Content = diffs[i].Content[:h.maxFileContentSize]
		}
	}

	createdAt := in.IdleTimestamp
	if in.Source != chatmodel.CompactedIdle || createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	// Best-effort persist post-compaction.json; failure never aborts.
	cache := &postCompactionFile{Version: 1, CreatedAt: createdAt, Diffs: diffs}
	h.mu.Lock()
	h.pending[in.WorkspaceID] = cache
	h.mu.Unlock()
	_ = h.persist(in.WorkspaceID, cache)

	// Next epoch.
	nextEpoch := getNextCompactionEpoch(in.FullHistory)

	// Build the summary message.
	id := in.StreamedID
	if id == "" {
		id = "compaction-summary-" + time.Now().Format("20060102150405.000000000")
	}
	md := chatmodel.Metadata{
		Timestamp:          createdAt,
		Model:              in.Model,
		Compacted:          in.Source,
		CompactionBoundary: true,
		CompactionEpoch:    nextEpoch,
		Usage:              in.Usage,
	}
	md = chatmodel.SanitizeForCompactionSummary(md)
	summary := chatmodel.Message{
		ID:   id,
		Role: chatmodel.RoleAssistant,
		Parts: []chatmodel.Part{{Type: chatmodel.PartText, Text: in.Summary}},
		Metadata: md,
	}

	// Update-in-place if already persisted with this id, else append.
	var persisted chatmodel.Message
	found := false
	for _, m := range in.FullHistory {
		if m.ID == id {
			found = true
			break
		}
	}
	if found {
		existing := summary
		for _, m := range in.FullHistory {
			if m.ID == id {
				existing.Metadata.HistorySequence = m.Metadata.HistorySequence
				break
			}
		}
		if err := h.hist.Update(in.WorkspaceID, existing); err != nil {
			return AcceptResult{}, err
		}
		persisted = existing
	} else {
		appended, err := h.hist.Append(in.WorkspaceID, summary)
		if err != nil {
			return AcceptResult{}, err
		}
		persisted = appended
	}

	return AcceptResult{Summary: persisted, Sanitized: persisted}, nil
}

func (h *Handler) persist(workspaceID string, cache *postCompactionFile) error {
	dir := filepath.Join(h.baseDir, workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".post-compaction-*.json.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, h.cachePath(workspaceID))
}

// getNextCompactionEpoch computes 1 + max(valid epoch cursors; +1 per
// legacy summary without an epoch).
func getNextCompactionEpoch(messages []chatmodel.Message) int {
	max := 0
	for _, m := range messages {
		if m.Metadata.Compacted == chatmodel.CompactedNone {
			// Not a summary (a boundary flag alone is malformed and ignored).
			continue
		}
		if m.Metadata.CompactionEpoch > 0 {
			if m.Metadata.CompactionEpoch > max {
				max = m.Metadata.CompactionEpoch
			}
		} else {
			// Legacy summary without a valid epoch: count as +1.
			max++
		}
	}
	return max + 1
}

// PeekPendingDiffs lazily loads the cache file if not already in memory and
// returns its diffs.
func (h *Handler) PeekPendingDiffs(workspaceID string) ([]FileDiff, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cache, ok := h.pending[workspaceID]
	if !ok {
		data, err := os.ReadFile(h.cachePath(workspaceID))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		var loaded postCompactionFile
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, err
		}
		cache = &loaded
		h.pending[workspaceID] = cache
	}
	return cache.Diffs, nil
}

// PeekCachedFilePaths returns cached file paths without consuming them.
func (h *Handler) PeekCachedFilePaths(workspaceID string) ([]string, error) {
	diffs, err := h.PeekPendingDiffs(workspaceID)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(diffs))
	for _, d := range diffs {
		paths = append(paths, d.Path)
	}
	return paths, nil
}

// AckPendingDiffsConsumed clears the in-memory cache and deletes the
// persisted file.
func (h *Handler) AckPendingDiffsConsumed(workspaceID string) error {
	h.mu.Lock()
	delete(h.pending, workspaceID)
	h.mu.Unlock()
	err := os.Remove(h.cachePath(workspaceID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DiscardPendingDiffs drops the cache without acting on it, used when the
// post-compaction request itself hits context_exceeded. reason is logged by
// the caller, not stored.
func (h *Handler) DiscardPendingDiffs(workspaceID string, reason string) error {
	return h.AckPendingDiffsConsumed(workspaceID)
}
