// Package history implements the append-only per-workspace chat log:
// monotonic historySequence, atomic-rename writes, and a
// compaction-boundary-aware read slice.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"muxcore/internal/chatmodel"
	"muxcore/internal/observability"
)

// ErrNotFound is returned by Update when no message with the given id
// exists in the workspace's history.
var ErrNotFound = errors.New("history: message not found")

const chatFileName = "chat.jsonl"

// Store is a file-backed HistoryStore. One Store instance is shared across
// all workspaces; per-workspace locking is done internally with a mutex
// keyed by workspace id, mirroring the in-process workspaceFileLocks concept
// (this process never shares a session directory across OS
// processes, so an in-process mutex is the right fidelity level — a
// cross-process flock would be solving a problem this service doesn't have).
type Store struct {
	baseDir string

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	logger zerolog.Logger
}

// New creates a Store rooted at baseDir; each workspace gets a subdirectory
// baseDir/<workspaceId>/.
func New(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
		logger:  *observability.LoggerWithTrace(nil),
	}
}

func (s *Store) workspaceLock(workspaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[workspaceID] = l
	}
	return l
}

func (s *Store) chatPath(workspaceID string) string {
	return filepath.Join(s.baseDir, workspaceID, chatFileName)
}

// Append assigns historySequence = maxExisting + 1 and appends message under
// the workspace's file lock.
func (s *Store) Append(workspaceID string, message chatmodel.Message) (chatmodel.Message, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readAllLocked(workspaceID)
	if err != nil {
		return chatmodel.Message{}, fmt.Errorf("io: %w", err)
	}

	var maxSeq int64
	for _, m := range existing {
		if m.Metadata.HistorySequence > maxSeq {
			maxSeq = m.Metadata.HistorySequence
		}
	}
	message.Metadata.HistorySequence = maxSeq + 1
	existing = append(existing, message)

	if err := s.writeAllLocked(workspaceID, existing); err != nil {
		return chatmodel.Message{}, fmt.Errorf("io: %w", err)
	}
	return message, nil
}

// NextSequence returns the historySequence Append would assign to the next
// message, without writing anything. StreamManager uses this to stamp a
// placeholder partial before any content has streamed.
func (s *Store) NextSequence(workspaceID string) (int64, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readAllLocked(workspaceID)
	if err != nil {
		return 0, fmt.Errorf("io: %w", err)
	}
	var maxSeq int64
	for _, m := range existing {
		if m.Metadata.HistorySequence > maxSeq {
			maxSeq = m.Metadata.HistorySequence
		}
	}
	return maxSeq + 1, nil
}

// Update locates a message by id and replaces it in place, preserving
// historySequence. Returns ErrNotFound if id is absent.
func (s *Store) Update(workspaceID string, message chatmodel.Message) error {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readAllLocked(workspaceID)
	if err != nil {
		return fmt.Errorf("io: %w", err)
	}

	found := false
	for i, m := range existing {
		if m.ID == message.ID {
			message.Metadata.HistorySequence = m.Metadata.HistorySequence
			existing[i] = message
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	return s.writeAllLocked(workspaceID, existing)
}

// GetHistory returns the full ordered message list for workspaceID.
func (s *Store) GetHistory(workspaceID string) ([]chatmodel.Message, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()
	return s.readAllLocked(workspaceID)
}

// GetLastMessages returns the last n messages (tail window).
func (s *Store) GetLastMessages(workspaceID string, n int) ([]chatmodel.Message, error) {
	all, err := s.GetHistory(workspaceID)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// GetHistoryFromLatestBoundary returns the slice from (and including) the
// newest valid compactionBoundary message to the tail; if none exists, the
// full history. Malformed boundary rows are skipped silently.
func (s *Store) GetHistoryFromLatestBoundary(workspaceID string) ([]chatmodel.Message, error) {
	all, err := s.GetHistory(workspaceID)
	if err != nil {
		return nil, err
	}
	return SliceFromLatestBoundary(all), nil
}

// SliceFromLatestBoundary is the pure slicing logic behind
// GetHistoryFromLatestBoundary, exposed separately so CompactionHandler can
// reuse it against an in-memory message list without a store round-trip.
func SliceFromLatestBoundary(all []chatmodel.Message) []chatmodel.Message {
	boundaryIdx := -1
	for i, m := range all {
		if chatmodel.IsValidCompactionBoundary(m) {
			boundaryIdx = i
		}
	}
	if boundaryIdx == -1 {
		return all
	}
	return all[boundaryIdx:]
}

// TruncateAfterMessage drops every message after the one with the given id
// (id itself is kept).
func (s *Store) TruncateAfterMessage(workspaceID, id string) error {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := s.readAllLocked(workspaceID)
	if err != nil {
		return fmt.Errorf("io: %w", err)
	}
	for i, m := range existing {
		if m.ID == id {
			return s.writeAllLocked(workspaceID, existing[:i+1])
		}
	}
	return ErrNotFound
}

// ClearHistory truncates the workspace's log to empty.
func (s *Store) ClearHistory(workspaceID string) error {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeAllLocked(workspaceID, nil)
}

// DeletePartial removes the partial file at the caller-supplied path,
// treating an absent file as success. It takes no workspace lock of its
// own.
func (s *Store) DeletePartial(partialPath string) error {
	err := os.Remove(partialPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// readAllLocked parses chat.jsonl. Parse errors reset to empty with a
// warning rather than propagating, keeping the self-healing
// read path; IO errors other than "file absent" are returned.
func (s *Store) readAllLocked(workspaceID string) ([]chatmodel.Message, error) {
	path := s.chatPath(workspaceID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []chatmodel.Message
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lastSeq := int64(-1)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m chatmodel.Message
		if err := json.Unmarshal(line, &m); err != nil {
			s.logger.Warn().Str("workspace", workspaceID).Err(err).Msg("history: malformed line, resetting to empty")
			return nil, nil
		}
		if m.Metadata.HistorySequence == lastSeq {
			s.logger.Warn().Str("workspace", workspaceID).
				Int64("sequence", m.Metadata.HistorySequence).
				Msg("history: historySequence tie on read, earliest-in-file wins")
			continue
		}
		if m.Metadata.HistorySequence < lastSeq {
			s.logger.Warn().Str("workspace", workspaceID).
				Int64("sequence", m.Metadata.HistorySequence).
				Msg("history: historySequence regression on read")
		}
		lastSeq = m.Metadata.HistorySequence
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// writeAllLocked rewrites chat.jsonl atomically: write to a temp file in the
// same directory, then os.Rename over the original, so a crash mid-write
// never leaves a torn JSON log.
func (s *Store) writeAllLocked(workspaceID string, messages []chatmodel.Message) error {
	dir := filepath.Join(s.baseDir, workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := s.chatPath(workspaceID)

	tmp, err := os.CreateTemp(dir, ".chat-*.jsonl.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, m := range messages {
		if err := enc.Encode(m); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
