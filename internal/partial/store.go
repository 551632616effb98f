// Package partial implements PartialStore: the single in-flight assistant
// message persisted outside chat.jsonl, with commit-or-discard semantics
// into a HistoryStore.
package partial

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"muxcore/internal/chatmodel"
	"muxcore/internal/history"
)

// ErrMissingHistorySequence is returned by CommitToHistory when the partial
// lacks a historySequence.
var ErrMissingHistorySequence = errors.New("partial: invalid, missing historySequence")

const partialFileName = "partial.json"

// Store manages the single-partial-file-per-workspace contract.
type Store struct {
	baseDir string
	history *history.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store. hist is the HistoryStore partials commit into.
func New(baseDir string, hist *history.Store) *Store {
	return &Store{baseDir: baseDir, history: hist, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lock(workspaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[workspaceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[workspaceID] = l
	}
	return l
}

func (s *Store) path(workspaceID string) string {
	return filepath.Join(s.baseDir, workspaceID, partialFileName)
}

// WritePartial stamps metadata.partial = true and writes atomically.
func (s *Store) WritePartial(workspaceID string, message chatmodel.Message) error {
	l := s.lock(workspaceID)
	l.Lock()
	defer l.Unlock()

	message.Metadata.Partial = true
	dir := filepath.Join(s.baseDir, workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".partial-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path(workspaceID))
}

// ReadPartial returns (nil, nil) if no partial exists.
func (s *Store) ReadPartial(workspaceID string) (*chatmodel.Message, error) {
	l := s.lock(workspaceID)
	l.Lock()
	defer l.Unlock()
	return s.readLocked(workspaceID)
}

func (s *Store) readLocked(workspaceID string) (*chatmodel.Message, error) {
	data, err := os.ReadFile(s.path(workspaceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m chatmodel.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeletePartial removes the partial file; no-op if absent.
func (s *Store) DeletePartial(workspaceID string) error {
	l := s.lock(workspaceID)
	l.Lock()
	defer l.Unlock()
	return s.deleteLocked(workspaceID)
}

func (s *Store) deleteLocked(workspaceID string) error {
	err := os.Remove(s.path(workspaceID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CommitToHistory is the transactional finalization of a partial:
// strip transient error fields, require a historySequence, locate a
// same-sequence placeholder in the active epoch, append or update-in-place
// only when the message is commit-worthy, and always delete the partial
// file regardless of commit outcome. Any IO failure aborts without deleting
// the partial so the commit is re-runnable on next start.
func (s *Store) CommitToHistory(workspaceID string) error {
	l := s.lock(workspaceID)
	l.Lock()
	defer l.Unlock()

	msg, err := s.readLocked(workspaceID)
	if err != nil {
		return fmt.Errorf("io: %w", err)
	}
	if msg == nil {
		return nil
	}

	msg.Metadata = chatmodel.StripTransientError(msg.Metadata)
	msg.Metadata.Partial = false
	msg.Parts = chatmodel.StripIncompleteToolParts(msg.Parts)

	if msg.Metadata.HistorySequence <= 0 {
		return ErrMissingHistorySequence
	}

	epochSlice, err := s.history.GetHistoryFromLatestBoundary(workspaceID)
	if err != nil {
		return fmt.Errorf("io: %w", err)
	}

	var placeholder *chatmodel.Message
	for i := range epochSlice {
		if epochSlice[i].Metadata.HistorySequence == msg.Metadata.HistorySequence {
			placeholder = &epochSlice[i]
			break
		}
	}

	worthy := msg.HasCommitWorthyContent()
	switch {
	case worthy && placeholder == nil:
		if _, err := s.history.Append(workspaceID, *msg); err != nil {
			return fmt.Errorf("io: %w", err)
		}
	case worthy && placeholder != nil && len(placeholder.Parts) < len(msg.Parts):
		if err := s.history.Update(workspaceID, *msg); err != nil {
			return fmt.Errorf("io: %w", err)
		}
	default:
		// Not worthy, or placeholder already has at least as much content: no-op.
	}

	return s.deleteLocked(workspaceID)
}
