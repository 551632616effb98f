package timing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

const timingFileName = "session-timing.json"

// Store persists session-timing.json per workspace using the same
// atomic-rename pattern as history.Store and task.Store. Writes carry a
// per-workspace write epoch: ClearTimingFile bumps the epoch, and any
// write stamped before the bump is discarded on arrival rather than
// resurrecting totals a concurrent clear already dropped. Writes are not
// otherwise serialized against each other.
type Store struct {
	baseDir string

	mu     sync.Mutex
	epochs map[string]int64
}

// NewStore creates a Store rooted at baseDir; each workspace gets
// baseDir/<workspaceId>/session-timing.json.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir, epochs: make(map[string]int64)}
}

func (s *Store) path(workspaceID string) string {
	return filepath.Join(s.baseDir, workspaceID, timingFileName)
}

// CurrentEpoch returns the write epoch new writes for workspaceID must carry
// to not be discarded as stale.
func (s *Store) CurrentEpoch(workspaceID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[workspaceID]
}

// ClearTimingFile increments the write epoch and deletes the persisted file,
// returning the new epoch. Save discards in-flight writes stamped with an
// older epoch.
func (s *Store) ClearTimingFile(workspaceID string) (int64, error) {
	s.mu.Lock()
	s.epochs[workspaceID]++
	epoch := s.epochs[workspaceID]
	s.mu.Unlock()

	err := os.Remove(s.path(workspaceID))
	if err != nil && !os.IsNotExist(err) {
		return epoch, err
	}
	return epoch, nil
}

// Load reads the persisted file, or a fresh zero-value file if absent or
// unparsable (timing data is best-effort; a corrupt file resets rather than
// blocking the session).
func (s *Store) Load(workspaceID string) *file {
	data, err := os.ReadFile(s.path(workspaceID))
	if err != nil {
		return newFile()
	}
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return newFile()
	}
	if f.Session.ByModel == nil {
		f.Session.ByModel = make(map[string]*ModelTotals)
	}
	return &f
}

// Save writes f atomically, but only if epoch still matches the store's
// current epoch for workspaceID (the stale-write guard).
func (s *Store) Save(workspaceID string, epoch int64, f *file) error {
	s.mu.Lock()
	current := s.epochs[workspaceID]
	stale := epoch < current
	s.mu.Unlock()
	if stale {
		return nil
	}

	dir := filepath.Join(s.baseDir, workspaceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".session-timing-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f); err != nil {
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
