package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/hakonstad/ihht-companion/internal/session"
)

// FileSnapshotStore keeps the recovery snapshot as a single JSON file. Writes
// go through a temp file and rename so a crash mid-write leaves the previous
// snapshot intact rather than a truncated one.
type FileSnapshotStore struct {
	logger *log.Logger
	path   string
}

func NewFileSnapshotStore(logger *log.Logger, path string) *FileSnapshotStore {
	if logger == nil {
		panic("FileSnapshotStore requires a logger")
	}
	return &FileSnapshotStore{logger: logger, path: path}
}

func (f *FileSnapshotStore) Save(snap session.RecoverySnapshot) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, nil when none exists, and
// session.ErrSnapshotCorrupt when the file cannot be parsed.
func (f *FileSnapshotStore) Load() (*session.RecoverySnapshot, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap session.RecoverySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrSnapshotCorrupt, err)
	}
	return &snap, nil
}

func (f *FileSnapshotStore) Delete() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
