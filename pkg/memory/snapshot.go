package memory

import (
	"fmt"
	"os"
	"path/filepath"
)

// SnapshotStore persists the Local repository between restarts.
// Implementations can store to JSON files, object storage, etc.
type SnapshotStore interface {
	// Save persists the given data.
	Save(data []byte) error

	// Load retrieves the stored data. A missing snapshot returns nil, nil.
	Load() ([]byte, error)

	// Close releases any resources held by the store.
	Close() error
}

// JSONFile implements SnapshotStore for a single JSON file.
type JSONFile struct {
	FilePath string
}

// NewJSONFile creates a new JSON file snapshot store.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{FilePath: path}
}

// Save writes data atomically via a temp file and rename.
func (s *JSONFile) Save(data []byte) error {
	if s.FilePath == "" {
		return nil
	}

	dir := filepath.Dir(s.FilePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	tmp := s.FilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.FilePath); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads data from the JSON file.
func (s *JSONFile) Load() ([]byte, error) {
	if s.FilePath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(s.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Close is a no-op for JSON files.
func (s *JSONFile) Close() error {
	return nil
}

var _ SnapshotStore = (*JSONFile)(nil)
