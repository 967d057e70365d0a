package uploader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ManifestStore persists upload manifests and per-chunk acknowledgements as
// JSON files, one per upload ID, so an interrupted upload can resume after a
// restart without re-sending acknowledged chunks.
type ManifestStore struct {
	dir string
	mu  sync.Mutex
}

type storedChunk struct {
	Index int    `json:"index"`
	ETag  string `json:"etag,omitempty"`
}

type manifestRecord struct {
	Manifest Manifest      `json:"manifest"`
	Chunks   []storedChunk `json:"chunks"`
}

// NewManifestStore creates a store rooted at the given directory.
func NewManifestStore(dir string) *ManifestStore {
	return &ManifestStore{dir: dir}
}

func (s *ManifestStore) path(uploadID string) string {
	return filepath.Join(s.dir, uploadID+".json")
}

// Save writes the record, replacing any previous state for the same upload ID.
func (s *ManifestStore) Save(record manifestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal upload state: %w", err)
	}

	if err := os.WriteFile(s.path(record.Manifest.UploadID), data, 0644); err != nil {
		return fmt.Errorf("write upload state: %w", err)
	}
	return nil
}

// Load reads the persisted state for an upload ID.
func (s *ManifestStore) Load(uploadID string) (manifestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(uploadID))
	if err != nil {
		return manifestRecord{}, fmt.Errorf("read upload state: %w", err)
	}

	var record manifestRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return manifestRecord{}, fmt.Errorf("unmarshal upload state: %w", err)
	}
	return record, nil
}

// Discard removes the persisted state for an upload ID. Removing a missing
// record is not an error.
func (s *ManifestStore) Discard(uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(uploadID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove upload state: %w", err)
	}
	return nil
}
