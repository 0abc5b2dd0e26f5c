package broadcast

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is a persisted broadcast usable for reuse across runs.
type Record struct {
	BroadcastID  string    `json:"broadcastId"`
	RTMPURL      string    `json:"rtmpUrl"`
	StreamKey    string    `json:"streamKey"`
	ContextKey   string    `json:"contextKey"`
	CreatedAtUTC time.Time `json:"createdAtUtc"`
	TTLMinutes   int       `json:"ttlMinutes"`
}

// Expired reports whether the record's TTL has elapsed at now.
func (r Record) Expired(now time.Time) bool {
	return now.Sub(r.CreatedAtUTC) > time.Duration(r.TTLMinutes)*time.Minute
}

// RecordStore is the persistence abstraction for broadcast records, keyed by
// context key. Implementations can be in-memory or file-based; the reuse
// manager does not care which.
type RecordStore interface {
	Get(contextKey string) (Record, bool, error)
	Put(rec Record) error
	Delete(contextKey string) error
}

// MemRecordStore is an in-memory RecordStore.
type MemRecordStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemRecordStore returns an empty in-memory store.
func NewMemRecordStore() *MemRecordStore {
	return &MemRecordStore{records: make(map[string]Record)}
}

// Get implements RecordStore.Get.
func (s *MemRecordStore) Get(contextKey string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[contextKey]
	return rec, ok, nil
}

// Put implements RecordStore.Put.
func (s *MemRecordStore) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ContextKey] = rec
	return nil
}

// Delete implements RecordStore.Delete.
func (s *MemRecordStore) Delete(contextKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, contextKey)
	return nil
}

// FileRecordStore persists records as a single JSON object keyed by context
// key. Writes go to a temp file in the same directory followed by a rename,
// so the file on disk is always either the previous or the new version.
type FileRecordStore struct {
	mu   sync.Mutex
	path string
}

// NewFileRecordStore returns a store backed by the given path. The parent
// directory is created on first write.
func NewFileRecordStore(path string) *FileRecordStore {
	return &FileRecordStore{path: path}
}

// Get implements RecordStore.Get.
func (s *FileRecordStore) Get(contextKey string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := records[contextKey]
	return rec, ok, nil
}

// Put implements RecordStore.Put.
func (s *FileRecordStore) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	records[rec.ContextKey] = rec
	return s.save(records)
}

// Delete implements RecordStore.Delete.
func (s *FileRecordStore) Delete(contextKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := records[contextKey]; !ok {
		return nil
	}
	delete(records, contextKey)
	return s.save(records)
}

func (s *FileRecordStore) load() (map[string]Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]Record), nil
	}
	if err != nil {
		return nil, err
	}
	records := make(map[string]Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *FileRecordStore) save(records map[string]Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".broadcasts-*.json")
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
	return os.Rename(tmpName, s.path)
}
