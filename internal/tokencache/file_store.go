package tokencache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"gophersnake-go/internal/faults"
)

// FileStore persists the cache as a single JSON document, one top-level key
// per stage. Writes replace only the touched key in the document and land on
// disk via temp file + rename so a crash never leaves a corrupt cache. When
// the durable location is unusable the store keeps serving from memory and
// reports degradation on every Put.
type FileStore struct {
	mu       sync.Mutex
	path     string
	records  map[string]Record
	doc      []byte
	degraded bool
}

// NewFileStore loads the document at path, or starts empty when the file is
// absent, corrupt or unreadable. An empty path means memory-only from the
// start. NewFileStore never fails: degradation is a mode, not an error.
func NewFileStore(path string) *FileStore {
	s := &FileStore{
		path:    path,
		records: make(map[string]Record),
		doc:     []byte("{}"),
	}

	if path == "" {
		s.degraded = true
		log.Warn("token cache running memory-only: no durable location")
		return s
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if !s.loadDocument(data) {
			log.WithField("path", path).Warn("token cache file corrupt, starting fresh")
			s.createFresh()
		}
	case os.IsNotExist(err):
		s.createFresh()
	default:
		log.WithError(err).WithField("path", path).Warn("token cache unreadable, starting fresh")
		s.createFresh()
	}

	return s
}

// loadDocument parses a whole cache document. Returns false on malformed input.
func (s *FileStore) loadDocument(data []byte) bool {
	if !gjson.ValidBytes(data) {
		return false
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return false
	}

	records := make(map[string]Record)
	ok := true
	parsed.ForEach(func(key, value gjson.Result) bool {
		var rec Record
		if err := json.Unmarshal([]byte(value.Raw), &rec); err != nil {
			ok = false
			return false
		}
		records[key.String()] = rec
		return true
	})
	if !ok {
		return false
	}

	s.records = records
	s.doc = append([]byte(nil), data...)
	log.WithField("stages", len(records)).Debug("token cache loaded")
	return true
}

func (s *FileStore) createFresh() {
	s.records = make(map[string]Record)
	s.doc = []byte("{}")
	if err := s.writeDurable(); err != nil {
		log.WithError(err).WithField("path", s.path).Warn("cannot create token cache file, continuing memory-only")
		s.degraded = true
	} else {
		log.WithField("path", s.path).Info("created new token cache file")
	}
}

func (s *FileStore) Get(_ context.Context, stage string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[stage]
	return rec, ok
}

// Put replaces the stage key in memory and in the document, then attempts the
// durable write. On durable failure the in-memory value stays updated and the
// returned error carries faults.PersistenceDegraded for the caller to log.
func (s *FileStore) Put(_ context.Context, stage string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[stage] = rec

	raw, err := json.Marshal(rec)
	if err != nil {
		return faults.Wrap(faults.PersistenceDegraded, err, "marshal stage %s", stage)
	}
	doc, err := sjson.SetRawBytes(s.doc, stage, raw)
	if err != nil {
		return faults.Wrap(faults.PersistenceDegraded, err, "merge stage %s into cache document", stage)
	}
	s.doc = doc

	if s.degraded || s.path == "" {
		return faults.New(faults.PersistenceDegraded, "memory-only mode, stage %s not persisted", stage)
	}
	if err := s.writeDurable(); err != nil {
		return faults.Wrap(faults.PersistenceDegraded, err, "persist stage %s", stage)
	}
	return nil
}

func (s *FileStore) writeDurable() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, s.doc, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Degraded reports whether the store is running without durable persistence.
func (s *FileStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Path returns the durable location, empty when memory-only.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error { return nil }
