// Package backlog persists the recipients a dispatch run could not deliver so
// the next run can retry them.
package backlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/m3r33/izues/internal/recipient"
)

// DefaultPath is the backlog location used when none is configured. It is
// relative to the process working directory.
const DefaultPath = "unsent_emails.json"

// FileStore keeps the backlog as a JSON array of recipient records in a
// single file. The file is read once and fully rewritten once per run; there
// is no locking, so concurrent runs against the same file must be
// serialized by the caller.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore backed by the file at path.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultPath
	}
	return &FileStore{path: path}
}

// Path returns the backlog file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the backlog. A missing file yields an empty backlog and no
// error. The file may hold labeled records or, for files written by older
// versions, bare address strings; both decode into entries.
func (s *FileStore) Load(_ context.Context) ([]recipient.Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backlog file: %w", err)
	}

	var entries []recipient.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse backlog file: %w", err)
	}

	return entries, nil
}

// Save replaces the backlog with records. The new content is written to a
// temporary file in the same directory, synced, and renamed over the
// previous file so readers never observe a partial write.
func (s *FileStore) Save(_ context.Context, records []recipient.Record) error {
	if records == nil {
		records = []recipient.Record{}
	}

	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode backlog: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary backlog file: %w", err)
	}
	tmpName := tmp.Name()

	// Remove the temp file on any failure path; after a successful rename
	// this is a no-op.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write backlog file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync backlog file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close backlog file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace backlog file: %w", err)
	}

	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry after a rename. Not every platform
// supports fsync on directories, so errors are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// MemoryStore is an in-process backlog, used by tests and by callers that do
// not need durability.
type MemoryStore struct {
	mu      sync.Mutex
	entries []recipient.Entry

	// LoadErr and SaveErr, when set, are returned by Load and Save.
	LoadErr error
	SaveErr error

	saves int
}

// NewMemoryStore creates a MemoryStore seeded with entries.
func NewMemoryStore(entries ...recipient.Entry) *MemoryStore {
	return &MemoryStore{entries: append([]recipient.Entry(nil), entries...)}
}

// Load returns a copy of the stored entries.
func (m *MemoryStore) Load(_ context.Context) ([]recipient.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return append([]recipient.Entry(nil), m.entries...), nil
}

// Save replaces the stored entries with records.
func (m *MemoryStore) Save(_ context.Context, records []recipient.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.entries = make([]recipient.Entry, 0, len(records))
	for _, r := range records {
		m.entries = append(m.entries, recipient.FromRecord(r))
	}
	m.saves++
	return nil
}

// Records returns the stored entries that carry a label.
func (m *MemoryStore) Records() []recipient.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]recipient.Record, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Kind == recipient.KindLabeled {
			out = append(out, recipient.Record{Email: e.Email, Label: e.Label})
		}
	}
	return out
}

// Saves returns how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
