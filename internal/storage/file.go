package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"diffido/internal/schedule"
)

// backend loads and saves the whole document.
type backend interface {
	load() (*schedule.Document, error)
	save(doc *schedule.Document) error
	close() error
}

// fileBackend keeps the document in a single JSON file.
// A missing file is an empty document.
type fileBackend struct {
	path string
}

func (b *fileBackend) load() (*schedule.Document, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &schedule.Document{Schedules: map[string]schedule.Schedule{}}, nil
	}
	if err != nil {
		return nil, err
	}
	doc := &schedule.Document{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", b.path, err)
		}
	}
	if doc.Schedules == nil {
		doc.Schedules = map[string]schedule.Schedule{}
	}
	for id, s := range doc.Schedules {
		// The map key is authoritative.
		s.ID = id
		doc.Schedules[id] = s
	}
	return doc, nil
}

func (b *fileBackend) save(doc *schedule.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return writeFileAtomic(b.path, data, 0o644)
}

func (b *fileBackend) close() error { return nil }

// writeFileAtomic writes data to a temp file in the target directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	// Persist the rename itself. Not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// memoryBackend keeps an encoded copy so loads never alias stored state.
type memoryBackend struct {
	data []byte
}

func (b *memoryBackend) load() (*schedule.Document, error) {
	doc := &schedule.Document{}
	if len(b.data) > 0 {
		if err := json.Unmarshal(b.data, doc); err != nil {
			return nil, err
		}
	}
	if doc.Schedules == nil {
		doc.Schedules = map[string]schedule.Schedule{}
	}
	return doc, nil
}

func (b *memoryBackend) save(doc *schedule.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	b.data = data
	return nil
}

func (b *memoryBackend) close() error { return nil }
