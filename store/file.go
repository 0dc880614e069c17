package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileBackend stores each record as an indented JSON document under
// <dir>/<owner>/<key>.json. Writes go to a temp file that is renamed into
// place, so a reader never sees a half-written record.
type FileBackend struct {
	mu  sync.Mutex
	dir string
}

// NewFileBackend creates the base directory if needed
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, persistErr("open", fmt.Errorf("creating store directory: %w", err))
	}
	return &FileBackend{dir: dir}, nil
}

// fileSegment path-escapes s into a single file name. PathEscape keeps dots,
// so dot-only names like ".." are percent-encoded in full and the empty name
// becomes a bare "%", which no escaped name can produce.
func fileSegment(s string) string {
	e := url.PathEscape(s)
	switch {
	case e == "":
		return "%"
	case strings.Trim(e, ".") == "":
		return strings.ReplaceAll(e, ".", "%2E")
	}
	return e
}

func (f *FileBackend) ownerDir(ownerID string) string {
	return filepath.Join(f.dir, fileSegment(ownerID))
}

func (f *FileBackend) path(ownerID, key string) string {
	return filepath.Join(f.ownerDir(ownerID), fileSegment(key)+".json")
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading record file: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing record file %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

// LoadByKey implements Backend
func (f *FileBackend) LoadByKey(_ context.Context, ownerID, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := readRecord(f.path(ownerID, key))
	return rec, persistErr("load", err)
}

// LoadByID implements Backend. It scans the owner's directory.
func (f *FileBackend) LoadByID(ctx context.Context, ownerID, id string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	recs, err := f.list(ownerID)
	if err != nil {
		return nil, persistErr("load", err)
	}
	for _, r := range recs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

// Put implements Backend
func (f *FileBackend) Put(_ context.Context, rec *Record, ifVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(rec.OwnerID, rec.Key)
	if ifVersion != AnyVersion {
		cur, err := readRecord(path)
		if err != nil {
			return persistErr("put", err)
		}
		if cur == nil || cur.Version != ifVersion {
			return ErrVersionConflict
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return persistErr("put", fmt.Errorf("creating owner directory: %w", err))
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return persistErr("put", fmt.Errorf("marshaling record: %w", err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".record-*.tmp")
	if err != nil {
		return persistErr("put", fmt.Errorf("creating temp file: %w", err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return persistErr("put", fmt.Errorf("writing record file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return persistErr("put", fmt.Errorf("closing record file: %w", err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return persistErr("put", fmt.Errorf("renaming record file: %w", err))
	}
	return nil
}

// List implements Backend
func (f *FileBackend) List(_ context.Context, ownerID string) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	recs, err := f.list(ownerID)
	return recs, persistErr("list", err)
}

func (f *FileBackend) list(ownerID string) ([]*Record, error) {
	dir := f.ownerDir(ownerID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading owner directory: %w", err)
	}

	var out []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := readRecord(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close implements Backend
func (f *FileBackend) Close() error {
	return nil
}
