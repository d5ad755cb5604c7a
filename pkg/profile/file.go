package profile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps a profile in a single YAML file.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: strings.TrimSpace(path)}
}

// Location returns the file path.
func (s *FileStore) Location() string {
	return s.path
}

// Load reads the profile file.
func (s *FileStore) Load(ctx context.Context) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &StoreError{Op: "Load", Location: s.path, Err: ErrNotFound}
		}
		return nil, &StoreError{Op: "Load", Location: s.path, Err: err}
	}

	p, err := Decode(bytes.NewReader(b))
	if err != nil {
		return nil, &StoreError{Op: "Load", Location: s.path, Err: err}
	}
	return p, nil
}

// Save writes the profile atomically (temp file + rename).
func (s *FileStore) Save(ctx context.Context, p Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.path == "" {
		return &StoreError{Op: "Save", Location: s.path, Err: fmt.Errorf("profile path is empty")}
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &StoreError{Op: "Save", Location: s.path, Err: fmt.Errorf("create profile dir: %w", err)}
	}

	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		return &StoreError{Op: "Save", Location: s.path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return &StoreError{Op: "Save", Location: s.path, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return &StoreError{Op: "Save", Location: s.path, Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		return &StoreError{Op: "Save", Location: s.path, Err: fmt.Errorf("close temp file: %w", err)}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return &StoreError{Op: "Save", Location: s.path, Err: fmt.Errorf("rename profile file: %w", err)}
	}
	return nil
}
