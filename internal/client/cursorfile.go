package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CursorFile persists last seen sequences as YAML:
//
//	user: alice
//	last_seen:
//	    d-4f1c...: 12
type CursorFile struct {
	path string
}

type cursorDoc struct {
	User     string           `yaml:"user"`
	LastSeen map[string]int64 `yaml:"last_seen"`
}

// NewCursorFile returns a CursorFile at path.
func NewCursorFile(path string) *CursorFile {
	return &CursorFile{path: path}
}

// Path returns the file location.
func (f *CursorFile) Path() string { return f.path }

// Load reads the sequences saved for user. A missing file, or one saved
// for a different user, yields an empty map.
func (f *CursorFile) Load(user string) (map[string]int64, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursor file: %w", err)
	}

	var doc cursorDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse cursor file %s: %w", f.path, err)
	}
	if doc.User != user || doc.LastSeen == nil {
		return map[string]int64{}, nil
	}
	return doc.LastSeen, nil
}

// Save writes seen for user, replacing the file atomically.
func (f *CursorFile) Save(user string, seen map[string]int64) error {
	data, err := yaml.Marshal(cursorDoc{User: user, LastSeen: seen})
	if err != nil {
		return fmt.Errorf("encode cursor file: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cursor dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cursors-*")
	if err != nil {
		return fmt.Errorf("write cursor file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cursor file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write cursor file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("write cursor file: %w", err)
	}
	return nil
}
