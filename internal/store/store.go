// Package store persists one MachineRecord per workspace key as a JSON
// file under the data directory. The owning actor is the only reader
// and writer for a given key; the provider remains the ground truth, so
// write failures are surfaced but treated as non-fatal by callers.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/eurekahq/eureka/internal/workspace"
)

// ErrNotFound is returned by Load when no record exists for the key.
var ErrNotFound = errors.New("machine record not found")

// CorruptError marks a record that exists but cannot be trusted.
// Callers recover by treating it as absent and recreating.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt machine record at %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Record is the persisted state for one workspace.
type Record struct {
	MachineID string `json:"machine_id"`
}

// Store reads and writes machine records under a root directory, laid
// out as <root>/<session_id>/<user>/<repo>.json.
type Store struct {
	root string
}

// New creates a Store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Load reads the record for key. Missing files map to ErrNotFound;
// unreadable or malformed records map to *CorruptError.
func (s *Store) Load(key workspace.Key) (Record, error) {
	path, err := s.recordPath(key)
	if err != nil {
		return Record{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Record{}, ErrNotFound
		}
		return Record{}, &CorruptError{Path: path, Err: err}
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return Record{}, &CorruptError{Path: path, Err: err}
	}
	return rec, nil
}

// Save writes the record for key atomically (temp file + rename).
func (s *Store) Save(key workspace.Key, rec Record) error {
	path, err := s.recordPath(key)
	if err != nil {
		return err
	}
	if rec.MachineID == "" {
		return fmt.Errorf("save %s: machine_id must be non-empty", key)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("save %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("save %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// recordPath validates the key before touching the filesystem; keys are
// path components, so validation doubles as traversal protection.
func (s *Store) recordPath(key workspace.Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.root, key.SessionID, key.User, key.Repo+".json"), nil
}

// decodeRecord parses a record strictly: unknown fields, trailing data,
// and an empty machine_id all classify the record as corrupt.
func decodeRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return Record{}, err
	}
	if dec.More() {
		return Record{}, errors.New("trailing data after record")
	}
	if rec.MachineID == "" {
		return Record{}, errors.New("machine_id missing or empty")
	}
	return rec, nil
}
