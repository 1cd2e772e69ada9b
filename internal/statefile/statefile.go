// Package statefile implements atomic JSON persistence for the small state
// documents the supervisor reads and writes in the working directory
// (status.json, .response_analysis, .circuit_breaker_state, and friends).
//
// Every document has exactly one writer (the controller process) and may be
// read concurrently by the read-only terminal dashboard, so writes always go
// through a temp-file-then-rename to avoid exposing a partially written file
// to a concurrent reader. This mirrors the exclusive-lock file pattern in the
// teacher codebase's storage package.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Validator is an optional hook that rejects document bytes before they are
// unmarshaled, e.g. a JSON-Schema check. A non-nil error is treated the same
// as a JSON syntax error by Load: the caller discards and reinitializes.
type Validator func(data []byte) error

// Store reads and writes a single JSON document at Path, which also
// identifies the document in error messages.
type Store struct {
	Path      string
	Validator Validator
}

// New creates a Store rooted at path with an optional schema Validator.
func New(path string, validator Validator) *Store {
	return &Store{Path: path, Validator: validator}
}

// Load unmarshals the document into v. If the file is absent, Load returns
// (false, nil) so callers can distinguish "not yet created" from corruption.
// If the file exists but is unparseable or fails validation, Load returns an
// error wrapping ErrCorrupt; callers are expected to discard the file and
// reinitialize per the state-file-corruption policy.
func (s *Store) Load(v interface{}) (exists bool, err error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s: %w", s.Path, err)
	}

	if s.Validator != nil {
		if verr := s.Validator(data); verr != nil {
			return true, fmt.Errorf("%s failed schema validation: %w: %w", s.Path, ErrCorrupt, verr)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("%s is not valid JSON: %w: %w", s.Path, ErrCorrupt, err)
	}
	return true, nil
}

// Store marshals v and atomically replaces the document at s.Path, writing
// to a sibling temp file first and renaming it into place so concurrent
// readers never observe a partial write.
func (s *Store) Store(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", s.Path, err)
	}
	return WriteAtomic(s.Path, data)
}

// WriteAtomic writes data to path via a temp file in the same directory
// followed by a rename, which is atomic on POSIX filesystems.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	// Best-effort cleanup if anything below fails before the rename.
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file into %s: %w", path, err)
	}
	return nil
}

// Remove deletes the document, treating "already absent" as success.
func (s *Store) Remove() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", s.Path, err)
	}
	return nil
}

// corruptError is the type of ErrCorrupt, the sentinel wrapped into Load's
// error for corrupt or
// schema-invalid documents so callers can identify the corruption path with
// errors.Is rather than string matching.
type corruptError struct{}

func (corruptError) Error() string { return "state file corrupt" }

// ErrCorrupt is wrapped into the error Load returns when a document exists
// but cannot be trusted (bad JSON or failed schema validation).
var ErrCorrupt error = corruptError{}
