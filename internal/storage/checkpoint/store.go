// Package checkpoint persists the highest fully processed block number.
package checkpoint

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Store keeps the checkpoint as a decimal number in a text file.
type Store struct {
	path string
}

// NewStore creates a store backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the saved block. A missing, empty or corrupt file reports false.
func (s *Store) Load() (uint64, bool) {
	if s == nil || s.path == "" {
		return 0, false
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		return 0, false
	}

	block, err := strconv.ParseUint(strings.TrimSpace(string(payload)), 10, 64)
	if err != nil {
		return 0, false
	}

	return block, true
}

// Save writes block durably: temp file, fsync, rename.
func (s *Store) Save(block uint64) error {
	if s == nil || s.path == "" {
		return errors.New("checkpoint store is not initialized")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create checkpoint dir")
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "open checkpoint temp file")
	}

	if _, err := f.WriteString(strconv.FormatUint(block, 10)); err != nil {
		f.Close()
		return errors.Wrap(err, "write checkpoint temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "sync checkpoint temp file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist checkpoint")
	}

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open checkpoint dir")
	}
	defer d.Close()

	// some filesystems do not support fsync on directories
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return errors.Wrap(err, "sync checkpoint dir")
	}

	return nil
}
