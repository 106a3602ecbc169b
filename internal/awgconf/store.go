package awgconf

import (
	"os"

	"awgctl/internal/errors"
	"awgctl/internal/fsutil"
)

// Store reads and writes the interface config file. Every write is atomic.
// Store does no locking of its own; callers serialize mutations.
type Store struct {
	path string
	perm os.FileMode
}

func NewStore(path string) *Store {
	return &Store{path: path, perm: 0o600}
}

func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the config file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load parses and validates the config file.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindConfig, "read interface config"), "path", s.path)
	}
	doc := Parse(data)
	if err := doc.Validate(); err != nil {
		return nil, errors.Attr(err, "path", s.path)
	}
	return doc, nil
}

// Save validates doc and replaces the file atomically.
func (s *Store) Save(doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(s.path, doc.Bytes(), s.perm); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindConfig, "write interface config"), "path", s.path)
	}
	return nil
}

// UpsertPeer loads the file, creates or updates the peer section and saves it.
// Saving is skipped when nothing changed.
func (s *Store) UpsertPeer(publicKey string, fields ...Field) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	before := string(doc.Bytes())
	doc.UpsertPeer(publicKey, fields...)
	if string(doc.Bytes()) == before {
		return nil
	}
	return s.Save(doc)
}

// RemovePeer drops the peer section if present. Removing an absent peer is not an error.
func (s *Store) RemovePeer(publicKey string) (bool, error) {
	doc, err := s.Load()
	if err != nil {
		return false, err
	}
	if !doc.RemovePeer(publicKey) {
		return false, nil
	}
	return true, s.Save(doc)
}
