package store

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"awgctl/internal/errors"
	"awgctl/internal/fsutil"
	"awgctl/internal/model"
)

// Registry persists peer records.
type Registry struct {
	UpdatedAt time.Time          `yaml:"updated_at"`
	Peers     []model.PeerRecord `yaml:"peers"`
}

// LoadRegistry loads the registry from disk. If the file is missing, returns an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{}, nil
		}
		return nil, errors.Wrapf(err, errors.KindInternal, "read registry %s", path)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, errors.Wrapf(err, errors.KindInternal, "parse registry %s", path)
	}

	return &reg, nil
}

// SaveRegistry writes the registry to disk atomically.
func SaveRegistry(path string, reg *Registry) error {
	if reg == nil {
		return nil
	}
	reg.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(reg)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "write registry %s", path)
	}
	return nil
}

// Persister stores the full peer set. The controller owns the in-memory
// copy and hands over a snapshot on every mutation.
type Persister interface {
	Load() ([]model.PeerRecord, error)
	Save(peers []model.PeerRecord) error
}

// FileStore is a Persister backed by a YAML file.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (f *FileStore) Load() ([]model.PeerRecord, error) {
	reg, err := LoadRegistry(f.Path)
	if err != nil {
		return nil, err
	}
	return reg.Peers, nil
}

func (f *FileStore) Save(peers []model.PeerRecord) error {
	return SaveRegistry(f.Path, &Registry{Peers: peers})
}
