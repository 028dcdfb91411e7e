package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type metadataFile struct {
	Version int             `yaml:"version"`
	Spaces  []SpaceMetadata `yaml:"spaces"`
}

const fileVersion = 1

// FileStore is a MemoryStore mirrored to a YAML file. Every change rewrites the file
// through a temporary file and a rename.
type FileStore struct {
	*MemoryStore
	path string
}

// OpenFileStore loads path if it exists
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{MemoryStore: NewMemoryStore(), path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	default:
		var file metadataFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse metadata %s: %w", path, err)
		}
		if file.Version > fileVersion {
			return nil, fmt.Errorf("metadata %s has unsupported version %d", path, file.Version)
		}
		for _, md := range file.Spaces {
			s.spaces[md.SpaceKey] = &md
			s.order = append(s.order, md.SpaceKey)
		}
	}

	s.save = s.write
	return s, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) write(spaces []SpaceMetadata) error {
	data, err := yaml.Marshal(metadataFile{Version: fileVersion, Spaces: spaces})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
