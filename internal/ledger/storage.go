package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Storage keeps voucher media by file name
type Storage interface {
	// Save returns the name to pass to Get, relative to the storage root
	Save(filename string, data []byte) (string, error)
	Get(name string) ([]byte, error)
}

// LocalStorage stores media as flat files in one directory
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) (*LocalStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}
	return &LocalStorage{root: root}, nil
}

// Save replaces any file with the same name. Names are reduced to their base
// so nothing is written outside the root.
func (l *LocalStorage) Save(filename string, data []byte) (string, error) {
	name := filepath.Base(filename)
	target := filepath.Join(l.root, name)

	tmp := target + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("writing media %s: %w", name, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("storing media %s: %w", name, err)
	}
	return name, nil
}

func (l *LocalStorage) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.root, filepath.Base(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: media %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading media %s: %w", name, err)
	}
	return data, nil
}
