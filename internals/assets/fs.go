package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FSProvider reads assets from a directory on disk
type FSProvider struct {
	root string
}

func NewFSProvider(root string) *FSProvider {
	return &FSProvider{root: root}
}

func (p *FSProvider) Load(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(p.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", name, err)
	}
	return data, nil
}

func (p *FSProvider) SourceName() string {
	return "file system: " + p.root
}
