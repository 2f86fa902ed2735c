package assets

import (
	"context"
	"fmt"
	"sync"
)

// MemoryProvider serves assets from a map. Safe for concurrent use.
type MemoryProvider struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemoryProvider(files map[string][]byte) *MemoryProvider {
	cp := make(map[string][]byte, len(files))
	for k, v := range files {
		cp[k] = v
	}
	return &MemoryProvider{files: cp}
}

func (p *MemoryProvider) Load(_ context.Context, name string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	data, ok := p.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, nil
}

func (p *MemoryProvider) Put(name string, data []byte) {
	p.mu.Lock()
	p.files[name] = data
	p.mu.Unlock()
}

func (p *MemoryProvider) SourceName() string {
	return "memory"
}
