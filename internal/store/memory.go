package store

import (
	"strings"
	"sync"

	"github.com/nodekit-dev/nodekit"
)

// memoryBackend is the default Backend: an in-process map guarded by a
// mutex. Used by tests and as the zero-configuration default.
type memoryBackend struct {
	mu    sync.RWMutex
	files map[string]map[string]*nodekit.File // projectID -> path -> file
}

func NewMemoryBackend() Backend {
	return &memoryBackend{files: make(map[string]map[string]*nodekit.File)}
}

func (b *memoryBackend) Get(projectID, path string) (*nodekit.File, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	proj, ok := b.files[projectID]
	if !ok {
		return nil, false, nil
	}
	f, ok := proj[path]
	if !ok {
		return nil, false, nil
	}
	cp := *f
	return &cp, true, nil
}

func (b *memoryBackend) Put(projectID string, f *nodekit.File) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putLocked(projectID, f)
	return nil
}

func (b *memoryBackend) putLocked(projectID string, f *nodekit.File) {
	proj, ok := b.files[projectID]
	if !ok {
		proj = make(map[string]*nodekit.File)
		b.files[projectID] = proj
	}
	cp := *f
	proj[f.Path] = &cp
}

func (b *memoryBackend) Delete(projectID, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if proj, ok := b.files[projectID]; ok {
		delete(proj, path)
	}
	return nil
}

func (b *memoryBackend) List(projectID, pathPrefix string) ([]*nodekit.File, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	proj, ok := b.files[projectID]
	if !ok {
		return nil, nil
	}
	var out []*nodekit.File
	for path, f := range proj {
		if pathPrefix == "" || path == pathPrefix || strings.HasPrefix(path, pathPrefix+"/") {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *memoryBackend) Batch(projectID string, files []*nodekit.File) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range files {
		b.putLocked(projectID, f)
	}
	return nil
}
