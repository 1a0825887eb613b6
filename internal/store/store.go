// Package store implements FileRepository: a per-project virtual file tree
// backed by a pluggable Backend, in the driver-registry style of the
// teacher's storage package (RegisterFS/OpenFS).
package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ije/gox/log"

	"github.com/nodekit-dev/nodekit"
)

var logger = log.New("")

// SetLogger lets the host application point file-repository logging at its
// own sink, mirroring the teacher's package-level SetLogger convention.
func SetLogger(l *log.Logger) { logger = l }

// Backend is the storage driver contract a Repository is built on. A
// Backend stores raw key/value-shaped file records; Repository layers the
// Project/File domain model and its invariants on top.
type Backend interface {
	Get(projectID, path string) (*nodekit.File, bool, error)
	Put(projectID string, f *nodekit.File) error
	Delete(projectID, path string) error
	List(projectID, pathPrefix string) ([]*nodekit.File, error)
	// Batch applies every write in one call. The memory and bolt backends
	// apply it atomically (all files land or none do); the s3 backend writes
	// the files one by one and can leave a partial write behind on error.
	Batch(projectID string, files []*nodekit.File) error
}

var (
	backendsMu sync.Mutex
	backends   = map[string]func(config string) (Backend, error){}
)

// RegisterBackend registers a named Backend constructor. Safe to call from
// an init() in a driver package, the way the teacher registers storage.FS
// drivers.
func RegisterBackend(name string, open func(config string) (Backend, error)) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = open
}

// OpenBackend parses a "name:config" URL-style string and dispatches to the
// registered driver, mirroring storage.OpenDB.
func OpenBackend(url string) (Backend, error) {
	name, config, _ := strings.Cut(url, ":")
	backendsMu.Lock()
	open, ok := backends[name]
	backendsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("store: unregistered backend %q", name)
	}
	return open(config)
}

func init() {
	RegisterBackend("memory", func(string) (Backend, error) { return NewMemoryBackend(), nil })
	RegisterBackend("bolt", func(config string) (Backend, error) { return OpenBoltBackend(config) })
}

// ChangeEvent describes a file mutation, delivered to every listener
// registered via AddChangeListener.
type ChangeEvent struct {
	Type      string // "create" | "update"
	Path      string
	ProjectID string
}

// Repository is the FileRepository component: project lifecycle plus a
// virtual file tree for each project, with folder semantics (a folder's
// path is a prefix other entries nest under) and bulk atomic writes.
type Repository struct {
	mu       sync.RWMutex
	projects map[string]*nodekit.Project
	backend  Backend

	listenersMu sync.Mutex
	listeners   map[int]func(ChangeEvent)
	nextListID  int
}

// New constructs a Repository over the given Backend.
func New(backend Backend) *Repository {
	return &Repository{
		projects:  make(map[string]*nodekit.Project),
		backend:   backend,
		listeners: make(map[int]func(ChangeEvent)),
	}
}

// AddChangeListener registers cb to be notified of every file create/update
// across every project this Repository serves. The returned func
// unsubscribes it.
func (r *Repository) AddChangeListener(cb func(ChangeEvent)) (unsubscribe func()) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	id := r.nextListID
	r.nextListID++
	r.listeners[id] = cb
	return func() {
		r.listenersMu.Lock()
		defer r.listenersMu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Repository) emit(ev ChangeEvent) {
	r.listenersMu.Lock()
	cbs := make([]func(ChangeEvent), 0, len(r.listeners))
	for _, cb := range r.listeners {
		cbs = append(cbs, cb)
	}
	r.listenersMu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func newID(prefix string) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return prefix + "_" + hex.EncodeToString(b[:])
}

func (r *Repository) CreateProject(id, name, description string) (*nodekit.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.projects[id]; exists {
		return nil, nodekit.NewError(nodekit.KindAlreadyExists, "project "+id, nil)
	}
	now := time.Now()
	p := &nodekit.Project{ID: id, Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	r.projects[id] = p
	return p, nil
}

func (r *Repository) GetProject(id string) (*nodekit.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, nodekit.NewError(nodekit.KindNotFound, "project "+id, nil)
	}
	return p, nil
}

// CreateEmptyProject creates a project with a generated ID, for hosts that
// don't manage their own ID scheme.
func (r *Repository) CreateEmptyProject(name string) (*nodekit.Project, error) {
	return r.CreateProject(newID("proj"), name, "")
}

// GetProjects lists every project this Repository knows about, sorted by ID
// for stable output.
func (r *Repository) GetProjects() []*nodekit.Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*nodekit.Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateProject patches a project's name/description in place.
func (r *Repository) UpdateProject(id, name, description string) (*nodekit.Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, nodekit.NewError(nodekit.KindNotFound, "project "+id, nil)
	}
	if name != "" {
		p.Name = name
	}
	p.Description = description
	p.UpdatedAt = time.Now()
	return p, nil
}

// DeleteProject removes a project and cascades to delete every file it
// owns, per spec.md's project-lifecycle requirement.
func (r *Repository) DeleteProject(id string) error {
	r.mu.Lock()
	if _, ok := r.projects[id]; !ok {
		r.mu.Unlock()
		return nodekit.NewError(nodekit.KindNotFound, "project "+id, nil)
	}
	delete(r.projects, id)
	r.mu.Unlock()

	files, err := r.backend.List(id, "")
	if err != nil {
		return nodekit.NewError(nodekit.KindUnknown, "list "+id, err)
	}
	for _, f := range files {
		if err := r.backend.Delete(id, f.Path); err != nil {
			return nodekit.NewError(nodekit.KindUnknown, "delete "+f.Path, err)
		}
	}
	return nil
}

func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "/")
	return p
}

// CreateFile writes a single file or folder entry. It does not create
// entries for missing intermediate folders.
func (r *Repository) CreateFile(projectID string, f *nodekit.File) error {
	return r.CreateFilesBulk(projectID, []*nodekit.File{f})
}

// CreateFilesBulk writes many entries as one atomic operation — the
// "dozens of files per install" case the spec calls out explicitly. Every
// write fires a change event (create if the path is new, update otherwise)
// to every listener registered via AddChangeListener.
func (r *Repository) CreateFilesBulk(projectID string, files []*nodekit.File) error {
	if _, err := r.GetProject(projectID); err != nil {
		return err
	}
	now := time.Now()
	events := make([]ChangeEvent, 0, len(files))
	for _, f := range files {
		f.Path = normalizePath(f.Path)
		f.ProjectID = projectID
		if f.ID == "" {
			f.ID = f.Path
		}
		eventType := "update"
		if _, exists, _ := r.backend.Get(projectID, f.Path); !exists {
			eventType = "create"
		}
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		f.UpdatedAt = now
		events = append(events, ChangeEvent{Type: eventType, Path: f.Path, ProjectID: projectID})
	}
	if err := r.backend.Batch(projectID, files); err != nil {
		return nodekit.NewError(nodekit.KindUnknown, "bulk write failed", err)
	}
	for _, ev := range events {
		r.emit(ev)
	}
	return nil
}

// SaveFile is a single-entry upsert, the FileRepository operation a host's
// editor-save action calls directly rather than going through the bulk
// install path.
func (r *Repository) SaveFile(projectID string, f *nodekit.File) error {
	return r.CreateFilesBulk(projectID, []*nodekit.File{f})
}

// UpdateFileContent patches an existing file's content in place, identified
// by its ID (the virtual path, since this Repository's tree is already
// path-keyed — see DESIGN.md).
func (r *Repository) UpdateFileContent(projectID, fileID, content string) error {
	f, err := r.GetFile(projectID, fileID)
	if err != nil {
		return err
	}
	f.Content = content
	return r.CreateFilesBulk(projectID, []*nodekit.File{f})
}

func (r *Repository) GetFile(projectID, path string) (*nodekit.File, error) {
	f, ok, err := r.backend.Get(projectID, normalizePath(path))
	if err != nil {
		return nil, nodekit.NewError(nodekit.KindUnknown, "read "+path, err)
	}
	if !ok {
		return nil, nodekit.NewError(nodekit.KindNotFound, "file "+path, nil)
	}
	return f, nil
}

func (r *Repository) DeleteFile(projectID, path string) error {
	if err := r.backend.Delete(projectID, normalizePath(path)); err != nil {
		return nodekit.NewError(nodekit.KindUnknown, "delete "+path, err)
	}
	return nil
}

// ListFiles returns every entry whose path equals pathPrefix or lies under
// it as a directory, sorted by path, mirroring directory-listing order a
// browser host would want. Matching is by whole path segments: "a/b"
// matches "a/b/c" but not "a/bc". An empty pathPrefix matches every entry.
func (r *Repository) ListFiles(projectID, pathPrefix string) ([]*nodekit.File, error) {
	files, err := r.backend.List(projectID, normalizePath(pathPrefix))
	if err != nil {
		return nil, nodekit.NewError(nodekit.KindUnknown, "list "+pathPrefix, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Exists reports whether a file exists without returning its content, the
// fast-path the resolver's extension-probing loop needs.
func (r *Repository) Exists(projectID, path string) bool {
	_, ok, _ := r.backend.Get(projectID, normalizePath(path))
	return ok
}
