// Package nodekit implements an in-browser, Node.js-compatible package and
// module runtime: a virtual file store, an npm registry client, a
// transitive package installer, a Node-style module resolver, a TS/JSX
// transpiler and a goja-backed CommonJS/ESM runtime, all addressable as one
// embeddable Go library.
package nodekit

import "time"

// FileType distinguishes a regular file entry from a directory entry in a
// Project's virtual file tree.
type FileType string

const (
	FileTypeFile   FileType = "file"
	FileTypeFolder FileType = "folder"
)

// Project is one isolated virtual Node.js workspace: its own file tree,
// its own node_modules, its own module runtime instance. Nothing is shared
// across projects — see the Design Notes on global mutable state.
type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// File is one entry (file or folder) in a Project's virtual file tree.
// Text content lives in Content; binary content (tarball payloads, images)
// lives in BufferContent and IsBufferArray is set.
type File struct {
	ID            string
	ProjectID     string
	Path          string
	Name          string
	ParentPath    string
	Type          FileType
	Content       string
	IsBufferArray bool
	BufferContent []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PackageJSON mirrors the subset of package.json fields the resolver,
// installer and transpiler all need to agree on.
type PackageJSON struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Main            string            `json:"main,omitempty"`
	Module          string            `json:"module,omitempty"`
	Type            string            `json:"type,omitempty"`
	Exports         interface{}       `json:"exports,omitempty"`
	Imports         interface{}       `json:"imports,omitempty"`
	Browser         interface{}       `json:"browser,omitempty"`
	Bin             interface{}       `json:"bin,omitempty"`
	Dependencies    map[string]string `json:"dependencies,omitempty"`
	DevDependencies map[string]string `json:"devDependencies,omitempty"`
	Deprecated      string            `json:"deprecated,omitempty"`
}
