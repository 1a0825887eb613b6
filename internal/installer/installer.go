// Package installer implements PackageInstaller: transitive resolution,
// dedup, flat node_modules layout, .bin shim synthesis and orphan
// collection on uninstall, grounded on the teacher's BuildTask staged-write
// lifecycle (build.go) generalized from "resolve/build" to
// "resolve/fetch/write/link".
package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/ije/gox/log"

	"github.com/nodekit-dev/nodekit"
	"github.com/nodekit-dev/nodekit/internal/registry"
	"github.com/nodekit-dev/nodekit/internal/store"
)

var logger = log.New("")

func SetLogger(l *log.Logger) { logger = l }

// Options controls installer behavior, including the explicitly
// unimplemented version-conflict policy the spec leaves open.
type Options struct {
	Dev bool
	// NestedOnConflict opts into rejecting a conflicting transitive version
	// instead of silently keeping the first writer. The spec leaves the
	// actual nested-layout resolution undefined; this flag only changes
	// the failure behavior, it never produces a nested node_modules.
	NestedOnConflict bool
}

// Progress reports installer state for a host's status UI, generalized
// from the teacher's /status.json build-queue endpoint.
type Progress struct {
	Stage      string // "resolve" | "fetch" | "write" | "link"
	Package    string
	Deprecated string
}

type ProgressFunc func(Progress)

// Installer drives transitive installs against a Repository and a
// RegistryClient.
type Installer struct {
	Repo     *store.Repository
	Registry *registry.Client

	batchMu  sync.Mutex
	batching bool
	pending  map[string][]*nodekit.File // projectID -> buffered writes
}

func New(repo *store.Repository, reg *registry.Client) *Installer {
	return &Installer{Repo: repo, Registry: reg}
}

// StartBatchProcessing begins a buffered installer session: writes made by
// Install/EnsureBinsForPackage calls issued before the matching
// FinishBatchProcessing are held in memory instead of flushed immediately,
// so a caller driving many installs for one user action (e.g. applying a
// whole package.json) pays one bulk repository write instead of many.
// Install's updates to the root package.json and .gitignore are not
// buffered: they are written before Install returns, inside a batch or not.
func (in *Installer) StartBatchProcessing() {
	in.batchMu.Lock()
	defer in.batchMu.Unlock()
	in.batching = true
	in.pending = map[string][]*nodekit.File{}
}

// FinishBatchProcessing flushes every write buffered since the matching
// StartBatchProcessing and ends the batch session. Calling it without a
// prior StartBatchProcessing is a no-op.
func (in *Installer) FinishBatchProcessing() error {
	in.batchMu.Lock()
	pending := in.pending
	in.batching = false
	in.pending = nil
	in.batchMu.Unlock()

	for projectID, writes := range pending {
		if len(writes) == 0 {
			continue
		}
		if err := in.Repo.CreateFilesBulk(projectID, writes); err != nil {
			return err
		}
	}
	return nil
}

// queueWrites commits writes immediately, unless a batch session is open —
// in which case they're buffered until FinishBatchProcessing.
func (in *Installer) queueWrites(projectID string, writes []*nodekit.File) error {
	in.batchMu.Lock()
	if in.batching {
		in.pending[projectID] = append(in.pending[projectID], writes...)
		in.batchMu.Unlock()
		return nil
	}
	in.batchMu.Unlock()
	return in.Repo.CreateFilesBulk(projectID, writes)
}

const nodeModulesDir = "node_modules"

// Install resolves name@versionRange plus its full transitive dependency
// graph, fetches every package not already present, and writes the
// resulting flat node_modules tree in one batch. Packages already resolved
// once in this call (by name) are not re-fetched: first writer wins, per
// the spec's explicitly flat, non-conflict-resolving layout.
func (in *Installer) Install(ctx context.Context, projectID, name, versionRange string, opts Options, onProgress ProgressFunc) error {
	visited := map[string]string{} // name -> installed version
	var writes []*nodekit.File

	var visit func(name, versionRange string) error
	visit = func(name, versionRange string) error {
		if _, already := visited[name]; already && !opts.NestedOnConflict {
			return nil
		}
		report(onProgress, Progress{Stage: "resolve", Package: name})
		meta, err := in.Registry.GetMetadata(ctx, name)
		if err != nil {
			return err
		}
		version, err := meta.ResolveVersion(versionRange)
		if err != nil {
			return err
		}
		manifest := meta.Versions[version]
		if manifest.Deprecated != "" {
			report(onProgress, Progress{Stage: "resolve", Package: name, Deprecated: manifest.Deprecated})
		}
		if existing, ok := visited[name]; ok {
			if existing != version {
				return nodekit.NewError(nodekit.KindConflictUnsupported,
					fmt.Sprintf("%s: %s requested, %s already installed", name, version, existing), nil)
			}
			return nil
		}
		visited[name] = version

		alreadyOnDisk := in.Repo.Exists(projectID, path.Join(nodeModulesDir, name, "package.json"))
		if !alreadyOnDisk {
			report(onProgress, Progress{Stage: "fetch", Package: name})
			entries, err := in.Registry.FetchAndUnpack(ctx, manifest.Dist.Tarball)
			if err != nil {
				return err
			}
			pkgDir := path.Join(nodeModulesDir, name)
			for _, entry := range entries {
				f := &nodekit.File{
					Path:          path.Join(pkgDir, entry.Path),
					Name:          path.Base(entry.Path),
					Type:          nodekit.FileTypeFile,
					Content:       entry.Content,
					IsBufferArray: entry.IsBinary,
					BufferContent: entry.BufferContent,
				}
				writes = append(writes, f)
			}
			if bins, err := binShims(manifest.PackageJSON, pkgDir); err == nil {
				writes = append(writes, bins...)
			}
		}

		for depName, depRange := range manifest.Dependencies {
			if err := visit(depName, depRange); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(name, versionRange); err != nil {
		return err
	}

	report(onProgress, Progress{Stage: "write", Package: name})
	if len(writes) > 0 {
		if err := in.queueWrites(projectID, writes); err != nil {
			return err
		}
	}

	report(onProgress, Progress{Stage: "link", Package: name})
	if err := in.linkDirectDependency(projectID, name, "^"+visited[name], opts.Dev); err != nil {
		return err
	}
	ignore := ""
	if f, err := in.Repo.GetFile(projectID, ".gitignore"); err == nil {
		ignore = f.Content
	}
	for _, line := range strings.Split(ignore, "\n") {
		if strings.TrimSpace(line) == nodeModulesDir {
			return nil
		}
	}
	if ignore != "" && !strings.HasSuffix(ignore, "\n") {
		ignore += "\n"
	}
	return in.Repo.CreateFile(projectID, &nodekit.File{Path: ".gitignore", Name: ".gitignore", Type: nodekit.FileTypeFile, Content: ignore + nodeModulesDir + "\n"})
}

// EnsureBinsForPackage (re)synthesizes node_modules/.bin/<cmd> shims for an
// already-installed package, callable standalone per spec.md §4.C — e.g. to
// repair .bin after a host restores node_modules from a snapshot without
// rerunning the full resolve/fetch graph.
func (in *Installer) EnsureBinsForPackage(projectID, name string) error {
	pkgDir := path.Join(nodeModulesDir, name)
	f, err := in.Repo.GetFile(projectID, path.Join(pkgDir, "package.json"))
	if err != nil {
		return nodekit.NewError(nodekit.KindModuleNotFound, name, err)
	}
	var pkg nodekit.PackageJSON
	if err := json.Unmarshal([]byte(f.Content), &pkg); err != nil {
		return err
	}
	bins, err := binShims(pkg, pkgDir)
	if err != nil {
		return err
	}
	if len(bins) == 0 {
		return nil
	}
	return in.queueWrites(projectID, bins)
}

// binShims synthesizes node_modules/.bin/<cmd> shims for a package's "bin"
// field, per spec.md §6's bin shim format.
func binShims(pkg nodekit.PackageJSON, pkgDir string) ([]*nodekit.File, error) {
	if pkg.Bin == nil {
		return nil, nil
	}
	bins := map[string]string{}
	switch v := pkg.Bin.(type) {
	case string:
		bins[pkg.Name] = v
	case map[string]interface{}:
		for k, val := range v {
			if s, ok := val.(string); ok {
				bins[k] = s
			}
		}
	default:
		return nil, nil
	}
	var out []*nodekit.File
	for cmd, target := range bins {
		// pkgDir is "node_modules/<name>"; the shim lives in
		// "node_modules/.bin/<cmd>" and requires the target relative to
		// that sibling directory.
		relTarget := "../" + strings.TrimPrefix(pkgDir, nodeModulesDir+"/") + "/" + strings.TrimPrefix(target, "./")
		shim := fmt.Sprintf("#!/usr/bin/env node\nrequire('%s')\n", relTarget)
		out = append(out, &nodekit.File{
			Path:    path.Join(nodeModulesDir, ".bin", cmd),
			Name:    cmd,
			Type:    nodekit.FileTypeFile,
			Content: shim,
		})
	}
	return out, nil
}

// linkDirectDependency records the direct dependency in the project's
// root package.json, creating the file if absent.
func (in *Installer) linkDirectDependency(projectID, name, versionRange string, dev bool) error {
	pkg := nodekit.PackageJSON{Name: "project", Version: "0.0.0"}
	if existing, err := in.Repo.GetFile(projectID, "package.json"); err == nil {
		_ = json.Unmarshal([]byte(existing.Content), &pkg)
	}
	target := &pkg.Dependencies
	if dev {
		target = &pkg.DevDependencies
	}
	if *target == nil {
		*target = map[string]string{}
	}
	(*target)[name] = versionRange

	raw, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return err
	}
	return in.Repo.CreateFile(projectID, &nodekit.File{
		Path:    "package.json",
		Name:    "package.json",
		Type:    nodekit.FileTypeFile,
		Content: string(raw),
	})
}

func report(cb ProgressFunc, p Progress) {
	if cb != nil {
		cb(p)
	}
}
