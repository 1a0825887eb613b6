// Package resolver implements ModuleResolver: the Node.js-compatible
// specifier resolution algorithm (core modules, relative/absolute paths
// with extension probing, node_modules walk, package.json main/module/
// exports resolution), grounded on grafana-k6's ModuleResolver.resolve and
// the teacher's build.go exports-field pattern matching.
package resolver

import (
	"encoding/json"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ije/gox/log"

	"github.com/nodekit-dev/nodekit"
	"github.com/nodekit-dev/nodekit/internal/store"
)

var logger = log.New("")

func SetLogger(l *log.Logger) { logger = l }

var coreModules = map[string]bool{
	"assert": true, "buffer": true, "events": true, "path": true, "stream": true,
	"util": true, "url": true, "querystring": true, "string_decoder": true,
	"process": true, "os": true, "crypto": true, "http": true, "https": true,
	"zlib": true, "fs": true, "net": true, "tty": true, "timers": true,
}

// Kind distinguishes how a specifier resolved, since the runtime needs to
// know whether to execute a builtin, a CJS file, an ESM file, parse JSON or
// hand back an opaque buffer.
type Kind int

const (
	KindCJS Kind = iota
	KindESM
	KindCore
	KindJSON
	KindBinary
)

// Resolved is the outcome of resolving one specifier from one requesting
// file.
type Resolved struct {
	Kind Kind
	Path string // absolute virtual path, for KindCJS/KindESM/KindJSON/KindBinary
	Core string // core module name, for KindCore
}

type cacheKey struct {
	specifier, from string
	requesterIsESM  bool
}

// Resolver is the ModuleResolver component, scoped to one project's file
// tree (never shared across projects, per the spec's instance-scoped state
// requirement).
type Resolver struct {
	repo      *store.Repository
	projectID string

	cache *lru.Cache[cacheKey, Resolved]
}

func New(repo *store.Repository, projectID string) *Resolver {
	cache, _ := lru.New[cacheKey, Resolved](1024)
	return &Resolver{repo: repo, projectID: projectID, cache: cache}
}

// extensions is probed in spec order: exact path first ("" is a no-op
// suffix for the already-exact candidate), then the language extensions in
// the order step 2(b) specifies, with .json probed last.
var extensions = []string{"", ".js", ".mjs", ".cjs", ".ts", ".tsx", ".jsx", ".json"}

// Resolve implements spec.md §4.D: core modules first, then relative/
// absolute specifiers with extension probing and index fallback, then a
// node_modules walk upward from fromDir applying package.json main/module/
// exports resolution. requesterIsESM selects between the "import" and
// "require" exports conditions per step 4.
func (r *Resolver) Resolve(specifier, fromDir string, requesterIsESM bool) (Resolved, error) {
	key := cacheKey{specifier, fromDir, requesterIsESM}
	if v, ok := r.cache.Get(key); ok {
		return v, nil
	}
	resolved, err := r.resolveUncached(specifier, fromDir, requesterIsESM)
	if err != nil {
		return Resolved{}, err
	}
	r.cache.Add(key, resolved)
	return resolved, nil
}

func (r *Resolver) resolveUncached(specifier, fromDir string, requesterIsESM bool) (Resolved, error) {
	if coreModules[specifier] {
		return Resolved{Kind: KindCore, Core: specifier}, nil
	}

	if strings.HasPrefix(specifier, "./") || strings.HasPrefix(specifier, "../") || strings.HasPrefix(specifier, "/") {
		target := specifier
		if !strings.HasPrefix(specifier, "/") {
			target = path.Join(fromDir, specifier)
		} else {
			target = strings.TrimPrefix(specifier, "/")
		}
		return r.resolveFileOrDir(target, requesterIsESM)
	}

	return r.resolveFromNodeModules(specifier, fromDir, requesterIsESM)
}

// resolveFileOrDir tries target as a file (with extension probing), then as
// a directory (package.json main/module, else index.*).
func (r *Resolver) resolveFileOrDir(target string, requesterIsESM bool) (Resolved, error) {
	// The "./package" vs "package.json" edge case: an exact specifier
	// naming a directory that ALSO has a same-named file must prefer the
	// file only when it has a resolvable extension; a bare "package" with
	// no extension that matches a directory wins as the directory.
	if res, ok := r.probeFile(target); ok {
		return res, nil
	}
	if r.repo.Exists(r.projectID, path.Join(target, "package.json")) {
		if res, ok := r.resolvePackageJSONMain(target, requesterIsESM); ok {
			return res, nil
		}
	}
	for _, idx := range []string{"index.js", "index.mjs", "index.ts", "index.json"} {
		if r.repo.Exists(r.projectID, path.Join(target, idx)) {
			return r.classify(path.Join(target, idx)), nil
		}
	}
	return Resolved{}, nodekit.NewError(nodekit.KindModuleNotFound, target, nil)
}

func (r *Resolver) probeFile(target string) (Resolved, bool) {
	for _, ext := range extensions {
		candidate := target + ext
		if r.repo.Exists(r.projectID, candidate) {
			return r.classify(candidate), true
		}
	}
	return Resolved{}, false
}

// classify decides a resolved path's Kind, per spec.md §4.D step 5:
// extension markers first, then the binary marker on the stored file
// itself, then the nearest enclosing package.json's "type" field.
func (r *Resolver) classify(p string) Resolved {
	switch {
	case strings.HasSuffix(p, ".json"):
		return Resolved{Kind: KindJSON, Path: p}
	case strings.HasSuffix(p, ".mjs"):
		return Resolved{Kind: KindESM, Path: p}
	case strings.HasSuffix(p, ".cjs"):
		return Resolved{Kind: KindCJS, Path: p}
	}
	if f, err := r.repo.GetFile(r.projectID, p); err == nil && f.IsBufferArray {
		return Resolved{Kind: KindBinary, Path: p}
	}
	if r.packageTypeForPath(p) == "module" {
		return Resolved{Kind: KindESM, Path: p}
	}
	return Resolved{Kind: KindCJS, Path: p}
}

// KindForPath classifies an already-resolved virtual path directly,
// without specifier parsing — the entry point into evaluation (the
// runtime's Execute) already has a concrete path, not a specifier to walk.
func (r *Resolver) KindForPath(p string) Kind { return r.classify(p).Kind }

// packageTypeForPath walks upward from p's directory for the nearest
// package.json and returns its "type" field ("" when absent or unreadable).
func (r *Resolver) packageTypeForPath(p string) string {
	dir := path.Dir(p)
	for {
		f, err := r.repo.GetFile(r.projectID, path.Join(dir, "package.json"))
		if err == nil {
			var pkg nodekit.PackageJSON
			if json.Unmarshal([]byte(f.Content), &pkg) == nil {
				return pkg.Type
			}
			return ""
		}
		if dir == "" || dir == "." {
			return ""
		}
		parent := path.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
		if dir == "." {
			dir = ""
		}
	}
}

func (r *Resolver) resolvePackageJSONMain(dir string, requesterIsESM bool) (Resolved, bool) {
	f, err := r.repo.GetFile(r.projectID, path.Join(dir, "package.json"))
	if err != nil {
		return Resolved{}, false
	}
	var pkg nodekit.PackageJSON
	if err := json.Unmarshal([]byte(f.Content), &pkg); err != nil {
		return Resolved{}, false
	}
	if entry, ok := resolveExportsField(pkg.Exports, ".", requesterIsESM); ok {
		if res, ok := r.probeFile(path.Join(dir, entry)); ok {
			return res, true
		}
	}
	if pkg.Module != "" {
		if res, ok := r.probeFile(path.Join(dir, pkg.Module)); ok {
			res.Kind = KindESM
			return res, true
		}
	}
	if pkg.Main != "" {
		if res, ok := r.probeFile(path.Join(dir, pkg.Main)); ok {
			return res, true
		}
	}
	return Resolved{}, false
}

// resolveExportsField implements the subset of the exports field the spec
// requires: exact subpath match and a single "./*" wildcard, generalized
// from the teacher's build.go DefinedExports traversal.
func resolveExportsField(exportsField interface{}, subpath string, requesterIsESM bool) (string, bool) {
	switch v := exportsField.(type) {
	case string:
		if subpath == "." {
			return v, true
		}
	case map[string]interface{}:
		if target, ok := v[subpath]; ok {
			return conditionTarget(target, requesterIsESM)
		}
		if subpath == "." {
			if target, ok := v["."]; ok {
				return conditionTarget(target, requesterIsESM)
			}
			// conditions object directly, no subpaths
			if target, ok := conditionTarget(v, requesterIsESM); ok {
				return target, true
			}
		}
		for pattern, target := range v {
			if prefix, suffix, ok := strings.Cut(pattern, "*"); ok && strings.HasPrefix(subpath, prefix) && strings.HasSuffix(subpath, suffix) {
				if t, ok := conditionTarget(target, requesterIsESM); ok {
					rest := strings.TrimSuffix(strings.TrimPrefix(subpath, prefix), suffix)
					return strings.Replace(t, "*", rest, 1), true
				}
			}
		}
	}
	return "", false
}

// conditionTarget resolves the exports condition object shape in the order
// spec.md §4.D step 4 specifies: "node", then "import" for an ESM requester
// or "require" for a CJS requester, then "default".
func conditionTarget(target interface{}, requesterIsESM bool) (string, bool) {
	switch v := target.(type) {
	case string:
		return v, true
	case map[string]interface{}:
		order := []string{"node", "require", "default"}
		if requesterIsESM {
			order = []string{"node", "import", "default"}
		}
		for _, cond := range order {
			if t, ok := v[cond]; ok {
				return conditionTarget(t, requesterIsESM)
			}
		}
	}
	return "", false
}

// resolveFromNodeModules walks upward from fromDir looking for
// node_modules/<specifier> at each level, matching Node's module lookup.
func (r *Resolver) resolveFromNodeModules(specifier, fromDir string, requesterIsESM bool) (Resolved, error) {
	name, subpath := splitPackageSpecifier(specifier)
	dir := fromDir
	for {
		pkgRoot := path.Join(dir, "node_modules", name)
		if r.repo.Exists(r.projectID, path.Join(pkgRoot, "package.json")) {
			if subpath == "" {
				if res, ok := r.resolvePackageJSONMain(pkgRoot, requesterIsESM); ok {
					return res, nil
				}
			} else {
				f, err := r.repo.GetFile(r.projectID, path.Join(pkgRoot, "package.json"))
				if err == nil {
					var pkg nodekit.PackageJSON
					if json.Unmarshal([]byte(f.Content), &pkg) == nil {
						if entry, ok := resolveExportsField(pkg.Exports, "./"+subpath, requesterIsESM); ok {
							if res, ok := r.probeFile(path.Join(pkgRoot, entry)); ok {
								return res, nil
							}
						}
					}
				}
				if res, err := r.resolveFileOrDir(path.Join(pkgRoot, subpath), requesterIsESM); err == nil {
					return res, nil
				}
			}
		}
		if dir == "" || dir == "." {
			break
		}
		parent := path.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
		if dir == "." {
			dir = ""
		}
	}
	return Resolved{}, nodekit.NewError(nodekit.KindModuleNotFound, specifier, nil)
}

// splitPackageSpecifier separates a bare specifier's package name
// (including an "@scope/name" pair) from its subpath.
func splitPackageSpecifier(specifier string) (name, subpath string) {
	parts := strings.Split(specifier, "/")
	if strings.HasPrefix(specifier, "@") && len(parts) >= 2 {
		name = parts[0] + "/" + parts[1]
		subpath = strings.Join(parts[2:], "/")
		return
	}
	name = parts[0]
	subpath = strings.Join(parts[1:], "/")
	return
}
