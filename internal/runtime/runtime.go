// Package runtime implements ModuleRuntime: a goja-backed JS VM with a
// Node-compatible require(), a module cache that supports cyclic requires
// via a partially-populated exports object, and the small set of Node
// globals spec.md §4.F names. Grounded on two pack references that wire
// goja the same way: grafana-k6's ModuleResolver/ModuleSystem (cache
// keyed by resolved specifier, exports() returned live mid-evaluation) and
// gots-runtime's Runtime (module/exports object pair per load, console/
// require/global bootstrapping).
package runtime

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/ije/gox/log"

	"github.com/nodekit-dev/nodekit"
	"github.com/nodekit-dev/nodekit/internal/resolver"
	"github.com/nodekit-dev/nodekit/internal/store"
	"github.com/nodekit-dev/nodekit/internal/transpile"
)

var logger = log.New("")

func SetLogger(l *log.Logger) { logger = l }

// moduleCacheEntry holds a module's live exports object plus whether its
// body has finished running, so a cyclic require() mid-evaluation gets the
// same (possibly incomplete) exports object the spec's cycle-safety
// property requires.
type moduleCacheEntry struct {
	exports goja.Value
	done    bool
}

// Runtime is one ModuleRuntime instance: one goja VM, one module cache, one
// project's worth of file tree and resolver. Never shared across projects
// — see the Design Notes on global mutable state being instance-scoped.
type Runtime struct {
	vm        *goja.Runtime
	repo      *store.Repository
	projectID string
	resolve   *resolver.Resolver
	transpile *transpile.Pool

	cache map[string]*moduleCacheEntry
	stack []string // not written by the loader; cyclic requires are handled through cache
}

// New builds a Runtime scoped to one project.
func New(repo *store.Repository, projectID string, res *resolver.Resolver, pool *transpile.Pool) *Runtime {
	r := &Runtime{
		vm:        goja.New(),
		repo:      repo,
		projectID: projectID,
		resolve:   res,
		transpile: pool,
		cache:     make(map[string]*moduleCacheEntry),
	}
	r.installGlobals()
	return r
}

func (r *Runtime) installGlobals() {
	console := r.vm.NewObject()
	console.Set("log", func(args ...interface{}) { fmt.Println(args...) })
	console.Set("info", func(args ...interface{}) { fmt.Println(args...) })
	console.Set("warn", func(args ...interface{}) { fmt.Println(args...) })
	console.Set("error", func(args ...interface{}) { fmt.Println(args...) })
	r.vm.Set("console", console)
	r.vm.Set("global", r.vm.GlobalObject())
	r.vm.Set("globalThis", r.vm.GlobalObject())

	// Buffer is reachable both as a bare global and via require('buffer')
	// (core.go's coreBuffer), matching Node's own dual exposure.
	r.vm.Set("Buffer", r.coreBuffer().Get("Buffer"))

	process := r.vm.NewObject()
	process.Set("env", map[string]string{})
	process.Set("platform", "browser")
	process.Set("version", "v20.0.0")
	process.Set("cwd", func() string { return "/" })
	argv := r.vm.NewArray("node", "main.js")
	process.Set("argv", argv)
	r.vm.Set("process", process)

	// There is no event loop in this embedded runtime. setTimeout calls its
	// callback synchronously, before setTimeout itself returns, and ignores
	// the delay; setInterval never calls its callback. Both return 0, and
	// clearTimeout/clearInterval do nothing. This differs from Node timer
	// semantics.
	r.vm.Set("setTimeout", func(fn goja.Callable, delay int64, args ...goja.Value) goja.Value {
		go func() {
			time.Sleep(time.Duration(delay) * time.Millisecond)
		}()
		if fn != nil {
			fn(goja.Undefined(), args...)
		}
		return r.vm.ToValue(0)
	})
	r.vm.Set("clearTimeout", func(goja.Value) {})
	r.vm.Set("setInterval", func(fn goja.Callable, delay int64, args ...goja.Value) goja.Value { return r.vm.ToValue(0) })
	r.vm.Set("clearInterval", func(goja.Value) {})
}

// Execute loads entryPath as the program's main module and runs it. The
// entry path is already a concrete virtual path rather than a specifier to
// resolve, so its Kind is read directly off the resolver's classification.
func (r *Runtime) Execute(ctx context.Context, entryPath string) (goja.Value, error) {
	switch r.resolve.KindForPath(entryPath) {
	case resolver.KindBinary:
		return r.requireBinary(entryPath)
	case resolver.KindJSON:
		return r.requireJSON(entryPath)
	default:
		return r.requireResolved(ctx, entryPath, r.resolve.KindForPath(entryPath) == resolver.KindESM)
	}
}

// require implements the Node-compatible require(specifier) a module body
// calls, resolved relative to fromDir. requesterIsESM is the calling
// module's own kind, which the resolver needs to pick the "import" vs
// "require" exports condition (spec.md §4.D step 4).
func (r *Runtime) require(ctx context.Context, specifier, fromDir string, requesterIsESM bool) (goja.Value, error) {
	res, err := r.resolve.Resolve(specifier, fromDir, requesterIsESM)
	if err != nil {
		return nil, nodekit.NewError(nodekit.KindModuleNotFound, specifier, err)
	}
	switch res.Kind {
	case resolver.KindCore:
		return r.requireCore(res.Core)
	case resolver.KindJSON:
		return r.requireJSON(res.Path)
	case resolver.KindBinary:
		return r.requireBinary(res.Path)
	default:
		return r.requireResolved(ctx, res.Path, res.Kind == resolver.KindESM)
	}
}

// requireResolved loads and caches a module by its fully-resolved virtual
// path. A cached-but-not-done entry means this path is in the middle of
// being evaluated higher up the call stack: returning its (incomplete)
// exports object right here is what makes circular requires safe instead
// of infinite-looping, matching spec.md's cycle-safety testable property.
func (r *Runtime) requireResolved(ctx context.Context, resolvedPath string, isESM bool) (goja.Value, error) {
	if entry, ok := r.cache[resolvedPath]; ok {
		return entry.exports, nil
	}

	exportsObj := r.vm.NewObject()
	entry := &moduleCacheEntry{exports: exportsObj}
	r.cache[resolvedPath] = entry

	f, err := r.repo.GetFile(r.projectID, resolvedPath)
	if err != nil {
		delete(r.cache, resolvedPath)
		return nil, nodekit.NewError(nodekit.KindModuleNotFound, resolvedPath, err)
	}

	code := f.Content
	isTS := strings.HasSuffix(resolvedPath, ".ts") || strings.HasSuffix(resolvedPath, ".tsx")
	isJSX := strings.HasSuffix(resolvedPath, ".jsx") || strings.HasSuffix(resolvedPath, ".tsx")
	if isTS || isJSX || isESM {
		res, err := r.transpile.Transpile(ctx, transpile.Request{
			Code: code, FilePath: resolvedPath, IsTypeScript: isTS, IsJSX: isJSX,
		})
		if err != nil {
			delete(r.cache, resolvedPath)
			return nil, err
		}
		code = res.Code
	}

	moduleObj := r.vm.NewObject()
	moduleObj.Set("exports", exportsObj)
	moduleObj.Set("id", resolvedPath)

	dir := path.Dir(resolvedPath)
	requireFn := func(spec string) goja.Value {
		val, err := r.require(ctx, spec, dir, isESM)
		if err != nil {
			panic(r.vm.ToValue(err.Error()))
		}
		return val
	}

	wrapper := `(function(module, exports, require, __filename, __dirname) {` + "\n" + code + "\n})"
	fn, err := r.vm.RunString(wrapper)
	if err != nil {
		delete(r.cache, resolvedPath)
		return nil, nodekit.NewError(nodekit.KindEvaluationError, resolvedPath, err)
	}
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		delete(r.cache, resolvedPath)
		return nil, nodekit.NewError(nodekit.KindEvaluationError, resolvedPath, fmt.Errorf("module did not compile to a function"))
	}

	_, err = callable(goja.Undefined(),
		moduleObj,
		moduleObj.Get("exports"),
		r.vm.ToValue(requireFn),
		r.vm.ToValue(resolvedPath),
		r.vm.ToValue(dir),
	)
	if err != nil {
		delete(r.cache, resolvedPath)
		return nil, nodekit.NewError(nodekit.KindEvaluationError, resolvedPath, err)
	}

	entry.done = true
	// module.exports may have been reassigned wholesale (module.exports =
	// ...) to any value — an object, a function, even a primitive — so
	// re-read it rather than trusting the original exports object.
	finalExports := moduleObj.Get("exports")
	entry.exports = finalExports
	return finalExports, nil
}

func (r *Runtime) requireJSON(resolvedPath string) (goja.Value, error) {
	f, err := r.repo.GetFile(r.projectID, resolvedPath)
	if err != nil {
		return nil, nodekit.NewError(nodekit.KindModuleNotFound, resolvedPath, err)
	}
	val, err := r.vm.RunString("(" + f.Content + ")")
	if err != nil {
		return nil, nodekit.NewError(nodekit.KindEvaluationError, resolvedPath, err)
	}
	return val, nil
}

// requireBinary hands back a binary file's content as an opaque buffer,
// per spec.md §4.F step 3c/§9's Glossary entry for the binary Kind — not a
// Node-standard require() return, but required by hex-editor and
// asset-loading collaborators. Cached like any other module so repeated
// requires of the same asset return the identical buffer value.
func (r *Runtime) requireBinary(resolvedPath string) (goja.Value, error) {
	if entry, ok := r.cache[resolvedPath]; ok {
		return entry.exports, nil
	}
	f, err := r.repo.GetFile(r.projectID, resolvedPath)
	if err != nil {
		return nil, nodekit.NewError(nodekit.KindModuleNotFound, resolvedPath, err)
	}
	// goja.Runtime.ToValue wraps the []byte as an array-like object backed
	// by the Go slice, so guest code can read its length and index its
	// bytes.
	val := r.vm.ToValue(f.BufferContent)
	r.cache[resolvedPath] = &moduleCacheEntry{exports: val, done: true}
	return val, nil
}
