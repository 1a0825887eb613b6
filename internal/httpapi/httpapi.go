// Package httpapi exposes the debugging/driving HTTP surface over rex, the
// teacher's HTTP framework (server.go/query.go), mirroring its
// ctx.Path/ctx.R/ctx.Form access patterns and rex.Use middleware stacking.
// This surface is a thin collaborator: the real deliverable is the
// embeddable nodekit library underneath it.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/ije/gox/log"
	"github.com/ije/rex"

	"github.com/nodekit-dev/nodekit"
	"github.com/nodekit-dev/nodekit/internal/config"
	"github.com/nodekit-dev/nodekit/internal/installer"
	"github.com/nodekit-dev/nodekit/internal/registry"
	"github.com/nodekit-dev/nodekit/internal/resolver"
	"github.com/nodekit-dev/nodekit/internal/runtime"
	"github.com/nodekit-dev/nodekit/internal/store"
	"github.com/nodekit-dev/nodekit/internal/transpile"
)

// Server wires every component into the HTTP routes described in
// SPEC_FULL.md §8.
type Server struct {
	repo      *store.Repository
	reg       *registry.Client
	installer *installer.Installer
	pool      *transpile.Pool
	log       *log.Logger

	mu        sync.Mutex
	resolvers map[string]*resolver.Resolver
}

func New(cfg *config.Config, logger *log.Logger) (*Server, error) {
	backend, err := store.OpenBackend(cfg.StoreURL)
	if err != nil {
		return nil, err
	}
	repo := store.New(backend)
	reg := registry.NewClient(cfg.RegistryURL)
	return &Server{
		repo:      repo,
		reg:       reg,
		installer: installer.New(repo, reg),
		pool:      transpile.NewPool(cfg.TranspileWorkers),
		log:       logger,
		resolvers: make(map[string]*resolver.Resolver),
	}, nil
}

func (s *Server) resolverFor(projectID string) *resolver.Resolver {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resolvers[projectID]
	if !ok {
		r = resolver.New(s.repo, projectID)
		s.resolvers[projectID] = r
	}
	return r
}

// Handle is the single rex.Handle this server registers, dispatching on
// method+path the way query.go's query() dispatches on pathname.
func (s *Server) Handle() rex.Handle {
	return func(ctx *rex.Context) interface{} {
		pathname := ctx.Path.String()
		method := ctx.R.Method

		switch {
		case method == "POST" && pathname == "/projects":
			return s.createProject(ctx)
		case method == "POST" && strings.HasSuffix(pathname, "/install"):
			return s.install(ctx, projectIDFromPath(pathname, "/install"))
		case method == "DELETE" && strings.Contains(pathname, "/packages/"):
			id, pkg := splitPackagePath(pathname)
			return s.uninstall(ctx, id, pkg)
		case method == "POST" && strings.HasSuffix(pathname, "/execute"):
			return s.execute(ctx, projectIDFromPath(pathname, "/execute"))
		case method == "GET" && strings.Contains(pathname, "/resolve"):
			return s.resolve(ctx, projectIDFromPath(pathname, "/resolve"))
		case pathname == "/status.json":
			return map[string]interface{}{"ok": true}
		}
		return rex.Status(404, "Not Found")
	}
}

type createProjectBody struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) createProject(ctx *rex.Context) interface{} {
	var body createProjectBody
	if err := decodeBody(ctx, &body); err != nil {
		return rex.Status(400, err.Error())
	}
	p, err := s.repo.CreateProject(body.ID, body.Name, body.Description)
	if err != nil {
		return errStatus(err)
	}
	return p
}

type installBody struct {
	Name         string `json:"name"`
	VersionRange string `json:"versionRange"`
	Dev          bool   `json:"dev"`
}

func (s *Server) install(ctx *rex.Context, projectID string) interface{} {
	var body installBody
	if err := decodeBody(ctx, &body); err != nil {
		return rex.Status(400, err.Error())
	}
	var progress []installer.Progress
	err := s.installer.Install(ctx.R.Context(), projectID, body.Name, body.VersionRange, installer.Options{Dev: body.Dev}, func(p installer.Progress) {
		progress = append(progress, p)
	})
	if err != nil {
		return errStatus(err)
	}
	return map[string]interface{}{"progress": progress}
}

func (s *Server) uninstall(ctx *rex.Context, projectID, pkg string) interface{} {
	removed, err := s.installer.Uninstall(ctx.R.Context(), projectID, pkg)
	if err != nil {
		return errStatus(err)
	}
	return map[string]interface{}{"ok": true, "removed": removed}
}

type executeBody struct {
	EntryPath string `json:"entryPath"`
}

func (s *Server) execute(ctx *rex.Context, projectID string) interface{} {
	var body executeBody
	if err := decodeBody(ctx, &body); err != nil {
		return rex.Status(400, err.Error())
	}
	res := resolver.New(s.repo, projectID)
	rt := runtime.New(s.repo, projectID, res, s.pool)
	val, err := rt.Execute(ctx.R.Context(), body.EntryPath)
	if err != nil {
		return errStatus(err)
	}
	return map[string]interface{}{"exports": val.String()}
}

func (s *Server) resolve(ctx *rex.Context, projectID string) interface{} {
	specifier := ctx.Form.Value("specifier")
	from := ctx.Form.Value("from")
	r := s.resolverFor(projectID)
	fromDir := path.Dir(from)
	requesterIsESM := r.KindForPath(from) == resolver.KindESM
	res, err := r.Resolve(specifier, fromDir, requesterIsESM)
	if err != nil {
		return errStatus(err)
	}
	return map[string]interface{}{"path": res.Path, "kind": int(res.Kind)}
}

func decodeBody(ctx *rex.Context, dst interface{}) error {
	if ctx.R.Body == nil {
		return errors.New("empty body")
	}
	data, err := io.ReadAll(ctx.R.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

func errStatus(err error) interface{} {
	var ne *nodekit.Error
	if errors.As(err, &ne) {
		code := 500
		switch ne.Kind {
		case nodekit.KindNotFound, nodekit.KindPackageNotFound, nodekit.KindModuleNotFound:
			code = 404
		case nodekit.KindAlreadyExists:
			code = 409
		case nodekit.KindNoMatchingVersion, nodekit.KindConflictUnsupported:
			code = 422
		case nodekit.KindTranspileTimeout:
			code = 504
		}
		return rex.Status(code, ne.Error())
	}
	return rex.Status(500, err.Error())
}

// projectIDFromPath extracts "<id>" out of "/projects/<id><suffix>".
func projectIDFromPath(pathname, suffix string) string {
	trimmed := pathname
	if idx := strings.Index(trimmed, suffix); suffix != "" && idx >= 0 {
		trimmed = trimmed[:idx]
	}
	const prefix = "/projects/"
	if strings.HasPrefix(trimmed, prefix) {
		return strings.TrimPrefix(trimmed, prefix)
	}
	return ""
}

// splitPackagePath extracts "<id>" and "<pkg>" out of
// "/projects/<id>/packages/<pkg>".
func splitPackagePath(pathname string) (id, pkg string) {
	const marker = "/packages/"
	idx := strings.Index(pathname, marker)
	if idx < 0 {
		return "", ""
	}
	id = projectIDFromPath(pathname[:idx], "")
	pkg = pathname[idx+len(marker):]
	return
}
