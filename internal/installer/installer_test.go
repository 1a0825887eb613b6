package installer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodekit-dev/nodekit"
	"github.com/nodekit-dev/nodekit/internal/registry"
	"github.com/nodekit-dev/nodekit/internal/store"
)

func tarballBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: "package/" + name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// fakeNpmRegistry serves a tiny two-package dependency graph:
// app-dep -> leaf, so installer tests exercise transitive install + dedup.
func fakeNpmRegistry(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/app-dep", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(registry.Metadata{
			Name:     "app-dep",
			DistTags: map[string]string{"latest": "1.0.0"},
			Versions: map[string]registry.VersionManifest{
				"1.0.0": {
					PackageJSON: nodekit.PackageJSON{
						Name: "app-dep", Version: "1.0.0",
						Dependencies: map[string]string{"leaf": "^1.0.0"},
						Bin:          "bin/cli.js",
					},
					Dist: struct {
						Tarball string `json:"tarball"`
						Shasum  string `json:"shasum"`
					}{Tarball: srv.URL + "/app-dep.tgz"},
				},
			},
		})
	})
	mux.HandleFunc("/app-dep.tgz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarballBytes(t, map[string]string{
			"package.json": `{"name":"app-dep","version":"1.0.0","dependencies":{"leaf":"^1.0.0"},"bin":"bin/cli.js"}`,
			"index.js":     "module.exports = require('leaf');",
			"bin/cli.js":   "#!/usr/bin/env node\nconsole.log('cli');",
		}))
	})
	mux.HandleFunc("/leaf", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(registry.Metadata{
			Name:     "leaf",
			DistTags: map[string]string{"latest": "1.0.0"},
			Versions: map[string]registry.VersionManifest{
				"1.0.0": {
					PackageJSON: nodekit.PackageJSON{Name: "leaf", Version: "1.0.0"},
					Dist: struct {
						Tarball string `json:"tarball"`
						Shasum  string `json:"shasum"`
					}{Tarball: srv.URL + "/leaf.tgz"},
				},
			},
		})
	})
	mux.HandleFunc("/leaf.tgz", func(w http.ResponseWriter, r *http.Request) {
		w.Write(tarballBytes(t, map[string]string{
			"package.json": `{"name":"leaf","version":"1.0.0"}`,
			"index.js":     "module.exports = { leaf: true };",
		}))
	})

	srv = httptest.NewServer(mux)
	return srv
}

func TestInstallTransitiveDependenciesAndBinShim(t *testing.T) {
	srv := fakeNpmRegistry(t)
	defer srv.Close()

	repo := store.New(store.NewMemoryBackend())
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)
	require.NoError(t, repo.CreateFile("p1", &nodekit.File{Path: "package.json", Content: `{"name":"project","version":"0.0.0"}`}))

	in := New(repo, registry.NewClient(srv.URL))
	err = in.Install(context.Background(), "p1", "app-dep", "^1.0.0", Options{}, nil)
	require.NoError(t, err)

	assert.True(t, repo.Exists("p1", "node_modules/app-dep/index.js"))
	assert.True(t, repo.Exists("p1", "node_modules/leaf/index.js"))
	assert.True(t, repo.Exists("p1", "node_modules/.bin/app-dep"))

	rootFile, err := repo.GetFile("p1", "package.json")
	require.NoError(t, err)
	var root nodekit.PackageJSON
	require.NoError(t, json.Unmarshal([]byte(rootFile.Content), &root))
	assert.Equal(t, "^1.0.0", root.Dependencies["app-dep"])
}

func TestInstallIdempotentReinstall(t *testing.T) {
	srv := fakeNpmRegistry(t)
	defer srv.Close()

	repo := store.New(store.NewMemoryBackend())
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)
	require.NoError(t, repo.CreateFile("p1", &nodekit.File{Path: "package.json", Content: `{"name":"project"}`}))

	in := New(repo, registry.NewClient(srv.URL))
	require.NoError(t, in.Install(context.Background(), "p1", "leaf", "^1.0.0", Options{}, nil))
	require.NoError(t, in.Install(context.Background(), "p1", "leaf", "^1.0.0", Options{}, nil))
	assert.True(t, repo.Exists("p1", "node_modules/leaf/index.js"))
}

func TestUninstallCollectsOrphans(t *testing.T) {
	srv := fakeNpmRegistry(t)
	defer srv.Close()

	repo := store.New(store.NewMemoryBackend())
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)
	require.NoError(t, repo.CreateFile("p1", &nodekit.File{Path: "package.json", Content: `{"name":"project"}`}))

	in := New(repo, registry.NewClient(srv.URL))
	require.NoError(t, in.Install(context.Background(), "p1", "app-dep", "^1.0.0", Options{}, nil))
	removed, err := in.Uninstall(context.Background(), "p1", "app-dep")
	require.NoError(t, err)

	assert.False(t, repo.Exists("p1", "node_modules/app-dep/index.js"))
	assert.False(t, repo.Exists("p1", "node_modules/leaf/index.js"))
	assert.ElementsMatch(t, []string{"app-dep", "leaf"}, removed)
}

func TestEnsureBinsForPackageStandalone(t *testing.T) {
	srv := fakeNpmRegistry(t)
	defer srv.Close()

	repo := store.New(store.NewMemoryBackend())
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)
	require.NoError(t, repo.CreateFile("p1", &nodekit.File{Path: "package.json", Content: `{"name":"project"}`}))

	in := New(repo, registry.NewClient(srv.URL))
	require.NoError(t, in.Install(context.Background(), "p1", "app-dep", "^1.0.0", Options{}, nil))
	require.NoError(t, repo.DeleteFile("p1", "node_modules/.bin/app-dep"))
	assert.False(t, repo.Exists("p1", "node_modules/.bin/app-dep"))

	require.NoError(t, in.EnsureBinsForPackage("p1", "app-dep"))
	assert.True(t, repo.Exists("p1", "node_modules/.bin/app-dep"))
}

func TestBatchProcessingBuffersWritesUntilFinish(t *testing.T) {
	srv := fakeNpmRegistry(t)
	defer srv.Close()

	repo := store.New(store.NewMemoryBackend())
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)
	require.NoError(t, repo.CreateFile("p1", &nodekit.File{Path: "package.json", Content: `{"name":"project"}`}))

	in := New(repo, registry.NewClient(srv.URL))
	in.StartBatchProcessing()
	require.NoError(t, in.Install(context.Background(), "p1", "leaf", "^1.0.0", Options{}, nil))
	assert.False(t, repo.Exists("p1", "node_modules/leaf/index.js"))

	require.NoError(t, in.FinishBatchProcessing())
	assert.True(t, repo.Exists("p1", "node_modules/leaf/index.js"))
}
