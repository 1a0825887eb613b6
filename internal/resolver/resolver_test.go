package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodekit-dev/nodekit"
	"github.com/nodekit-dev/nodekit/internal/store"
)

func setupProject(t *testing.T, files ...*nodekit.File) (*store.Repository, string) {
	t.Helper()
	repo := store.New(store.NewMemoryBackend())
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)
	require.NoError(t, repo.CreateFilesBulk("p1", files))
	return repo, "p1"
}

func TestResolveCoreModule(t *testing.T) {
	repo, pid := setupProject(t)
	r := New(repo, pid)
	res, err := r.Resolve("path", "", false)
	require.NoError(t, err)
	assert.Equal(t, KindCore, res.Kind)
	assert.Equal(t, "path", res.Core)
}

func TestResolveRelativeWithExtensionProbing(t *testing.T) {
	repo, pid := setupProject(t,
		&nodekit.File{Path: "src/util.js", Type: nodekit.FileTypeFile, Content: "module.exports = {}"},
	)
	r := New(repo, pid)
	res, err := r.Resolve("./util", "src", false)
	require.NoError(t, err)
	assert.Equal(t, "src/util.js", res.Path)
}

func TestResolveDirectoryIndexFallback(t *testing.T) {
	repo, pid := setupProject(t,
		&nodekit.File{Path: "src/lib/index.js", Type: nodekit.FileTypeFile, Content: "module.exports = {}"},
	)
	r := New(repo, pid)
	res, err := r.Resolve("./lib", "src", false)
	require.NoError(t, err)
	assert.Equal(t, "src/lib/index.js", res.Path)
}

func TestResolvePackageDotSlashEdgeCase(t *testing.T) {
	// A bare "./package" specifier naming a directory must resolve the
	// directory's package.json main field, not "package.json" itself.
	repo, pid := setupProject(t,
		&nodekit.File{Path: "src/package/index.js", Type: nodekit.FileTypeFile, Content: "x"},
		&nodekit.File{Path: "src/package/package.json", Type: nodekit.FileTypeFile, Content: `{"main":"index.js"}`},
	)
	r := New(repo, pid)
	res, err := r.Resolve("./package", "src", false)
	require.NoError(t, err)
	assert.Equal(t, "src/package/index.js", res.Path)
}

func TestResolveNodeModulesWalk(t *testing.T) {
	repo, pid := setupProject(t,
		&nodekit.File{Path: "node_modules/left-pad/index.js", Type: nodekit.FileTypeFile, Content: "x"},
		&nodekit.File{Path: "node_modules/left-pad/package.json", Type: nodekit.FileTypeFile, Content: `{"main":"index.js"}`},
	)
	r := New(repo, pid)
	res, err := r.Resolve("left-pad", "src/deep/nested", false)
	require.NoError(t, err)
	assert.Equal(t, "node_modules/left-pad/index.js", res.Path)
}

func TestResolveExportsWildcard(t *testing.T) {
	repo, pid := setupProject(t,
		&nodekit.File{Path: "node_modules/pkg/lib/a.js", Type: nodekit.FileTypeFile, Content: "x"},
		&nodekit.File{Path: "node_modules/pkg/package.json", Type: nodekit.FileTypeFile,
			Content: `{"exports":{"./*":"./lib/*.js"}}`},
	)
	r := New(repo, pid)
	res, err := r.Resolve("pkg/a", "", false)
	require.NoError(t, err)
	assert.Equal(t, "node_modules/pkg/lib/a.js", res.Path)
}

func TestResolveModuleNotFound(t *testing.T) {
	repo, pid := setupProject(t)
	r := New(repo, pid)
	_, err := r.Resolve("nonexistent-pkg", "", false)
	require.Error(t, err)
}

func TestResolveJSClassifiedESMByPackageType(t *testing.T) {
	repo, pid := setupProject(t,
		&nodekit.File{Path: "src/package.json", Type: nodekit.FileTypeFile, Content: `{"type":"module"}`},
		&nodekit.File{Path: "src/util.js", Type: nodekit.FileTypeFile, Content: "export const x = 1;"},
	)
	r := New(repo, pid)
	res, err := r.Resolve("./util", "src", false)
	require.NoError(t, err)
	assert.Equal(t, KindESM, res.Kind)
}

func TestResolveJSDefaultsToCJSWithoutPackageType(t *testing.T) {
	repo, pid := setupProject(t,
		&nodekit.File{Path: "src/util.js", Type: nodekit.FileTypeFile, Content: "module.exports = {};"},
	)
	r := New(repo, pid)
	res, err := r.Resolve("./util", "src", false)
	require.NoError(t, err)
	assert.Equal(t, KindCJS, res.Kind)
}

func TestResolveBinaryFile(t *testing.T) {
	repo, pid := setupProject(t,
		&nodekit.File{Path: "src/logo.png", Type: nodekit.FileTypeFile, IsBufferArray: true, BufferContent: []byte{0x89, 0x50, 0x4e, 0x47}},
	)
	r := New(repo, pid)
	res, err := r.Resolve("./logo.png", "src", false)
	require.NoError(t, err)
	assert.Equal(t, KindBinary, res.Kind)
}

func TestResolveExportsConditionOrderByRequesterKind(t *testing.T) {
	repo, pid := setupProject(t,
		&nodekit.File{Path: "node_modules/pkg/import.js", Type: nodekit.FileTypeFile, Content: "x"},
		&nodekit.File{Path: "node_modules/pkg/require.js", Type: nodekit.FileTypeFile, Content: "x"},
		&nodekit.File{Path: "node_modules/pkg/package.json", Type: nodekit.FileTypeFile,
			Content: `{"exports":{".":{"import":"./import.js","require":"./require.js"}}}`},
	)
	r := New(repo, pid)

	res, err := r.Resolve("pkg", "", false)
	require.NoError(t, err)
	assert.Equal(t, "node_modules/pkg/require.js", res.Path)

	res, err = r.Resolve("pkg", "", true)
	require.NoError(t, err)
	assert.Equal(t, "node_modules/pkg/import.js", res.Path)
}

func TestResolveExportsNodeConditionTakesPriority(t *testing.T) {
	repo, pid := setupProject(t,
		&nodekit.File{Path: "node_modules/pkg/node.js", Type: nodekit.FileTypeFile, Content: "x"},
		&nodekit.File{Path: "node_modules/pkg/import.js", Type: nodekit.FileTypeFile, Content: "x"},
		&nodekit.File{Path: "node_modules/pkg/package.json", Type: nodekit.FileTypeFile,
			Content: `{"exports":{".":{"node":"./node.js","import":"./import.js"}}}`},
	)
	r := New(repo, pid)
	res, err := r.Resolve("pkg", "", true)
	require.NoError(t, err)
	assert.Equal(t, "node_modules/pkg/node.js", res.Path)
}
