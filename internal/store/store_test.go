package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodekit-dev/nodekit"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	return New(NewMemoryBackend())
}

func TestCreateProjectDuplicateIDFails(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)

	_, err = repo.CreateProject("p1", "demo", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, nodekit.NewError(nodekit.KindAlreadyExists, "", nil))
}

func TestCreateFilesBulkAtomicAndListable(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)

	err = repo.CreateFilesBulk("p1", []*nodekit.File{
		{Path: "node_modules/lodash/index.js", Type: nodekit.FileTypeFile, Content: "module.exports = {}"},
		{Path: "node_modules/lodash/package.json", Type: nodekit.FileTypeFile, Content: `{"name":"lodash"}`},
	})
	require.NoError(t, err)

	files, err := repo.ListFiles("p1", "node_modules/lodash")
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.True(t, repo.Exists("p1", "node_modules/lodash/package.json"))
}

func TestGetFileNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)

	_, err = repo.GetFile("p1", "missing.js")
	require.Error(t, err)
	assert.ErrorIs(t, err, nodekit.NewError(nodekit.KindNotFound, "", nil))
}

func TestDeleteFile(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)
	require.NoError(t, repo.CreateFile("p1", &nodekit.File{Path: "a.js", Content: "1"}))
	require.NoError(t, repo.DeleteFile("p1", "a.js"))
	assert.False(t, repo.Exists("p1", "a.js"))
}

func TestAddChangeListenerFiresCreateThenUpdate(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)

	var events []ChangeEvent
	unsubscribe := repo.AddChangeListener(func(ev ChangeEvent) { events = append(events, ev) })
	defer unsubscribe()

	require.NoError(t, repo.CreateFile("p1", &nodekit.File{Path: "a.js", Content: "1"}))
	require.NoError(t, repo.UpdateFileContent("p1", "a.js", "2"))

	require.Len(t, events, 2)
	assert.Equal(t, "create", events[0].Type)
	assert.Equal(t, "update", events[1].Type)
	assert.Equal(t, "a.js", events[0].Path)
}

func TestAddChangeListenerUnsubscribeStopsDelivery(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)

	var count int
	unsubscribe := repo.AddChangeListener(func(ChangeEvent) { count++ })
	unsubscribe()

	require.NoError(t, repo.CreateFile("p1", &nodekit.File{Path: "a.js", Content: "1"}))
	assert.Equal(t, 0, count)
}

func TestUpdateFileContent(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)
	require.NoError(t, repo.CreateFile("p1", &nodekit.File{Path: "a.js", Content: "1"}))

	require.NoError(t, repo.UpdateFileContent("p1", "a.js", "2"))
	f, err := repo.GetFile("p1", "a.js")
	require.NoError(t, err)
	assert.Equal(t, "2", f.Content)
}

func TestSaveFile(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)

	require.NoError(t, repo.SaveFile("p1", &nodekit.File{Path: "a.js", Content: "1"}))
	f, err := repo.GetFile("p1", "a.js")
	require.NoError(t, err)
	assert.Equal(t, "a.js", f.ID)
}

func TestCreateEmptyProjectAndGetProjects(t *testing.T) {
	repo := newTestRepo(t)
	p1, err := repo.CreateEmptyProject("demo")
	require.NoError(t, err)
	_, err = repo.CreateEmptyProject("demo2")
	require.NoError(t, err)

	projects := repo.GetProjects()
	assert.Len(t, projects, 2)
	assert.NotEmpty(t, p1.ID)
}

func TestUpdateProject(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)

	updated, err := repo.UpdateProject("p1", "renamed", "new description")
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "new description", updated.Description)
}

func TestDeleteProjectCascadesFiles(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CreateProject("p1", "demo", "")
	require.NoError(t, err)
	require.NoError(t, repo.CreateFile("p1", &nodekit.File{Path: "a.js", Content: "1"}))

	require.NoError(t, repo.DeleteProject("p1"))
	_, err = repo.GetProject("p1")
	require.Error(t, err)
	assert.False(t, repo.Exists("p1", "a.js"))
}
