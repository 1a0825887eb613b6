package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProjectIDFromPath(t *testing.T) {
	assert.Equal(t, "p1", projectIDFromPath("/projects/p1/install", "/install"))
	assert.Equal(t, "p1", projectIDFromPath("/projects/p1/execute", "/execute"))
	assert.Equal(t, "", projectIDFromPath("/not-projects/p1", "/install"))
}

func TestSplitPackagePath(t *testing.T) {
	id, pkg := splitPackagePath("/projects/p1/packages/left-pad")
	assert.Equal(t, "p1", id)
	assert.Equal(t, "left-pad", pkg)

	id, pkg = splitPackagePath("/projects/p1/packages/@scope/name")
	assert.Equal(t, "p1", id)
	assert.Equal(t, "@scope/name", pkg)
}
