package transpile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranspileTypeScript(t *testing.T) {
	pool := NewPool(2)
	res, err := pool.Transpile(context.Background(), Request{
		Code:         "const x: number = 1; export default x;",
		FilePath:     "a.ts",
		IsTypeScript: true,
	})
	require.NoError(t, err)
	assert.NotContains(t, res.Code, ": number")
}

func TestExtractDependenciesFromRequireAndImport(t *testing.T) {
	deps := extractDependencies(`
		const a = require("left-pad");
		import b from "is-odd";
		import { c } from "./local";
		export * from "shared-lib";
	`)
	assert.Contains(t, deps, "left-pad")
	assert.Contains(t, deps, "is-odd")
	assert.Contains(t, deps, "./local")
	assert.Contains(t, deps, "shared-lib")
}

func TestNormalizeCjsEsmDefaultAndNamed(t *testing.T) {
	out := normalizeCjsEsm(`import foo from "bar";
export const x = 1;
export default foo;
`)
	assert.Contains(t, out, `require("bar")`)
	assert.Contains(t, out, "exports.x = x;")
	assert.Contains(t, out, "exports.default =")
}

func TestNormalizeCjsEsmMixedDefaultAndNamedImport(t *testing.T) {
	out := normalizeCjsEsm(`import x, { y as z } from "m";
module.exports = { x, z };
`)
	assert.Contains(t, out, `require("m")`)
	assert.Contains(t, out, "const x = ")
	assert.Contains(t, out, "const { y: z } = ")
}

func TestTranspileTimeout(t *testing.T) {
	pool := NewPool(1)
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_, err := pool.Transpile(ctx, Request{Code: "1", FilePath: "a.js"})
	require.Error(t, err)
}
