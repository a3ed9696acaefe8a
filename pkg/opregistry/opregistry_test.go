package opregistry_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/require"

	"github.com/opencall/core/pkg/opregistry"
)

func compileSchema(t *testing.T, name, raw string) *jsonschema.Schema {
	t.Helper()
	c := jsonschema.NewCompiler()
	require.NoError(t, c.AddResource(name, bytes.NewReader([]byte(raw))))
	s, err := c.Compile(name)
	require.NoError(t, err)
	return s
}

func TestRegistry_FreezeThenDeclarePanics(t *testing.T) {
	reg := opregistry.New()
	schema := compileSchema(t, "x.json", `{"type":"object"}`)
	reg.Declare(opregistry.OperationRecord{
		Op:            "v1:x.y",
		ArgsSchema:    schema,
		ArgsSchemaRaw: json.RawMessage(`{"type":"object"}`),
	})
	require.NoError(t, reg.Freeze("2026-01-01"))

	require.Panics(t, func() {
		reg.Declare(opregistry.OperationRecord{Op: "v1:x.z"})
	})
}

func TestRegistry_DuplicateDeclarePanics(t *testing.T) {
	reg := opregistry.New()
	reg.Declare(opregistry.OperationRecord{Op: "v1:dup.op"})
	require.Panics(t, func() {
		reg.Declare(opregistry.OperationRecord{Op: "v1:dup.op"})
	})
}

func TestRegistry_DescribeIfNoneMatch(t *testing.T) {
	reg := opregistry.New()
	reg.Declare(opregistry.OperationRecord{
		Op:             "v1:catalog.list",
		RequiredScopes: []string{"catalog:read"},
	})
	require.NoError(t, reg.Freeze("2026-01-01"))

	body, etag, ok := reg.DescribeIfNoneMatch("")
	require.True(t, ok)
	require.NotEmpty(t, body)
	require.NotEmpty(t, etag)

	_, _, ok = reg.DescribeIfNoneMatch(etag)
	require.False(t, ok)
}

func TestRegistry_FreezeIsDeterministic(t *testing.T) {
	build := func() *opregistry.Registry {
		reg := opregistry.New()
		reg.Declare(opregistry.OperationRecord{Op: "v1:a.b", RequiredScopes: []string{"a:read"}})
		reg.Declare(opregistry.OperationRecord{Op: "v1:c.d", RequiredScopes: []string{"c:write"}})
		require.NoError(t, reg.Freeze("2026-01-01"))
		return reg
	}

	r1, r2 := build(), build()
	_, etag1 := r1.Describe()
	_, etag2 := r2.Describe()
	require.Equal(t, etag1, etag2)
}

func TestRegistry_RequiredScopesOnlyValidAfterFreeze(t *testing.T) {
	reg := opregistry.New()
	reg.Declare(opregistry.OperationRecord{Op: "v1:a.b", RequiredScopes: []string{"a:read"}})

	_, ok := reg.RequiredScopes("v1:a.b")
	require.False(t, ok)

	require.NoError(t, reg.Freeze("2026-01-01"))
	scopes, ok := reg.RequiredScopes("v1:a.b")
	require.True(t, ok)
	require.Equal(t, []string{"a:read"}, scopes)
}

func TestRegistry_FreezeRejectsOlderOrEqualReplacementMajor(t *testing.T) {
	reg := opregistry.New()
	reg.Declare(opregistry.OperationRecord{
		Op:          "v2:item.removed",
		Sunset:      "2000-01-01",
		Replacement: "v1:item.removed",
	})
	err := reg.Freeze("2026-01-01")
	require.Error(t, err)
}

func TestRegistry_FreezeAcceptsNewerReplacementMajor(t *testing.T) {
	reg := opregistry.New()
	reg.Declare(opregistry.OperationRecord{
		Op:          "v1:item.removed",
		Sunset:      "2000-01-01",
		Replacement: "v2:item.removed",
	})
	require.NoError(t, reg.Freeze("2026-01-01"))
}

func TestMajorVersion(t *testing.T) {
	v, err := opregistry.MajorVersion("v3:catalog.list")
	require.NoError(t, err)
	require.Equal(t, uint64(3), v.Major())

	_, err = opregistry.MajorVersion("catalog.list")
	require.Error(t, err)
}
