package schemacache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vektah/gqlparser/v2/ast"
)

func TestGetSchemaEmpty(t *testing.T) {
	var c Cache
	schema, version := c.GetSchema()
	assert.Nil(t, schema)
	assert.Equal(t, Version(0), version)
}

func TestSwapBumpsVersion(t *testing.T) {
	first := &ast.Schema{}
	c := New(first)

	schema, version := c.GetSchema()
	assert.Same(t, first, schema)
	assert.Equal(t, Version(1), version)

	second := &ast.Schema{}
	v := c.Swap(second)
	assert.Equal(t, Version(2), v)

	schema, version = c.GetSchema()
	assert.Same(t, second, schema)
	assert.Equal(t, Version(2), version)
}
