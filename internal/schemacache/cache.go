// Package schemacache holds the latest GraphQL schema behind an atomic
// pointer so every dispatch reads a consistent (schema, version) pair
// without locking.
package schemacache

import (
	"sync/atomic"

	"github.com/vektah/gqlparser/v2/ast"
)

// Version identifies one schema generation. It increases on every swap.
type Version uint64

type entry struct {
	schema  *ast.Schema
	version Version
}

// Cache is the schema accessor injected into the server environment.
type Cache struct {
	current atomic.Pointer[entry]
	counter atomic.Uint64
}

// New creates a cache seeded with the given schema at version 1.
func New(schema *ast.Schema) *Cache {
	c := &Cache{}
	c.Swap(schema)
	return c
}

// GetSchema returns the latest schema and its version.
func (c *Cache) GetSchema() (*ast.Schema, Version) {
	e := c.current.Load()
	if e == nil {
		return nil, 0
	}
	return e.schema, e.version
}

// Swap installs a new schema and returns its version.
func (c *Cache) Swap(schema *ast.Schema) Version {
	v := Version(c.counter.Add(1))
	c.current.Store(&entry{schema: schema, version: v})
	return v
}
