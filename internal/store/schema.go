package store

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidSchema = errors.New("invalid schema")

// TableSchema describes a table's key policy and secondary indexes.
// It is fixed when the table is created.
type TableSchema struct {
	Name          string
	KeyPath       string // empty: out-of-line keys
	AutoIncrement bool
	Indexes       []IndexSchema
}

// IndexSchema describes a secondary index over a table.
type IndexSchema struct {
	Name       string
	KeyPath    string
	Unique     bool
	MultiEntry bool
}

// Index returns the named index definition.
func (s TableSchema) Index(name string) (IndexSchema, bool) {
	for _, ix := range s.Indexes {
		if ix.Name == name {
			return ix, true
		}
	}
	return IndexSchema{}, false
}

func (s TableSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: table name is empty", ErrInvalidSchema)
	}
	if err := validatePath(s.KeyPath); err != nil {
		return fmt.Errorf("%w: table %q key path: %v", ErrInvalidSchema, s.Name, err)
	}
	seen := make(map[string]bool, len(s.Indexes))
	for _, ix := range s.Indexes {
		if err := ix.Validate(); err != nil {
			return fmt.Errorf("table %q: %w", s.Name, err)
		}
		if seen[ix.Name] {
			return fmt.Errorf("%w: table %q: duplicate index %q", ErrInvalidSchema, s.Name, ix.Name)
		}
		seen[ix.Name] = true
	}
	return nil
}

func (ix IndexSchema) Validate() error {
	if ix.Name == "" {
		return fmt.Errorf("%w: index name is empty", ErrInvalidSchema)
	}
	if ix.KeyPath == "" {
		return fmt.Errorf("%w: index %q has no key path", ErrInvalidSchema, ix.Name)
	}
	if err := validatePath(ix.KeyPath); err != nil {
		return fmt.Errorf("%w: index %q key path: %v", ErrInvalidSchema, ix.Name, err)
	}
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return nil
	}
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return fmt.Errorf("empty segment in %q", path)
		}
	}
	return nil
}
