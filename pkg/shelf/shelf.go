// Package shelf is a convenience handle over a versioned, transactional
// key-value object store. A Handle is bound to one named database and one
// current table; it drives the open/upgrade lifecycle and exposes simple
// record operations, each running in its own short-lived transaction.
package shelf

import (
	"errors"
	"fmt"
	"time"

	"shelf/internal/store"
	boltstore "shelf/internal/store/bolt"
)

type (
	Key     = store.Key
	Record  = store.Record
	Conn    = store.Conn
	Factory = store.Factory
)

var (
	ErrNotOpen   = errors.New("database not yet open")
	ErrNotFound  = errors.New("the query failed, no data was retrieved")
	ErrNoEntries = errors.New("no more entries found")
	ErrNotRecord = errors.New("partial data is not a record")

	ErrInvalidConfig = errors.New("invalid config")

	// Engine errors, forwarded wrapped.
	ErrBlocked     = store.ErrBlocked
	ErrVersion     = store.ErrVersion
	ErrConstraint  = store.ErrConstraint
	ErrInvalidKey  = store.ErrInvalidKey
	ErrNoSuchTable = store.ErrNoSuchTable
	ErrNoSuchIndex = store.ErrNoSuchIndex
	ErrClosed      = store.ErrClosed
)

// wrapField is the field primitives and slices are stored under, since
// the engine only stores records.
const wrapField = "items"

// NewBoltFactory returns the embedded bbolt engine rooted at dir.
func NewBoltFactory(dir string, openTimeout time.Duration) (Factory, error) {
	return boltstore.New(dir, boltstore.Options{OpenTimeout: openTimeout})
}

// Mode selects insert or upsert semantics for AddOrUpdate.
type Mode int

const (
	ModeAdd Mode = iota
	ModePut
)

func (m Mode) String() string {
	switch m {
	case ModeAdd:
		return "add"
	case ModePut:
		return "put"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "add":
		return ModeAdd, nil
	case "put":
		return ModePut, nil
	}
	return 0, fmt.Errorf("unknown mode %q (want add or put)", s)
}

// State is the connection state of a Handle.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateFailed
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	case StateBlocked:
		return "blocked"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IndexDef defines a secondary index created with its table.
type IndexDef struct {
	Name       string `json:"name"`
	KeyPath    string `json:"key_path"`
	Unique     bool   `json:"unique,omitempty"`
	MultiEntry bool   `json:"multi_entry,omitempty"`
}

// TableConfig is the current table definition. KeyPath "" means keys
// are generated (or supplied out of line) rather than read from records.
type TableConfig struct {
	Name          string
	KeyPath       string
	AutoIncrement bool
	Indexes       []IndexDef
}

type Config struct {
	Name    string
	Version uint64
	Table   TableConfig
}

// NewConfig returns a config with the default table policy:
// auto-increment keys, no key path, no indexes, version 1.
func NewConfig(db, table string) Config {
	return Config{
		Name:    db,
		Version: 1,
		Table:   TableConfig{Name: table, AutoIncrement: true},
	}
}

func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidConfig)
	}
	if c.Version == 0 {
		return fmt.Errorf("%w: version must be at least 1", ErrInvalidConfig)
	}
	if err := c.Table.schema().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (t TableConfig) schema() store.TableSchema {
	s := store.TableSchema{
		Name:          t.Name,
		KeyPath:       t.KeyPath,
		AutoIncrement: t.AutoIncrement,
	}
	for _, ix := range t.Indexes {
		s.Indexes = append(s.Indexes, store.IndexSchema(ix))
	}
	return s
}

// clone returns a copy that shares no slices with c.
func (c Config) clone() Config {
	c.Table.Indexes = append([]IndexDef(nil), c.Table.Indexes...)
	return c
}
