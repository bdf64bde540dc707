package store

import "errors"

// The engine contract mirrors a browser object store: named versioned
// databases holding tables with a key policy and secondary indexes.
// The initial implementation uses bbolt; the interfaces allow swapping
// the backing engine without touching the handle layer.

var (
	ErrInvalidKey  = errors.New("invalid key")
	ErrConstraint  = errors.New("constraint violation")
	ErrReadOnly    = errors.New("transaction is read-only")
	ErrNoSuchTable = errors.New("no such table")
	ErrNoSuchIndex = errors.New("no such index")
	ErrTableExists = errors.New("table already exists")
	ErrIndexExists = errors.New("index already exists")
	ErrClosed      = errors.New("connection closed")
	ErrVersion     = errors.New("requested version is lower than stored version")
	ErrBlocked     = errors.New("open blocked by other connections")
)

// UpgradeFunc runs inside the version-change transaction when a database
// is opened at a version newer than the stored one. Returning an error
// aborts the upgrade; the stored version is left unchanged.
type UpgradeFunc func(tx UpgradeTx, oldVersion, newVersion uint64) error

// VersionChangeFunc is delivered to open connections when another opener
// wants to upgrade (newVersion > 0) or delete (newVersion == 0) the database.
type VersionChangeFunc func(oldVersion, newVersion uint64)

// Factory opens and deletes named databases.
type Factory interface {
	// Open opens name at version. Version 0 opens at the stored version,
	// creating the database at version 1 if it does not exist.
	Open(name string, version uint64, upgrade UpgradeFunc) (Conn, error)
	DeleteDatabase(name string) error
	Databases() ([]string, error)
}

// Conn is an open connection to one database.
type Conn interface {
	ID() string
	Name() string
	DatabaseID() string
	Version() uint64
	TableNames() []string
	Schema(table string) (TableSchema, bool)
	View(fn func(Tx) error) error
	Update(fn func(Tx) error) error
	OnVersionChange(fn VersionChangeFunc)
	Close() error
}

type Tx interface {
	Table(name string) (Table, error)
}

// UpgradeTx is the transaction handed to an UpgradeFunc. It is the only
// place where tables and indexes can be created.
type UpgradeTx interface {
	Tx
	HasTable(name string) bool
	CreateTable(name, keyPath string, autoIncrement bool) (Table, error)
	CreateIndex(table string, ix IndexSchema) error
}

type Table interface {
	Name() string
	Schema() TableSchema
	// Get returns nil, nil when no record is stored under key.
	Get(key Key) (Record, error)
	GetAll() ([]Record, error)
	Count() (int, error)
	// Add stores rec, failing with ErrConstraint if its key is taken.
	// key is the out-of-line key and must be nil for in-line tables.
	Add(rec Record, key Key) (Key, error)
	// Put stores rec, replacing any record under the same key.
	Put(rec Record, key Key) (Key, error)
	Delete(key Key) error
	Index(name string) (Index, error)
}

type Index interface {
	Name() string
	Schema() IndexSchema
	// Get returns the first record, in primary-key order, whose index
	// value equals value. It returns nil, nil when nothing matches.
	Get(value Key) (Record, error)
	GetAll(value Key) ([]Record, error)
	Count(value Key) (int, error)
}
