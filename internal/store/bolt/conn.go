package bolt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"shelf/internal/store"
)

// Conn implements store.Conn. The schema snapshot is taken at open time;
// it cannot change while the connection is open because upgrades wait
// for every other connection to close.
type Conn struct {
	f       *Factory
	sh      *sharedDB
	id      string
	name    string
	dbID    string
	version uint64
	schemas map[string]store.TableSchema
	names   []string

	mu     sync.RWMutex
	closed bool

	vcMu sync.Mutex
	onVC store.VersionChangeFunc
}

func newConn(f *Factory, sh *sharedDB, name string) (*Conn, error) {
	c := &Conn{
		f:    f,
		sh:   sh,
		id:   uuid.New().String(),
		name: name,
	}
	err := sh.db.View(func(tx *bolt.Tx) error {
		c.version, c.dbID = readMeta(tx)
		var err error
		c.schemas, err = loadSchemas(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	for n := range c.schemas {
		c.names = append(c.names, n)
	}
	sort.Strings(c.names)
	return c, nil
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) Name() string       { return c.name }
func (c *Conn) Version() uint64    { return c.version }
func (c *Conn) DatabaseID() string { return c.dbID }

// TableNames returns the tables present when the connection was opened.
func (c *Conn) TableNames() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

func (c *Conn) Schema(table string) (store.TableSchema, bool) {
	s, ok := c.schemas[table]
	return s, ok
}

// View runs fn in a read-only transaction.
func (c *Conn) View(fn func(store.Tx) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return store.ErrClosed
	}
	return c.sh.db.View(func(tx *bolt.Tx) error {
		return fn(&txn{tx: tx, schemas: c.schemas})
	})
}

// Update runs fn in a read-write transaction. An error from fn rolls
// the transaction back.
func (c *Conn) Update(fn func(store.Tx) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return store.ErrClosed
	}
	return c.sh.db.Update(func(tx *bolt.Tx) error {
		return fn(&txn{tx: tx, schemas: c.schemas})
	})
}

func (c *Conn) OnVersionChange(fn store.VersionChangeFunc) {
	c.vcMu.Lock()
	c.onVC = fn
	c.vcMu.Unlock()
}

func (c *Conn) fireVersionChange(oldVersion, newVersion uint64) {
	c.vcMu.Lock()
	fn := c.onVC
	c.vcMu.Unlock()
	if fn != nil {
		fn(oldVersion, newVersion)
	}
}

// Close waits for in-flight transactions and releases the connection.
// Closing twice is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.f.detach(c)
	logger.Debug("connection closed", "db", c.name, "conn", c.id)
	return nil
}

// txn implements store.Tx over a bolt transaction.
type txn struct {
	tx      *bolt.Tx
	schemas map[string]store.TableSchema
}

func (t *txn) Table(name string) (store.Table, error) {
	s, ok := t.schemas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrNoSuchTable, name)
	}
	return &table{tx: t.tx, schema: s}, nil
}

// upgradeTx implements store.UpgradeTx. It works on its own copy of the
// schema map; the connection reloads schemas after the commit.
type upgradeTx struct {
	txn
}

func (u *upgradeTx) HasTable(name string) bool {
	_, ok := u.schemas[name]
	return ok
}

func (u *upgradeTx) CreateTable(name, keyPath string, autoIncrement bool) (store.Table, error) {
	s := store.TableSchema{Name: name, KeyPath: keyPath, AutoIncrement: autoIncrement}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if u.HasTable(name) {
		return nil, fmt.Errorf("%w: %q", store.ErrTableExists, name)
	}
	tb, err := u.tx.CreateBucket(tableBucketName(name))
	if err != nil {
		return nil, fmt.Errorf("creating table %q: %w", name, err)
	}
	if _, err := tb.CreateBucket(recordsBucket); err != nil {
		return nil, fmt.Errorf("creating table %q: %w", name, err)
	}
	if err := putTableMeta(u.tx, s); err != nil {
		return nil, err
	}
	u.schemas[name] = s
	logger.Debug("table created", "table", name, "key_path", keyPath, "auto_increment", autoIncrement)
	return &table{tx: u.tx, schema: s}, nil
}

// CreateIndex adds ix to table and indexes the records already stored.
func (u *upgradeTx) CreateIndex(tableName string, ix store.IndexSchema) error {
	if err := ix.Validate(); err != nil {
		return err
	}
	s, ok := u.schemas[tableName]
	if !ok {
		return fmt.Errorf("%w: %q", store.ErrNoSuchTable, tableName)
	}
	if _, exists := s.Index(ix.Name); exists {
		return fmt.Errorf("%w: %q on %q", store.ErrIndexExists, ix.Name, tableName)
	}
	tb := u.tx.Bucket(tableBucketName(tableName))
	if _, err := tb.CreateBucket(indexBucketName(ix.Name)); err != nil {
		return fmt.Errorf("creating index %q: %w", ix.Name, err)
	}
	if err := putIndexMeta(u.tx, tableName, ix); err != nil {
		return err
	}
	s.Indexes = append(append([]store.IndexSchema(nil), s.Indexes...), ix)
	u.schemas[tableName] = s

	t := &table{tx: u.tx, schema: s}
	err := t.records().ForEach(func(k, v []byte) error {
		rec, err := store.DecodeRecord(v)
		if err != nil {
			return err
		}
		return t.addIndexEntries(ix, rec, append([]byte(nil), k...))
	})
	if err != nil {
		return fmt.Errorf("populating index %q: %w", ix.Name, err)
	}
	logger.Debug("index created", "table", tableName, "index", ix.Name, "key_path", ix.KeyPath)
	return nil
}
