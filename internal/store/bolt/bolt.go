package bolt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"shelf/internal/logging"
	"shelf/internal/store"
)

var logger = logging.For("store")

// DefaultOpenTimeout bounds how long Open waits for another process to
// release a database file.
const DefaultOpenTimeout = 5 * time.Second

const fileExt = ".db"

type Options struct {
	OpenTimeout time.Duration
}

// Factory implements store.Factory with one bbolt file per database,
// kept under a single directory.
type Factory struct {
	dir  string
	opts Options

	mu  sync.Mutex
	dbs map[string]*sharedDB
}

// sharedDB is one bbolt handle shared by all connections to a database
// within this process. pending counts opens in progress. A discarded
// handle has its file removed once idle.
type sharedDB struct {
	db      *bolt.DB
	conns   map[*Conn]struct{}
	pending int
	discard bool
}

// New creates a factory rooted at dir, creating the directory if needed.
func New(dir string, opts Options) (*Factory, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultOpenTimeout
	}
	return &Factory{
		dir:  dir,
		opts: opts,
		dbs:  make(map[string]*sharedDB),
	}, nil
}

// Dir returns the directory holding the database files.
func (f *Factory) Dir() string {
	return f.dir
}

func (f *Factory) path(name string) string {
	return filepath.Join(f.dir, name+fileExt)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid database name %q", name)
	}
	return nil
}

// Open opens or creates the named database. See store.Factory.
func (f *Factory) Open(name string, version uint64, upgrade store.UpgradeFunc) (store.Conn, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	sh, err := f.acquire(name)
	if err != nil {
		return nil, err
	}
	defer f.release(name, sh)

	stored, err := readVersion(sh.db)
	if err != nil {
		return nil, err
	}
	target := version
	if target == 0 {
		target = max(stored, 1)
	}
	if target < stored {
		return nil, fmt.Errorf("%w: %d < %d", store.ErrVersion, target, stored)
	}

	if target > stored && len(sh.conns) > 0 {
		others := sh.openConns()
		f.mu.Unlock()
		for _, c := range others {
			c.fireVersionChange(stored, target)
		}
		f.mu.Lock()
		if len(sh.conns) > 0 {
			logger.Warn("open blocked", "db", name, "version", target, "open_conns", len(sh.conns))
			return nil, fmt.Errorf("%w: %s has %d open connection(s)", store.ErrBlocked, name, len(sh.conns))
		}
		if stored, err = readVersion(sh.db); err != nil {
			return nil, err
		}
		if target < stored {
			return nil, fmt.Errorf("%w: %d < %d", store.ErrVersion, target, stored)
		}
	}

	if target > stored {
		if err := runUpgrade(sh.db, stored, target, upgrade); err != nil {
			if stored == 0 {
				// A database whose creating upgrade fails does not exist.
				sh.discard = true
			}
			return nil, err
		}
		logger.Info("database upgraded", "db", name, "from", stored, "to", target)
	}

	c, err := newConn(f, sh, name)
	if err != nil {
		return nil, err
	}
	sh.conns[c] = struct{}{}
	logger.Debug("connection opened", "db", name, "conn", c.id, "version", c.version)
	return c, nil
}

// DeleteDatabase removes the named database. Open connections are asked
// to close first; if any stay open, or another process holds the file
// past the open timeout, the delete fails with store.ErrBlocked.
// Deleting a database that does not exist succeeds.
func (f *Factory) DeleteDatabase(name string) error {
	if err := validName(name); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if sh := f.dbs[name]; sh != nil && len(sh.conns) > 0 {
		others := sh.openConns()
		old := others[0].version
		f.mu.Unlock()
		for _, c := range others {
			c.fireVersionChange(old, 0)
		}
		f.mu.Lock()
	}
	if sh := f.dbs[name]; sh != nil {
		logger.Warn("delete blocked", "db", name, "open_conns", len(sh.conns))
		return fmt.Errorf("%w: %s is in use", store.ErrBlocked, name)
	}

	path := f.path(name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	// Another process may hold the file; take its lock before unlinking.
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: f.opts.OpenTimeout})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			logger.Warn("delete blocked", "db", name, "reason", "locked by another process")
			return fmt.Errorf("%w: %s is locked by another process", store.ErrBlocked, name)
		}
		return fmt.Errorf("opening bolt db: %w", err)
	}
	rmErr := os.Remove(path)
	if err := db.Close(); err != nil {
		logger.Error("closing bolt db", "db", name, "err", err)
	}
	if rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("deleting database %s: %w", name, rmErr)
	}
	logger.Info("database deleted", "db", name)
	return nil
}

// Databases lists the database names present in the factory directory.
func (f *Factory) Databases() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileExt))
	}
	sort.Strings(names)
	return names, nil
}

// acquire returns the shared handle for name, opening the file if needed,
// and marks an open in progress. Callers hold f.mu.
func (f *Factory) acquire(name string) (*sharedDB, error) {
	sh := f.dbs[name]
	if sh == nil {
		db, err := bolt.Open(f.path(name), 0600, &bolt.Options{Timeout: f.opts.OpenTimeout})
		if err != nil {
			if errors.Is(err, berrors.ErrTimeout) {
				return nil, fmt.Errorf("%w: %s is locked by another process", store.ErrBlocked, name)
			}
			return nil, fmt.Errorf("opening bolt db: %w", err)
		}
		sh = &sharedDB{db: db, conns: make(map[*Conn]struct{})}
		f.dbs[name] = sh
	}
	sh.pending++
	return sh, nil
}

// release ends an open in progress. Callers hold f.mu.
func (f *Factory) release(name string, sh *sharedDB) {
	sh.pending--
	f.closeIfIdle(name, sh)
}

// detach removes a closed connection from its shared handle.
func (f *Factory) detach(c *Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(c.sh.conns, c)
	f.closeIfIdle(c.name, c.sh)
}

func (f *Factory) closeIfIdle(name string, sh *sharedDB) {
	if len(sh.conns) > 0 || sh.pending > 0 {
		return
	}
	if err := sh.db.Close(); err != nil {
		logger.Error("closing bolt db", "db", name, "err", err)
	}
	if f.dbs[name] == sh {
		delete(f.dbs, name)
	}
	if sh.discard {
		if err := os.Remove(f.path(name)); err != nil && !os.IsNotExist(err) {
			logger.Error("removing failed database", "db", name, "err", err)
			return
		}
		logger.Info("database discarded", "db", name, "reason", "first upgrade failed")
	}
}

func (sh *sharedDB) openConns() []*Conn {
	out := make([]*Conn, 0, len(sh.conns))
	for c := range sh.conns {
		out = append(out, c)
	}
	return out
}
