package shelf

import (
	"errors"
	"fmt"
	"sync"

	"shelf/internal/logging"
	"shelf/internal/store"
)

var logger = logging.For("shelf")

// Option configures a Handle.
type Option func(*Handle)

// WithOnBlocked installs the hook run when an open is blocked by other
// connections to the same database. Hosts that can restart themselves
// use it to force a restart; the open still fails with ErrBlocked.
func WithOnBlocked(fn func(db string)) Option {
	return func(h *Handle) { h.onBlocked = fn }
}

// WithCloseOnVersionChange makes the handle close its connection when
// another opener upgrades or deletes the database, instead of blocking it.
func WithCloseOnVersionChange() Option {
	return func(h *Handle) { h.closeOnVersionChange = true }
}

// Handle manages one connection to a named database and runs record
// operations against its current table. It is safe for concurrent use.
type Handle struct {
	factory              store.Factory
	onBlocked            func(db string)
	closeOnVersionChange bool

	mu    sync.RWMutex
	cfg   Config
	conn  store.Conn
	state State
}

// New returns a closed handle. Call Open before any table operation.
func New(factory store.Factory, cfg Config, opts ...Option) (*Handle, error) {
	if factory == nil {
		return nil, errors.New("nil factory")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Handle{factory: factory, cfg: cfg.clone()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Config returns a copy of the current configuration.
func (h *Handle) Config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg.clone()
}

func (h *Handle) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Open opens the database, creating it if needed. Without upgrade it opens
// at the stored version; with upgrade it opens at the configured version,
// creating the configured table and its indexes when the version is new.
// Opening an open handle returns the existing connection.
func (h *Handle) Open(upgrade bool) (Conn, error) {
	h.mu.Lock()
	conn, err := h.openLocked(upgrade)
	blocked := h.state == StateBlocked
	db := h.cfg.Name
	h.mu.Unlock()

	if blocked && h.onBlocked != nil {
		h.onBlocked(db)
	}
	return conn, err
}

func (h *Handle) openLocked(upgrade bool) (Conn, error) {
	if h.conn != nil {
		return h.conn, nil
	}
	h.state = StateOpening

	var version uint64
	if upgrade {
		version = h.cfg.Version
	}
	conn, err := h.factory.Open(h.cfg.Name, version, createTable(h.cfg.Table))
	if err != nil {
		if errors.Is(err, store.ErrBlocked) {
			h.state = StateBlocked
			logger.Warn("open blocked", "db", h.cfg.Name, "version", version)
		} else {
			h.state = StateFailed
			logger.Error("open failed", "db", h.cfg.Name, "version", version, "err", err)
		}
		return nil, fmt.Errorf("opening %s: %w", h.cfg.Name, err)
	}

	if h.closeOnVersionChange {
		conn.OnVersionChange(func(oldVersion, newVersion uint64) {
			logger.Info("version change requested, closing", "db", conn.Name(), "from", oldVersion, "to", newVersion)
			h.release(conn)
		})
	}
	h.conn = conn
	h.state = StateOpen
	logger.Debug("opened", "db", h.cfg.Name, "version", conn.Version(), "tables", conn.TableNames())
	return conn, nil
}

// createTable returns the upgrade step creating t and its indexes when
// t is not already present. Existing tables are left untouched.
func createTable(t TableConfig) store.UpgradeFunc {
	schema := t.schema()
	return func(tx store.UpgradeTx, oldVersion, newVersion uint64) error {
		if tx.HasTable(schema.Name) {
			return nil
		}
		if _, err := tx.CreateTable(schema.Name, schema.KeyPath, schema.AutoIncrement); err != nil {
			return err
		}
		for _, ix := range schema.Indexes {
			if err := tx.CreateIndex(schema.Name, ix); err != nil {
				return err
			}
		}
		return nil
	}
}

// Close closes the connection. Closing a closed handle is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *Handle) closeLocked() error {
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	h.state = StateClosed
	return err
}

// release closes conn if it is still the handle's connection.
func (h *Handle) release(conn store.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == conn {
		_ = h.closeLocked()
	}
}

// UpdateVersion replaces the table configuration, closes the connection
// and reopens at version, creating the new table and indexes if absent.
func (h *Handle) UpdateVersion(version uint64, table TableConfig) (Conn, error) {
	h.mu.Lock()
	next := Config{Name: h.cfg.Name, Version: version, Table: table}.clone()
	if err := next.Validate(); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	current := h.cfg.Version
	if h.conn != nil {
		current = max(current, h.conn.Version())
	}
	if version < current {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %d < %d", store.ErrVersion, version, current)
	}

	h.cfg = next
	_ = h.closeLocked()
	conn, err := h.openLocked(true)
	blocked := h.state == StateBlocked
	h.mu.Unlock()

	if blocked && h.onBlocked != nil {
		h.onBlocked(next.Name)
	}
	if err == nil {
		logger.Info("version updated", "db", next.Name, "version", conn.Version(), "table", table.Name)
	}
	return conn, err
}

// DeleteDB deletes the named database. The handle's own connection is
// closed first when name is its database; other open connections make
// the delete fail with ErrBlocked.
func (h *Handle) DeleteDB(name string) error {
	h.mu.Lock()
	if name == h.cfg.Name {
		_ = h.closeLocked()
	}
	h.mu.Unlock()

	if err := h.factory.DeleteDatabase(name); err != nil {
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	return nil
}

// current returns the open connection and the config it was opened with.
func (h *Handle) current() (store.Conn, Config, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.conn == nil {
		return nil, Config{}, ErrNotOpen
	}
	return h.conn, h.cfg, nil
}
