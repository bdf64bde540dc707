package shelf

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"shelf/internal/store"
)

// Table runs record operations against one table of a Handle's database.
type Table struct {
	h    *Handle
	name string
}

// In returns operations bound to the named table instead of the
// configured one.
func (h *Handle) In(table string) *Table {
	return &Table{h: h, name: table}
}

func (h *Handle) AddOrUpdate(mode Mode, data any) (Key, error) {
	return h.In("").AddOrUpdate(mode, data)
}

func (h *Handle) UpdateData(id Key, partial any) (Key, error) {
	return h.In("").UpdateData(id, partial)
}

func (h *Handle) QueryIndex(id Key) (Record, error) {
	return h.In("").QueryIndex(id)
}

func (h *Handle) IndexQuery(index string, value Key) (Record, error) {
	return h.In("").IndexQuery(index, value)
}

func (h *Handle) IndexQueryAll(index string, value Key) ([]Record, error) {
	return h.In("").IndexQueryAll(index, value)
}

func (h *Handle) IndexCount(index string, value Key) (int, error) {
	return h.In("").IndexCount(index, value)
}

func (h *Handle) ReadAll() ([]Record, error) {
	return h.In("").ReadAll()
}

func (h *Handle) Remove(id Key) error {
	return h.In("").Remove(id)
}

func (h *Handle) Count() (int, error) {
	return h.In("").Count()
}

// resolve returns the connection and the table name to operate on.
func (t *Table) resolve() (store.Conn, string, error) {
	conn, cfg, err := t.h.current()
	if err != nil {
		return nil, "", err
	}
	if t.name != "" {
		return conn, t.name, nil
	}
	return conn, cfg.Table.Name, nil
}

func (t *Table) view(fn func(store.Table) error) error {
	conn, name, err := t.resolve()
	if err != nil {
		return err
	}
	return conn.View(func(tx store.Tx) error {
		tb, err := tx.Table(name)
		if err != nil {
			return err
		}
		return fn(tb)
	})
}

func (t *Table) update(fn func(store.Table) error) error {
	conn, name, err := t.resolve()
	if err != nil {
		return err
	}
	return conn.Update(func(tx store.Tx) error {
		tb, err := tx.Table(name)
		if err != nil {
			return err
		}
		return fn(tb)
	})
}

// AddOrUpdate inserts (ModeAdd) or upserts (ModePut) data and returns its
// key. Records are stored as they are; any other payload, including a
// slice of records, is stored wrapped as {"items": data}.
func (t *Table) AddOrUpdate(mode Mode, data any) (Key, error) {
	rec, err := envelope(data)
	if err != nil {
		return nil, err
	}
	var key Key
	err = t.update(func(tb store.Table) error {
		var err error
		switch mode {
		case ModeAdd:
			key, err = tb.Add(rec, nil)
		case ModePut:
			key, err = tb.Put(rec, nil)
		default:
			err = fmt.Errorf("unknown mode %v", mode)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mode, err)
	}
	return key, nil
}

func envelope(data any) (Record, error) {
	v, err := store.Normalize(data)
	if err != nil {
		return nil, err
	}
	if rec, ok := v.(map[string]any); ok {
		return rec, nil
	}
	return Record{wrapField: v}, nil
}

// UpdateData shallow-merges the top-level fields of partial into the
// record stored under id and writes it back in the same transaction.
func (t *Table) UpdateData(id Key, partial any) (Key, error) {
	patch, ok, err := store.NormalizeRecord(partial)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotRecord, partial)
	}
	var key Key
	err = t.update(func(tb store.Table) error {
		cur, err := tb.Get(id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("%w: no record with id %v", ErrNotFound, id)
		}
		for k, v := range patch {
			cur[k] = v
		}
		var outOfLine Key
		if tb.Schema().KeyPath == "" {
			outOfLine = id
		}
		key, err = tb.Put(cur, outOfLine)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update %v: %w", id, err)
	}
	return key, nil
}

// QueryIndex returns the record stored under id.
func (t *Table) QueryIndex(id Key) (Record, error) {
	var rec Record
	err := t.view(func(tb store.Table) error {
		var err error
		rec, err = tb.Get(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: id %v", ErrNotFound, id)
	}
	return rec, nil
}

// IndexQuery returns the first record whose index value equals value.
// Other matches on a non-unique index are not returned.
func (t *Table) IndexQuery(index string, value Key) (Record, error) {
	var rec Record
	err := t.view(func(tb store.Table) error {
		ix, err := tb.Index(index)
		if err != nil {
			return err
		}
		rec, err = ix.Get(value)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s = %v", ErrNotFound, index, value)
	}
	return rec, nil
}

// IndexQueryAll returns every record whose index value equals value, in
// primary-key order. No match is reported as ErrNotFound.
func (t *Table) IndexQueryAll(index string, value Key) ([]Record, error) {
	var recs []Record
	err := t.view(func(tb store.Table) error {
		ix, err := tb.Index(index)
		if err != nil {
			return err
		}
		recs, err = ix.GetAll(value)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s = %v", ErrNotFound, index, value)
	}
	return recs, nil
}

// IndexCount returns how many records have value in the named index.
func (t *Table) IndexCount(index string, value Key) (int, error) {
	var n int
	err := t.view(func(tb store.Table) error {
		ix, err := tb.Index(index)
		if err != nil {
			return err
		}
		n, err = ix.Count(value)
		return err
	})
	return n, err
}

// ReadAll returns every record in the table. An empty table is reported
// as ErrNoEntries rather than an empty result.
func (t *Table) ReadAll() ([]Record, error) {
	var recs []Record
	err := t.view(func(tb store.Table) error {
		var err error
		recs, err = tb.GetAll()
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNoEntries
	}
	return recs, nil
}

// Remove deletes the record under id. A missing id is not an error.
func (t *Table) Remove(id Key) error {
	return t.update(func(tb store.Table) error {
		return tb.Delete(id)
	})
}

func (t *Table) Count() (int, error) {
	var n int
	err := t.view(func(tb store.Table) error {
		var err error
		n, err = tb.Count()
		return err
	})
	return n, err
}

// ReadAllTables reads every table concurrently and returns the records
// keyed by table name. Any empty table fails the whole call with
// ErrNoEntries.
func (h *Handle) ReadAllTables() (map[string][]Record, error) {
	conn, _, err := h.current()
	if err != nil {
		return nil, err
	}

	var (
		mu  sync.Mutex
		out = make(map[string][]Record)
		g   errgroup.Group
	)
	for _, name := range conn.TableNames() {
		name := name
		g.Go(func() error {
			var recs []Record
			err := conn.View(func(tx store.Tx) error {
				tb, err := tx.Table(name)
				if err != nil {
					return err
				}
				recs, err = tb.GetAll()
				return err
			})
			if err == nil && len(recs) == 0 {
				err = ErrNoEntries
			}
			if err != nil {
				return fmt.Errorf("table %q: %w", name, err)
			}
			mu.Lock()
			out[name] = recs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
