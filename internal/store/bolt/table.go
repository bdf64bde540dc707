package bolt

import (
	"bytes"
	"fmt"
	"math"

	bolt "go.etcd.io/bbolt"

	"shelf/internal/store"
)

// maxGeneratedKey is the largest key the generator hands out; beyond it
// numbers stop being exact in the float64 key space.
const maxGeneratedKey = 1 << 53

// table implements store.Table inside one bolt transaction.
type table struct {
	tx     *bolt.Tx
	schema store.TableSchema
}

func (t *table) Name() string              { return t.schema.Name }
func (t *table) Schema() store.TableSchema { return t.schema }

func (t *table) bucket() *bolt.Bucket {
	return t.tx.Bucket(tableBucketName(t.schema.Name))
}

func (t *table) records() *bolt.Bucket {
	return t.bucket().Bucket(recordsBucket)
}

func (t *table) indexBucket(name string) *bolt.Bucket {
	return t.bucket().Bucket(indexBucketName(name))
}

func (t *table) Get(key store.Key) (store.Record, error) {
	ek, err := store.EncodeKey(key)
	if err != nil {
		return nil, err
	}
	v := t.records().Get(ek)
	if v == nil {
		return nil, nil
	}
	return store.DecodeRecord(v)
}

// GetAll returns every record in key order.
func (t *table) GetAll() ([]store.Record, error) {
	var out []store.Record
	err := t.records().ForEach(func(_, v []byte) error {
		rec, err := store.DecodeRecord(v)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (t *table) Count() (int, error) {
	n := 0
	err := t.records().ForEach(func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

func (t *table) Add(rec store.Record, key store.Key) (store.Key, error) {
	return t.write(rec, key, false)
}

func (t *table) Put(rec store.Record, key store.Key) (store.Key, error) {
	return t.write(rec, key, true)
}

func (t *table) write(rec store.Record, key store.Key, overwrite bool) (store.Key, error) {
	if !t.tx.Writable() {
		return nil, store.ErrReadOnly
	}
	rec = store.CloneRecord(rec)
	if rec == nil {
		rec = store.Record{}
	}
	recs := t.records()

	pk, err := t.primaryKey(recs, rec, key)
	if err != nil {
		return nil, err
	}
	ek, err := store.EncodeKey(pk)
	if err != nil {
		return nil, err
	}

	old := recs.Get(ek)
	if old != nil && !overwrite {
		return nil, fmt.Errorf("%w: key %v already exists in %q", store.ErrConstraint, pk, t.schema.Name)
	}

	for _, ix := range t.schema.Indexes {
		if !ix.Unique {
			continue
		}
		for _, ik := range store.IndexKeys(rec, ix) {
			taken, err := t.uniqueTaken(ix, ik, ek)
			if err != nil {
				return nil, err
			}
			if taken {
				return nil, fmt.Errorf("%w: unique index %q already holds %v", store.ErrConstraint, ix.Name, ik)
			}
		}
	}

	if old != nil {
		oldRec, err := store.DecodeRecord(old)
		if err != nil {
			return nil, err
		}
		if err := t.removeIndexEntries(oldRec, ek); err != nil {
			return nil, err
		}
	}

	data, err := store.EncodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := recs.Put(ek, data); err != nil {
		return nil, err
	}
	for _, ix := range t.schema.Indexes {
		if err := t.addIndexEntries(ix, rec, ek); err != nil {
			return nil, err
		}
	}
	return pk, nil
}

// primaryKey derives the record key from the table's key policy,
// injecting a generated key at the key path when needed.
func (t *table) primaryKey(recs *bolt.Bucket, rec store.Record, key store.Key) (store.Key, error) {
	s := t.schema
	if s.KeyPath != "" {
		if key != nil {
			return nil, fmt.Errorf("%w: table %q uses in-line keys", store.ErrInvalidKey, s.Name)
		}
		if v, ok := store.Extract(rec, s.KeyPath); ok {
			k, err := store.NormalizeKey(v)
			if err != nil {
				return nil, fmt.Errorf("key path %q: %w", s.KeyPath, err)
			}
			return k, t.observeKey(recs, k)
		}
		if !s.AutoIncrement {
			return nil, fmt.Errorf("%w: record has no value at key path %q", store.ErrInvalidKey, s.KeyPath)
		}
		k, err := t.nextKey(recs)
		if err != nil {
			return nil, err
		}
		if err := store.Inject(rec, s.KeyPath, k); err != nil {
			return nil, err
		}
		return k, nil
	}

	if key != nil {
		k, err := store.NormalizeKey(key)
		if err != nil {
			return nil, err
		}
		return k, t.observeKey(recs, k)
	}
	if !s.AutoIncrement {
		return nil, fmt.Errorf("%w: table %q needs an explicit key", store.ErrInvalidKey, s.Name)
	}
	return t.nextKey(recs)
}

func (t *table) nextKey(recs *bolt.Bucket) (store.Key, error) {
	if recs.Sequence() >= maxGeneratedKey {
		return nil, fmt.Errorf("%w: key generator exhausted for %q", store.ErrConstraint, t.schema.Name)
	}
	n, err := recs.NextSequence()
	if err != nil {
		return nil, err
	}
	return float64(n), nil
}

// observeKey moves the generator past an explicit numeric key so later
// generated keys do not collide with it.
func (t *table) observeKey(recs *bolt.Bucket, k store.Key) error {
	if !t.schema.AutoIncrement {
		return nil
	}
	f, ok := k.(float64)
	if !ok || f < 1 {
		return nil
	}
	floor := uint64(maxGeneratedKey)
	if f < maxGeneratedKey {
		floor = uint64(math.Floor(f))
	}
	if floor > recs.Sequence() {
		return recs.SetSequence(floor)
	}
	return nil
}

func (t *table) Delete(key store.Key) error {
	if !t.tx.Writable() {
		return store.ErrReadOnly
	}
	ek, err := store.EncodeKey(key)
	if err != nil {
		return err
	}
	recs := t.records()
	old := recs.Get(ek)
	if old == nil {
		return nil
	}
	oldRec, err := store.DecodeRecord(old)
	if err != nil {
		return err
	}
	if err := t.removeIndexEntries(oldRec, ek); err != nil {
		return err
	}
	return recs.Delete(ek)
}

func (t *table) Index(name string) (store.Index, error) {
	ix, ok := t.schema.Index(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q on %q", store.ErrNoSuchIndex, name, t.schema.Name)
	}
	return &index{t: t, schema: ix}, nil
}

func (t *table) addIndexEntries(ix store.IndexSchema, rec store.Record, ek []byte) error {
	ib := t.indexBucket(ix.Name)
	for _, k := range store.IndexKeys(rec, ix) {
		ik, err := store.EncodeKey(k)
		if err != nil {
			return err
		}
		if ix.Unique {
			taken, err := t.uniqueTaken(ix, k, ek)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("%w: unique index %q already holds %v", store.ErrConstraint, ix.Name, k)
			}
		}
		if err := ib.Put(append(ik, ek...), ek); err != nil {
			return err
		}
	}
	return nil
}

func (t *table) removeIndexEntries(rec store.Record, ek []byte) error {
	for _, ix := range t.schema.Indexes {
		ib := t.indexBucket(ix.Name)
		for _, k := range store.IndexKeys(rec, ix) {
			ik, err := store.EncodeKey(k)
			if err != nil {
				return err
			}
			if err := ib.Delete(append(ik, ek...)); err != nil {
				return err
			}
		}
	}
	return nil
}

// uniqueTaken reports whether a record other than ek holds value in ix.
func (t *table) uniqueTaken(ix store.IndexSchema, value store.Key, ek []byte) (bool, error) {
	ik, err := store.EncodeKey(value)
	if err != nil {
		return false, err
	}
	c := t.indexBucket(ix.Name).Cursor()
	for k, v := c.Seek(ik); k != nil && bytes.HasPrefix(k, ik); k, v = c.Next() {
		if !bytes.Equal(v, ek) {
			return true, nil
		}
	}
	return false, nil
}

// index implements store.Index.
type index struct {
	t      *table
	schema store.IndexSchema
}

func (ix *index) Name() string              { return ix.schema.Name }
func (ix *index) Schema() store.IndexSchema { return ix.schema }

func (ix *index) Get(value store.Key) (store.Record, error) {
	var out store.Record
	err := ix.scan(value, func(rec store.Record) bool {
		out = rec
		return false
	})
	return out, err
}

func (ix *index) GetAll(value store.Key) ([]store.Record, error) {
	var out []store.Record
	err := ix.scan(value, func(rec store.Record) bool {
		out = append(out, rec)
		return true
	})
	return out, err
}

func (ix *index) Count(value store.Key) (int, error) {
	n := 0
	err := ix.scan(value, func(store.Record) bool {
		n++
		return true
	})
	return n, err
}

// scan visits records matching value in primary-key order until fn
// returns false.
func (ix *index) scan(value store.Key, fn func(store.Record) bool) error {
	ik, err := store.EncodeKey(value)
	if err != nil {
		return err
	}
	recs := ix.t.records()
	c := ix.t.indexBucket(ix.schema.Name).Cursor()
	for k, ek := c.Seek(ik); k != nil && bytes.HasPrefix(k, ik); k, ek = c.Next() {
		v := recs.Get(ek)
		if v == nil {
			continue
		}
		rec, err := store.DecodeRecord(v)
		if err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}
