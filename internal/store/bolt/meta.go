package bolt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"shelf/internal/store"
)

// Bucket layout:
//
//	__meta/version             uint64, big endian
//	__meta/id                  database id, assigned on creation
//	__meta/tables/<t>/...      key_path, auto_increment, indexes/<i>/...
//	table:<t>/records          encoded key -> encoded record
//	table:<t>/index:<i>        encoded index key ++ encoded key -> encoded key
var (
	metaBucket    = []byte("__meta")
	tablesBucket  = []byte("tables")
	indexesBucket = []byte("indexes")
	recordsBucket = []byte("records")

	versionKey       = []byte("version")
	idKey            = []byte("id")
	keyPathKey       = []byte("key_path")
	autoIncrementKey = []byte("auto_increment")
	uniqueKey        = []byte("unique")
	multiEntryKey    = []byte("multi_entry")
)

func tableBucketName(table string) []byte {
	return []byte("table:" + table)
}

func indexBucketName(index string) []byte {
	return []byte("index:" + index)
}

func readVersion(db *bolt.DB) (uint64, error) {
	var v uint64
	err := db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return nil
		}
		if raw := meta.Get(versionKey); len(raw) == 8 {
			v = binary.BigEndian.Uint64(raw)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reading version: %w", err)
	}
	return v, nil
}

// runUpgrade performs the version change in a single write transaction.
func runUpgrade(db *bolt.DB, oldVersion, newVersion uint64, upgrade store.UpgradeFunc) error {
	return db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return fmt.Errorf("creating meta bucket: %w", err)
		}
		if meta.Get(idKey) == nil {
			if err := meta.Put(idKey, []byte(uuid.New().String())); err != nil {
				return err
			}
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], newVersion)
		if err := meta.Put(versionKey, v[:]); err != nil {
			return err
		}
		if _, err := meta.CreateBucketIfNotExists(tablesBucket); err != nil {
			return fmt.Errorf("creating tables bucket: %w", err)
		}
		if upgrade == nil {
			return nil
		}
		schemas, err := loadSchemas(tx)
		if err != nil {
			return err
		}
		ut := &upgradeTx{txn: txn{tx: tx, schemas: schemas}}
		if err := upgrade(ut, oldVersion, newVersion); err != nil {
			return fmt.Errorf("upgrade to version %d: %w", newVersion, err)
		}
		return nil
	})
}

// loadSchemas reads every table definition from the meta bucket.
func loadSchemas(tx *bolt.Tx) (map[string]store.TableSchema, error) {
	schemas := make(map[string]store.TableSchema)
	meta := tx.Bucket(metaBucket)
	if meta == nil {
		return schemas, nil
	}
	tables := meta.Bucket(tablesBucket)
	if tables == nil {
		return schemas, nil
	}
	err := tables.ForEachBucket(func(name []byte) error {
		tb := tables.Bucket(name)
		s := store.TableSchema{
			Name:          string(name),
			KeyPath:       string(tb.Get(keyPathKey)),
			AutoIncrement: flag(tb.Get(autoIncrementKey)),
		}
		ixs := tb.Bucket(indexesBucket)
		if ixs != nil {
			err := ixs.ForEachBucket(func(ixName []byte) error {
				ib := ixs.Bucket(ixName)
				s.Indexes = append(s.Indexes, store.IndexSchema{
					Name:       string(ixName),
					KeyPath:    string(ib.Get(keyPathKey)),
					Unique:     flag(ib.Get(uniqueKey)),
					MultiEntry: flag(ib.Get(multiEntryKey)),
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		schemas[s.Name] = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading schemas: %w", err)
	}
	return schemas, nil
}

func putTableMeta(tx *bolt.Tx, s store.TableSchema) error {
	tables := tx.Bucket(metaBucket).Bucket(tablesBucket)
	tb, err := tables.CreateBucket([]byte(s.Name))
	if err != nil {
		return fmt.Errorf("creating table meta: %w", err)
	}
	if err := tb.Put(keyPathKey, []byte(s.KeyPath)); err != nil {
		return err
	}
	if err := tb.Put(autoIncrementKey, flagBytes(s.AutoIncrement)); err != nil {
		return err
	}
	_, err = tb.CreateBucket(indexesBucket)
	return err
}

func putIndexMeta(tx *bolt.Tx, table string, ix store.IndexSchema) error {
	ixs := tx.Bucket(metaBucket).Bucket(tablesBucket).Bucket([]byte(table)).Bucket(indexesBucket)
	ib, err := ixs.CreateBucket([]byte(ix.Name))
	if err != nil {
		return fmt.Errorf("creating index meta: %w", err)
	}
	if err := ib.Put(keyPathKey, []byte(ix.KeyPath)); err != nil {
		return err
	}
	if err := ib.Put(uniqueKey, flagBytes(ix.Unique)); err != nil {
		return err
	}
	return ib.Put(multiEntryKey, flagBytes(ix.MultiEntry))
}

func readMeta(tx *bolt.Tx) (version uint64, id string) {
	meta := tx.Bucket(metaBucket)
	if meta == nil {
		return 0, ""
	}
	if raw := meta.Get(versionKey); len(raw) == 8 {
		version = binary.BigEndian.Uint64(raw)
	}
	return version, string(meta.Get(idKey))
}

func flag(b []byte) bool {
	return len(b) == 1 && b[0] == 1
}

func flagBytes(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}
