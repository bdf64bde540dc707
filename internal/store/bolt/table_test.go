package bolt

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"shelf/internal/store"
)

func openWith(t *testing.T, f *Factory, upgrade store.UpgradeFunc) store.Conn {
	t.Helper()
	c, err := f.Open("db", 1, upgrade)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func update(c store.Conn, table string, fn func(store.Table) error) error {
	return c.Update(func(tx store.Tx) error {
		tb, err := tx.Table(table)
		if err != nil {
			return err
		}
		return fn(tb)
	})
}

func view(c store.Conn, table string, fn func(store.Table) error) error {
	return c.View(func(tx store.Tx) error {
		tb, err := tx.Table(table)
		if err != nil {
			return err
		}
		return fn(tb)
	})
}

func TestInlineAutoIncrementInjectsKey(t *testing.T) {
	c := openUsers(t, tempFactory(t))

	k1 := put(t, c, "users", store.Record{"email": "a@x"}, nil)
	k2 := put(t, c, "users", store.Record{"email": "b@x"}, nil)
	if k1 != float64(1) || k2 != float64(2) {
		t.Fatalf("generated keys: got %v, %v; want 1, 2", k1, k2)
	}
	want := store.Record{"id": float64(2), "email": "b@x"}
	if diff := cmp.Diff(want, get(t, c, "users", 2)); diff != "" {
		t.Errorf("stored record (-want +got):\n%s", diff)
	}
}

func TestPutDoesNotMutateCaller(t *testing.T) {
	c := openUsers(t, tempFactory(t))
	rec := store.Record{"email": "a@x"}
	put(t, c, "users", rec, nil)
	if _, ok := rec["id"]; ok {
		t.Fatal("injected key should not leak into the caller's record")
	}
}

func TestExplicitKeyBumpsGenerator(t *testing.T) {
	c := openUsers(t, tempFactory(t))
	put(t, c, "users", store.Record{"id": 10.7, "email": "a@x"}, nil)
	k := put(t, c, "users", store.Record{"email": "b@x"}, nil)
	if k != float64(11) {
		t.Fatalf("generator should continue after explicit key 10.7: got %v", k)
	}
	put(t, c, "users", store.Record{"id": "str", "email": "c@x"}, nil)
	put(t, c, "users", store.Record{"id": -5, "email": "d@x"}, nil)
	if k := put(t, c, "users", store.Record{"email": "e@x"}, nil); k != float64(12) {
		t.Fatalf("non-numeric or negative keys should not move the generator: got %v", k)
	}
}

func TestAddCollision(t *testing.T) {
	f := tempFactory(t)
	c := openWith(t, f, func(tx store.UpgradeTx, _, _ uint64) error {
		_, err := tx.CreateTable("items", "sku", false)
		return err
	})
	add := func(rec store.Record) error {
		return update(c, "items", func(tb store.Table) error {
			_, err := tb.Add(rec, nil)
			return err
		})
	}
	if err := add(store.Record{"sku": "A1", "n": float64(1)}); err != nil {
		t.Fatal(err)
	}
	if err := add(store.Record{"sku": "A1", "n": float64(2)}); !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
	if got := get(t, c, "items", "A1"); got["n"] != float64(1) {
		t.Fatalf("failed add should not overwrite: %v", got)
	}
	if err := add(store.Record{"n": float64(3)}); !errors.Is(err, store.ErrInvalidKey) {
		t.Fatalf("missing in-line key without generator: expected ErrInvalidKey, got %v", err)
	}
}

func TestOutOfLineKeys(t *testing.T) {
	f := tempFactory(t)
	c := openWith(t, f, func(tx store.UpgradeTx, _, _ uint64) error {
		if _, err := tx.CreateTable("auto", "", true); err != nil {
			return err
		}
		_, err := tx.CreateTable("manual", "", false)
		return err
	})

	if k := put(t, c, "auto", store.Record{"v": "a"}, nil); k != float64(1) {
		t.Fatalf("generated key: got %v", k)
	}
	if k := put(t, c, "auto", store.Record{"v": "b"}, 5); k != float64(5) {
		t.Fatalf("explicit key: got %v", k)
	}
	if k := put(t, c, "auto", store.Record{"v": "c"}, nil); k != float64(6) {
		t.Fatalf("generator after explicit 5: got %v", k)
	}
	if got := get(t, c, "auto", 5); got["v"] != "b" {
		t.Fatalf("get out-of-line key: %v", got)
	}

	err := update(c, "manual", func(tb store.Table) error {
		_, err := tb.Put(store.Record{"v": "x"}, nil)
		return err
	})
	if !errors.Is(err, store.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey without a key, got %v", err)
	}
	put(t, c, "manual", store.Record{"v": "x"}, "k1")
	if got := get(t, c, "manual", "k1"); got["v"] != "x" {
		t.Fatalf("manual key: %v", got)
	}
}

func TestInlineTableRejectsExplicitKey(t *testing.T) {
	c := openUsers(t, tempFactory(t))
	err := update(c, "users", func(tb store.Table) error {
		_, err := tb.Put(store.Record{"email": "a@x"}, 3)
		return err
	})
	if !errors.Is(err, store.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestInvalidInlineKey(t *testing.T) {
	c := openUsers(t, tempFactory(t))
	err := update(c, "users", func(tb store.Table) error {
		_, err := tb.Put(store.Record{"id": true}, nil)
		return err
	})
	if !errors.Is(err, store.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestWriteInViewIsReadOnly(t *testing.T) {
	c := openUsers(t, tempFactory(t))
	err := view(c, "users", func(tb store.Table) error {
		_, err := tb.Put(store.Record{"email": "a@x"}, nil)
		return err
	})
	if !errors.Is(err, store.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	err = view(c, "users", func(tb store.Table) error { return tb.Delete(1) })
	if !errors.Is(err, store.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly for delete, got %v", err)
	}
}

func TestUnknownTableAndIndex(t *testing.T) {
	c := openUsers(t, tempFactory(t))
	if err := view(c, "nope", func(store.Table) error { return nil }); !errors.Is(err, store.ErrNoSuchTable) {
		t.Fatalf("expected ErrNoSuchTable, got %v", err)
	}
	err := view(c, "users", func(tb store.Table) error {
		_, err := tb.Index("nope")
		return err
	})
	if !errors.Is(err, store.ErrNoSuchIndex) {
		t.Fatalf("expected ErrNoSuchIndex, got %v", err)
	}
}

func TestGetAllAndCountInKeyOrder(t *testing.T) {
	c := openUsers(t, tempFactory(t))
	put(t, c, "users", store.Record{"id": "b"}, nil)
	put(t, c, "users", store.Record{"id": 2}, nil)
	put(t, c, "users", store.Record{"id": "a"}, nil)
	put(t, c, "users", store.Record{"id": -1}, nil)

	var all []store.Record
	var n int
	err := view(c, "users", func(tb store.Table) error {
		var err error
		if all, err = tb.GetAll(); err != nil {
			return err
		}
		n, err = tb.Count()
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	var ids []any
	for _, r := range all {
		ids = append(ids, r["id"])
	}
	want := []any{float64(-1), float64(2), "a", "b"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("key order (-want +got):\n%s", diff)
	}
	if n != 4 {
		t.Errorf("Count: got %d, want 4", n)
	}
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	c := openUsers(t, tempFactory(t))
	if err := update(c, "users", func(tb store.Table) error { return tb.Delete(404) }); err != nil {
		t.Fatalf("deleting a missing key should not fail: %v", err)
	}
}

func TestUniqueIndex(t *testing.T) {
	c := openUsers(t, tempFactory(t))
	put(t, c, "users", store.Record{"id": 1, "email": "a@x"}, nil)

	err := update(c, "users", func(tb store.Table) error {
		_, err := tb.Put(store.Record{"id": 2, "email": "a@x"}, nil)
		return err
	})
	if !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected ErrConstraint for duplicate email, got %v", err)
	}
	if rec := get(t, c, "users", 2); rec != nil {
		t.Fatalf("rejected record should not be stored: %v", rec)
	}

	// Re-putting the same record with the same email is fine.
	put(t, c, "users", store.Record{"id": 1, "email": "a@x", "n": 1}, nil)
}

func TestIndexFollowsUpdatesAndDeletes(t *testing.T) {
	c := openUsers(t, tempFactory(t))
	put(t, c, "users", store.Record{"id": 1, "email": "old@x"}, nil)
	put(t, c, "users", store.Record{"id": 1, "email": "new@x"}, nil)

	lookup := func(value store.Key) store.Record {
		t.Helper()
		var rec store.Record
		err := view(c, "users", func(tb store.Table) error {
			ix, err := tb.Index("by_email")
			if err != nil {
				return err
			}
			rec, err = ix.Get(value)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		return rec
	}
	if rec := lookup("old@x"); rec != nil {
		t.Fatalf("stale index entry for old email: %v", rec)
	}
	if rec := lookup("new@x"); rec == nil || rec["id"] != float64(1) {
		t.Fatalf("lookup new email: %v", rec)
	}

	// The old email is free again.
	put(t, c, "users", store.Record{"id": 2, "email": "old@x"}, nil)

	if err := update(c, "users", func(tb store.Table) error { return tb.Delete(1) }); err != nil {
		t.Fatal(err)
	}
	if rec := lookup("new@x"); rec != nil {
		t.Fatalf("index entry should be removed with the record: %v", rec)
	}
}

func TestMultiEntryIndex(t *testing.T) {
	c := openUsers(t, tempFactory(t))
	put(t, c, "users", store.Record{"id": 2, "tags": []any{"go", "db"}}, nil)
	put(t, c, "users", store.Record{"id": 1, "tags": []any{"go"}}, nil)
	put(t, c, "users", store.Record{"id": 3, "tags": []any{"db", "db"}}, nil)

	var first store.Record
	var goCount, dbCount int
	var dbAll []store.Record
	err := view(c, "users", func(tb store.Table) error {
		ix, err := tb.Index("by_tag")
		if err != nil {
			return err
		}
		if first, err = ix.Get("go"); err != nil {
			return err
		}
		if goCount, err = ix.Count("go"); err != nil {
			return err
		}
		if dbCount, err = ix.Count("db"); err != nil {
			return err
		}
		dbAll, err = ix.GetAll("db")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if first["id"] != float64(1) {
		t.Errorf("Get should return the lowest primary key, got %v", first["id"])
	}
	if goCount != 2 || dbCount != 2 {
		t.Errorf("counts: go=%d db=%d, want 2 and 2", goCount, dbCount)
	}
	if len(dbAll) != 2 || dbAll[0]["id"] != float64(2) || dbAll[1]["id"] != float64(3) {
		t.Errorf("GetAll(db): got %v", dbAll)
	}
}

func TestCreateIndexBackfills(t *testing.T) {
	f := tempFactory(t)
	c, err := f.Open("db", 1, func(tx store.UpgradeTx, _, _ uint64) error {
		_, err := tx.CreateTable("people", "id", false)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	put(t, c, "people", store.Record{"id": 1, "city": "Oslo"}, nil)
	put(t, c, "people", store.Record{"id": 2, "city": "Rome"}, nil)
	_ = c.Close()

	c2 := openWith2(t, f, func(tx store.UpgradeTx, _, _ uint64) error {
		return tx.CreateIndex("people", store.IndexSchema{Name: "by_city", KeyPath: "city"})
	})
	var rec store.Record
	err = view(c2, "people", func(tb store.Table) error {
		ix, err := tb.Index("by_city")
		if err != nil {
			return err
		}
		rec, err = ix.Get("Rome")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec["id"] != float64(2) {
		t.Fatalf("backfilled index lookup: %v", rec)
	}
}

func TestCreateUniqueIndexOnDuplicatesFails(t *testing.T) {
	f := tempFactory(t)
	c, err := f.Open("db", 1, func(tx store.UpgradeTx, _, _ uint64) error {
		_, err := tx.CreateTable("people", "id", false)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	put(t, c, "people", store.Record{"id": 1, "city": "Oslo"}, nil)
	put(t, c, "people", store.Record{"id": 2, "city": "Oslo"}, nil)
	_ = c.Close()

	_, err = f.Open("db", 2, func(tx store.UpgradeTx, _, _ uint64) error {
		return tx.CreateIndex("people", store.IndexSchema{Name: "by_city", KeyPath: "city", Unique: true})
	})
	if !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
}

func TestUpgradeSchemaErrors(t *testing.T) {
	f := tempFactory(t)
	_, err := f.Open("db", 1, func(tx store.UpgradeTx, _, _ uint64) error {
		if _, err := tx.CreateTable("t", "", true); err != nil {
			return err
		}
		if _, err := tx.CreateTable("t", "", true); !errors.Is(err, store.ErrTableExists) {
			t.Errorf("duplicate table: expected ErrTableExists, got %v", err)
		}
		ix := store.IndexSchema{Name: "i", KeyPath: "a"}
		if err := tx.CreateIndex("t", ix); err != nil {
			return err
		}
		if err := tx.CreateIndex("t", ix); !errors.Is(err, store.ErrIndexExists) {
			t.Errorf("duplicate index: expected ErrIndexExists, got %v", err)
		}
		if err := tx.CreateIndex("missing", ix); !errors.Is(err, store.ErrNoSuchTable) {
			t.Errorf("index on missing table: expected ErrNoSuchTable, got %v", err)
		}
		if _, err := tx.CreateTable("", "", true); !errors.Is(err, store.ErrInvalidSchema) {
			t.Errorf("empty table name: expected ErrInvalidSchema, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// openWith2 reopens "db" at version 2 with the given upgrade.
func openWith2(t *testing.T, f *Factory, upgrade store.UpgradeFunc) store.Conn {
	t.Helper()
	c, err := f.Open("db", 2, upgrade)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}
