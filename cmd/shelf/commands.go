package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"

	"shelf/internal/config"
	"shelf/pkg/shelf"
)

func commands() []*Command {
	return []*Command{
		initCmd(),
		{Usage: "info", Short: "show the database version, tables and record counts", Open: true, Exec: execInfo},
		{Usage: "add <json>", Short: "insert a record, failing if its key exists", Open: true, Exec: writeExec(shelf.ModeAdd)},
		{Usage: "put <json>", Short: "insert or replace a record", Open: true, Exec: writeExec(shelf.ModePut)},
		{Usage: "get <id>", Short: "print the record stored under id", Open: true, Exec: execGet},
		findCmd(),
		{Usage: "patch <id> <json>", Short: "merge top-level fields into a stored record", Open: true, Exec: execPatch},
		{Usage: "ls", Short: "print every record in the table", Open: true, Exec: execList},
		{Usage: "dump", Short: "print every record of every table", Open: true, Exec: execDump},
		{Usage: "rm <id>", Short: "delete the record stored under id", Open: true, Exec: execRemove},
		dropCmd(),
		upgradeCmd(),
	}
}

func initCmd() *Command {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	force := fs.BoolP("force", "f", false, "overwrite an existing config file")
	return &Command{
		Flags: fs,
		Usage: "init [--force]",
		Short: "write a config file with the current settings",
		Exec: func(e *env, _ []string) error {
			path := e.configPath
			if path == "" {
				path = config.DefaultPath
			}
			path = config.ExpandHome(path)
			if _, err := os.Stat(path); err == nil && !*force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := e.cfg.Encode(&buf); err != nil {
				return err
			}
			if err := atomic.WriteFile(path, &buf); err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
			if err := os.Chmod(path, 0600); err != nil {
				return err
			}
			fmt.Fprintln(e.out, path)
			return nil
		},
	}
}

func dropCmd() *Command {
	fs := flag.NewFlagSet("drop", flag.ContinueOnError)
	yes := fs.BoolP("yes", "y", false, "confirm deletion")
	return &Command{
		Flags: fs,
		Usage: "drop --yes",
		Short: "delete the whole database",
		Open:  true,
		Exec: func(e *env, _ []string) error {
			if !*yes {
				return errors.New("refusing to delete without --yes")
			}
			return e.handle.DeleteDB(e.cfg.Database.Name)
		},
	}
}

func upgradeCmd() *Command {
	fs := flag.NewFlagSet("upgrade", flag.ContinueOnError)
	version := fs.Uint64("version", 0, "target version")
	return &Command{
		Flags: fs,
		Usage: "upgrade --version N",
		Short: "reopen at version N, creating the configured table",
		Open:  true,
		Exec: func(e *env, _ []string) error {
			if *version == 0 {
				return errors.New("--version is required")
			}
			conn, err := e.handle.UpdateVersion(*version, e.cfg.Table.Shelf())
			if err != nil {
				return err
			}
			return e.print(map[string]any{"db": conn.Name(), "version": conn.Version()})
		},
	}
}

type tableInfo struct {
	Name          string           `json:"name"`
	KeyPath       string           `json:"key_path,omitempty"`
	AutoIncrement bool             `json:"auto_increment"`
	Indexes       []shelf.IndexDef `json:"indexes,omitempty"`
	Count         int              `json:"count"`
}

func execInfo(e *env, _ []string) error {
	conn, err := e.handle.Open(false)
	if err != nil {
		return err
	}
	dbs, err := e.factory.Databases()
	if err != nil {
		return err
	}
	tables := []tableInfo{}
	for _, name := range conn.TableNames() {
		s, _ := conn.Schema(name)
		n, err := e.handle.In(name).Count()
		if err != nil {
			return err
		}
		ti := tableInfo{Name: name, KeyPath: s.KeyPath, AutoIncrement: s.AutoIncrement, Count: n}
		for _, ix := range s.Indexes {
			ti.Indexes = append(ti.Indexes, shelf.IndexDef(ix))
		}
		tables = append(tables, ti)
	}
	return e.print(map[string]any{
		"dir":       e.cfg.Store.Dir,
		"db":        conn.Name(),
		"id":        conn.DatabaseID(),
		"version":   conn.Version(),
		"table":     e.cfg.Table.Name,
		"tables":    tables,
		"databases": dbs,
	})
}

func writeExec(mode shelf.Mode) func(*env, []string) error {
	return func(e *env, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("%s: expected one JSON argument", mode)
		}
		v, err := parseJSON(args[0])
		if err != nil {
			return err
		}
		key, err := e.handle.AddOrUpdate(mode, v)
		if err != nil {
			return err
		}
		return e.print(key)
	}
}

func execGet(e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("get: expected an id")
	}
	rec, err := e.handle.QueryIndex(parseKey(args[0]))
	if err != nil {
		return err
	}
	return e.print(rec)
}

func findCmd() *Command {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	all := fs.BoolP("all", "a", false, "print every matching record")
	count := fs.BoolP("count", "c", false, "print the number of matching records")
	return &Command{
		Flags: fs,
		Usage: "find [--all|--count] <index> <value>",
		Short: "print the first record matching an index value",
		Open:  true,
		Exec: func(e *env, args []string) error {
			if len(args) != 2 {
				return errors.New("find: expected an index name and a value")
			}
			index, value := args[0], parseKey(args[1])
			switch {
			case *all && *count:
				return errors.New("find: --all and --count are exclusive")
			case *count:
				n, err := e.handle.IndexCount(index, value)
				if err != nil {
					return err
				}
				return e.print(n)
			case *all:
				recs, err := e.handle.IndexQueryAll(index, value)
				if err != nil {
					return err
				}
				return e.print(recs)
			}
			rec, err := e.handle.IndexQuery(index, value)
			if err != nil {
				return err
			}
			return e.print(rec)
		},
	}
}

func execPatch(e *env, args []string) error {
	if len(args) != 2 {
		return errors.New("patch: expected an id and a JSON object")
	}
	v, err := parseJSON(args[1])
	if err != nil {
		return err
	}
	key, err := e.handle.UpdateData(parseKey(args[0]), v)
	if err != nil {
		return err
	}
	return e.print(key)
}

func execList(e *env, _ []string) error {
	recs, err := e.handle.ReadAll()
	if errors.Is(err, shelf.ErrNoEntries) {
		recs, err = []shelf.Record{}, nil
	}
	if err != nil {
		return err
	}
	return e.print(recs)
}

func execDump(e *env, _ []string) error {
	all, err := e.handle.ReadAllTables()
	if err != nil {
		return err
	}
	return e.print(all)
}

func execRemove(e *env, args []string) error {
	if len(args) != 1 {
		return errors.New("rm: expected an id")
	}
	return e.handle.Remove(parseKey(args[0]))
}

func parseJSON(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return v, nil
}

// parseKey reads a key argument: JSON numbers and quoted strings keep
// their type, anything else is taken as a bare string.
func parseKey(s string) shelf.Key {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		switch v.(type) {
		case float64, string:
			return v
		}
	}
	return s
}
