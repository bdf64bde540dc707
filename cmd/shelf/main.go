// Command shelf reads and writes records in a local shelf database.
//
// Usage:
//
//	shelf [--config path] [--dir dir] [--db name] [--table name] <command> [args]
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"shelf/internal/config"
	"shelf/internal/logging"
	"shelf/pkg/shelf"
)

var logger = logging.For("cli")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// env carries what a command needs: the loaded config, the output
// streams and, for commands that declare Open, the handle.
type env struct {
	cfg        *config.Config
	configPath string
	out        io.Writer
	pretty     bool

	factory shelf.Factory
	handle  *shelf.Handle
}

func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("shelf", flag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(io.Discard)
	configPath := global.String("config", "", "path to config file (default "+config.DefaultPath+")")
	dir := global.String("dir", "", "store directory (overrides config)")
	db := global.String("db", "", "database name (overrides config)")
	table := global.String("table", "", "table name (overrides config)")
	logLevel := global.String("log-level", "", "debug, info, warn or error (overrides config)")

	if err := global.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(stdout, global)
			return 0
		}
		fmt.Fprintln(stderr, "error:", err)
		printUsage(stderr, global)
		return 2
	}
	if global.NArg() == 0 {
		printUsage(stderr, global)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	if global.Changed("dir") {
		cfg.Store.Dir = *dir
	}
	if global.Changed("db") {
		cfg.Database.Name = *db
	}
	if global.Changed("table") {
		cfg.Table.Name = *table
	}
	if global.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "error: config:", err)
		return 1
	}
	cfg.Store.Dir = config.ExpandHome(cfg.Store.Dir)
	logging.InitWriter(stderr, cfg.Log.Level, cfg.Log.Format)

	e := &env{
		cfg:        cfg,
		configPath: *configPath,
		out:        stdout,
		pretty:     isTerminal(stdout),
	}

	name, cmdArgs := global.Arg(0), global.Args()[1:]
	if name == "help" {
		printUsage(stdout, global)
		return 0
	}
	cmd := lookup(name)
	if cmd == nil {
		fmt.Fprintf(stderr, "error: unknown command %q\n", name)
		printUsage(stderr, global)
		return 2
	}
	if err := cmd.Run(e, cmdArgs); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func lookup(name string) *Command {
	cmds := commands()
	i := slices.IndexFunc(cmds, func(c *Command) bool { return c.Name() == name })
	if i < 0 {
		return nil
	}
	return cmds[i]
}

func printUsage(w io.Writer, global *flag.FlagSet) {
	fmt.Fprintln(w, "Usage: shelf [global flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands() {
		fmt.Fprintln(w, c.HelpLine())
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global flags:")
	var buf strings.Builder
	global.SetOutput(&buf)
	global.PrintDefaults()
	global.SetOutput(io.Discard)
	fmt.Fprint(w, buf.String())
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// open builds the factory and opens the handle at the stored version,
// upgrading first when the configured version is newer.
func (e *env) open() error {
	f, err := shelf.NewBoltFactory(e.cfg.Store.Dir, e.cfg.Store.OpenTimeout)
	if err != nil {
		return err
	}
	h, err := shelf.New(f, e.cfg.HandleConfig(), shelf.WithOnBlocked(func(db string) {
		logger.Warn("database is in use by another shelf process", "db", db, "dir", e.cfg.Store.Dir)
	}))
	if err != nil {
		return err
	}
	conn, err := h.Open(false)
	if err != nil {
		return err
	}
	if want := e.cfg.Database.Version; conn.Version() < want {
		if _, err := h.UpdateVersion(want, e.cfg.Table.Shelf()); err != nil {
			_ = h.Close()
			return err
		}
	}
	e.factory, e.handle = f, h
	return nil
}

func (e *env) close() {
	if e.handle != nil {
		_ = e.handle.Close()
	}
}

// print writes v as JSON, indented when stdout is a terminal.
func (e *env) print(v any) error {
	var (
		data []byte
		err  error
	)
	if e.pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.out, string(data))
	return err
}
