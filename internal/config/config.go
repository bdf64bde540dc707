package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"shelf/internal/logging"
	"shelf/pkg/shelf"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.shelf/config.toml"

type Config struct {
	Store    StoreConfig    `toml:"store"`
	Database DatabaseConfig `toml:"database"`
	Table    TableConfig    `toml:"table"`
	Log      LogConfig      `toml:"log"`
}

type StoreConfig struct {
	Dir         string        `toml:"dir"`
	OpenTimeout time.Duration `toml:"open_timeout"`
}

type DatabaseConfig struct {
	Name    string `toml:"name"`
	Version uint64 `toml:"version"`
}

type TableConfig struct {
	Name          string        `toml:"name"`
	KeyPath       string        `toml:"key_path"`
	AutoIncrement bool          `toml:"auto_increment"`
	Indexes       []IndexConfig `toml:"index"`
}

type IndexConfig struct {
	Name       string `toml:"name"`
	KeyPath    string `toml:"key_path"`
	Unique     bool   `toml:"unique"`
	MultiEntry bool   `toml:"multi_entry"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Dir:         "~/.shelf",
			OpenTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Name:    "default",
			Version: 1,
		},
		Table: TableConfig{
			Name:          "records",
			AutoIncrement: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML config file over the defaults.
// If path is empty, DefaultPath is used when it exists.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome(DefaultPath)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config: unknown key %q", undecoded[0].String())
	}

	return cfg, nil
}

// Validate checks the fields a Handle and the engine rely on.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir is empty"))
	}
	if c.Store.OpenTimeout < 0 {
		errs = append(errs, errors.New("store.open_timeout is negative"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if err := c.HandleConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HandleConfig converts the database and table sections to a shelf.Config.
func (c *Config) HandleConfig() shelf.Config {
	return shelf.Config{
		Name:    c.Database.Name,
		Version: c.Database.Version,
		Table:   c.Table.Shelf(),
	}
}

func (t TableConfig) Shelf() shelf.TableConfig {
	out := shelf.TableConfig{
		Name:          t.Name,
		KeyPath:       t.KeyPath,
		AutoIncrement: t.AutoIncrement,
	}
	for _, ix := range t.Indexes {
		out.Indexes = append(out.Indexes, shelf.IndexDef(ix))
	}
	return out
}

// Encode writes c as TOML.
func (c *Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
