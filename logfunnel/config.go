// Package logfunnel centralises log output for process-flavoured programs.
//
// A structured configuration document — parsed from YAML — describes
// formatters, filters, handlers and logger levels. In a single process the
// document simply builds a slog handler. When worker processes are spawned,
// the funnel starts one dedicated log-listener process that owns the
// configured sinks; every other process routes its records to the listener
// over a unix socket, so rotated files never have two writers and output
// from many workers lands in one ordered stream per source.
package logfunnel

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the log configuration document.
type Config struct {
	Version                int                        `yaml:"version"`
	Formatters             map[string]FormatterConfig `yaml:"formatters,omitempty"`
	Filters                map[string]FilterConfig    `yaml:"filters,omitempty"`
	Handlers               map[string]HandlerConfig   `yaml:"handlers"`
	Loggers                map[string]LoggerConfig    `yaml:"loggers,omitempty"`
	Root                   LoggerConfig               `yaml:"root"`
	DisableExistingLoggers bool                       `yaml:"disable_existing_loggers,omitempty"`
}

// FormatterConfig selects how records are rendered.
type FormatterConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`

	// DateFmt overrides the timestamp layout, in Go reference-time form.
	DateFmt string `yaml:"datefmt,omitempty"`
}

// FilterConfig is a factory descriptor for a record filter.
type FilterConfig struct {
	// MinLevel suppresses records below this level.
	MinLevel string `yaml:"min_level,omitempty"`

	// LoggerPrefix restricts the filter to loggers under this prefix.
	LoggerPrefix string `yaml:"logger_prefix,omitempty"`
}

// HandlerConfig describes one sink.
type HandlerConfig struct {
	// Class is "console", "file", "timed_rotating_file" or "sqlite".
	Class string `yaml:"class"`

	// Level suppresses records below this level for this sink.
	Level string `yaml:"level,omitempty"`

	// Formatter names an entry in Formatters. Defaults to text rendering.
	Formatter string `yaml:"formatter,omitempty"`

	// Filters names entries in Filters applied before this sink.
	Filters []string `yaml:"filters,omitempty"`

	// Stream is "stdout" or "stderr" for console handlers.
	Stream string `yaml:"stream,omitempty"`

	// Filename is the output path for file-backed handlers.
	Filename string `yaml:"filename,omitempty"`

	// When is the rotation boundary for timed_rotating_file. Only
	// "midnight" is supported.
	When string `yaml:"when,omitempty"`

	// RetentionDays prunes rotated files older than this many days.
	RetentionDays int `yaml:"retention_days,omitempty"`

	// UTC computes rotation boundaries and suffixes in UTC.
	UTC bool `yaml:"utc,omitempty"`
}

// LoggerConfig sets the level and sinks for one logger name, or for the
// root when used as Config.Root.
type LoggerConfig struct {
	Level     string   `yaml:"level,omitempty"`
	Handlers  []string `yaml:"handlers,omitempty"`
	Propagate *bool    `yaml:"propagate,omitempty"`
}

// Handler classes.
const (
	ClassConsole           = "console"
	ClassFile              = "file"
	ClassTimedRotatingFile = "timed_rotating_file"
	ClassSQLite            = "sqlite"
)

// Load reads and parses a configuration file.
func Load(path string) (Config, error) {
	// #nosec G304 -- path comes from explicit caller configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading log config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a configuration document.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing log config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders the configuration back to YAML, for replication into
// worker processes.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks referential integrity and enumerated values.
func (c Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("log config: unsupported version %d", c.Version)
	}
	if len(c.Handlers) == 0 {
		return fmt.Errorf("log config: at least one handler is required")
	}
	for name, h := range c.Handlers {
		switch h.Class {
		case ClassConsole:
			if h.Stream != "" && h.Stream != "stdout" && h.Stream != "stderr" {
				return fmt.Errorf("log config: handler %q: unknown stream %q", name, h.Stream)
			}
		case ClassFile, ClassTimedRotatingFile, ClassSQLite:
			if h.Filename == "" {
				return fmt.Errorf("log config: handler %q: filename is required for class %q", name, h.Class)
			}
			if h.Class == ClassTimedRotatingFile && h.When != "" && h.When != "midnight" {
				return fmt.Errorf("log config: handler %q: unsupported rotation %q", name, h.When)
			}
		default:
			return fmt.Errorf("log config: handler %q: unknown class %q", name, h.Class)
		}
		if h.Level != "" {
			if _, err := ParseLevel(h.Level); err != nil {
				return fmt.Errorf("log config: handler %q: %w", name, err)
			}
		}
		if h.Formatter != "" {
			if _, ok := c.Formatters[h.Formatter]; !ok {
				return fmt.Errorf("log config: handler %q: unknown formatter %q", name, h.Formatter)
			}
		}
		for _, f := range h.Filters {
			if _, ok := c.Filters[f]; !ok {
				return fmt.Errorf("log config: handler %q: unknown filter %q", name, f)
			}
		}
	}
	for name, f := range c.Formatters {
		if f.Format != "text" && f.Format != "json" {
			return fmt.Errorf("log config: formatter %q: unknown format %q", name, f.Format)
		}
	}
	for name, f := range c.Filters {
		if f.MinLevel != "" {
			if _, err := ParseLevel(f.MinLevel); err != nil {
				return fmt.Errorf("log config: filter %q: %w", name, err)
			}
		}
	}
	check := func(owner string, lc LoggerConfig) error {
		if lc.Level != "" {
			if _, err := ParseLevel(lc.Level); err != nil {
				return fmt.Errorf("log config: logger %q: %w", owner, err)
			}
		}
		for _, h := range lc.Handlers {
			if _, ok := c.Handlers[h]; !ok {
				return fmt.Errorf("log config: logger %q: unknown handler %q", owner, h)
			}
		}
		return nil
	}
	if err := check("root", c.Root); err != nil {
		return err
	}
	for name, lc := range c.Loggers {
		if err := check(name, lc); err != nil {
			return err
		}
	}
	return nil
}

// ParseLevel maps a configuration level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warning", "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// rootLevel resolves the effective root level, defaulting to warning — the
// behaviour workers get with no configuration at all.
func (c Config) rootLevel() slog.Level {
	if c.Root.Level == "" {
		return slog.LevelWarn
	}
	lvl, err := ParseLevel(c.Root.Level)
	if err != nil {
		return slog.LevelWarn
	}
	return lvl
}

// levelFor resolves the effective minimum level for a named logger,
// honouring the longest matching configured prefix.
func (c Config) levelFor(logger string) slog.Level {
	best := -1
	lvl := c.rootLevel()
	for name, lc := range c.Loggers {
		if lc.Level == "" {
			continue
		}
		if logger == name || strings.HasPrefix(logger, name+".") {
			if len(name) > best {
				if parsed, err := ParseLevel(lc.Level); err == nil {
					best = len(name)
					lvl = parsed
				}
			}
		}
	}
	return lvl
}

// DevProfile is the development configuration: debug-and-up to the console.
func DevProfile() Config {
	return Config{
		Version: 1,
		Formatters: map[string]FormatterConfig{
			"plain": {Format: "text"},
		},
		Handlers: map[string]HandlerConfig{
			"console": {Class: ClassConsole, Stream: "stderr", Level: "debug", Formatter: "plain"},
		},
		Root: LoggerConfig{Level: "debug", Handlers: []string{"console"}},
	}
}

// ProdProfile is the production configuration: info-and-up to the console
// plus a midnight-rotated UTC file with 30-day retention at the given path.
func ProdProfile(filename string) Config {
	return Config{
		Version: 1,
		Formatters: map[string]FormatterConfig{
			"plain": {Format: "text"},
			"json":  {Format: "json"},
		},
		Handlers: map[string]HandlerConfig{
			"console": {Class: ClassConsole, Stream: "stderr", Level: "info", Formatter: "plain"},
			"file": {
				Class:         ClassTimedRotatingFile,
				Filename:      filename,
				When:          "midnight",
				RetentionDays: 30,
				UTC:           true,
				Level:         "info",
				Formatter:     "json",
			},
		},
		Root: LoggerConfig{Level: "info", Handlers: []string{"console", "file"}},
	}
}
