package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
)

var (
	errConfigInvalid      = errors.New("invalid config")
	errConfigFileNotFound = errors.New("config file not found")
)

// Config holds the server's settings.
type Config struct {
	HTTPAddr string `json:"http_addr"`
	// WALAddr is the walstream sidecar to mirror changes from. Empty disables
	// mirroring.
	WALAddr string `json:"wal_addr,omitempty"`
	// PostgresDSN is used to introspect the schema. When empty, SchemaFile is
	// loaded instead.
	PostgresDSN  string   `json:"postgres_dsn,omitempty"`
	Schemas      []string `json:"schemas,omitempty"`
	SchemaFile   string   `json:"schema_file,omitempty"`
	HistoryLimit int      `json:"history_limit"`
	LogLevel     string   `json:"log_level"`
	LogFormat    string   `json:"log_format"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		HTTPAddr:     ":8080",
		Schemas:      []string{"public"},
		HistoryLimit: 1024,
		LogLevel:     "info",
		LogFormat:    "json",
	}
}

// BindFlags registers a flag for every setting. Values land in overrides;
// Load applies only the flags that were set.
func BindFlags(fs *flag.FlagSet, overrides *Config) {
	fs.StringVar(&overrides.HTTPAddr, "http-addr", "", "HTTP listen address")
	fs.StringVar(&overrides.WALAddr, "wal-addr", "", "walstream sidecar address (host:port)")
	fs.StringVar(&overrides.PostgresDSN, "postgres-dsn", "", "Postgres connection string for schema introspection")
	fs.StringSliceVar(&overrides.Schemas, "schema", nil, "Postgres schemas to mirror")
	fs.StringVar(&overrides.SchemaFile, "schema-file", "", "catalog JSON to load when no DSN is given")
	fs.IntVar(&overrides.HistoryLimit, "history-limit", 0, "committed versions kept for lagging readers")
	fs.StringVar(&overrides.LogLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&overrides.LogFormat, "log-format", "", "json or console")
}

// Load builds the configuration with the following precedence (highest
// wins):
// 1. Defaults
// 2. The config file at path, if path is non-empty
// 3. LIVEQUERY_* and PG* environment variables
// 4. Flags in fs that were set on the command line.
func Load(path string, env []string, fs *flag.FlagSet, overrides Config) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
		if err != nil {
			if os.IsNotExist(err) {
				return Config{}, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
			}
			return Config{}, err
		}
		if err := parseInto(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
		}
	}

	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, fmt.Errorf("%w: %w", errConfigInvalid, err)
	}

	if fs != nil {
		applyFlags(&cfg, fs, overrides)
	}

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", errConfigInvalid, err)
	}
	return cfg, nil
}

// parseInto decodes a JSON-with-comments document over cfg, so absent keys
// keep their current values.
func parseInto(data []byte, cfg *Config) error {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("invalid JSONC: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(standardized)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func lookup(env []string, key string) (string, bool) {
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

func applyEnv(cfg *Config, env []string) error {
	if v, ok := lookup(env, "LIVEQUERY_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := lookup(env, "LIVEQUERY_WAL_ADDR"); ok {
		cfg.WALAddr = v
	}
	if v, ok := lookup(env, "LIVEQUERY_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookup(env, "LIVEQUERY_HISTORY_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LIVEQUERY_HISTORY_LIMIT: %w", err)
		}
		cfg.HistoryLimit = n
	}

	if cfg.PostgresDSN == "" {
		if _, ok := lookup(env, "PGHOST"); ok {
			cfg.PostgresDSN = dsnFromEnv(env)
		}
	}
	return nil
}

// dsnFromEnv builds a key/value connection string from the libpq
// environment variables.
func dsnFromEnv(env []string) string {
	get := func(k, def string) string {
		if v, ok := lookup(env, k); ok && v != "" {
			return v
		}
		return def
	}
	return "host=" + get("PGHOST", "localhost") +
		" port=" + get("PGPORT", "5432") +
		" user=" + get("PGUSER", "postgres") +
		" password=" + get("PGPASSWORD", "pass") +
		" dbname=" + get("PGDATABASE", "postgres") +
		" sslmode=" + get("PGSSLMODE", "disable")
}

func applyFlags(cfg *Config, fs *flag.FlagSet, o Config) {
	if fs.Changed("http-addr") {
		cfg.HTTPAddr = o.HTTPAddr
	}
	if fs.Changed("wal-addr") {
		cfg.WALAddr = o.WALAddr
	}
	if fs.Changed("postgres-dsn") {
		cfg.PostgresDSN = o.PostgresDSN
	}
	if fs.Changed("schema") {
		cfg.Schemas = o.Schemas
	}
	if fs.Changed("schema-file") {
		cfg.SchemaFile = o.SchemaFile
	}
	if fs.Changed("history-limit") {
		cfg.HistoryLimit = o.HistoryLimit
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = o.LogFormat
	}
}

func validate(cfg Config) error {
	if cfg.HTTPAddr == "" {
		return errors.New("http_addr is empty")
	}
	if cfg.HistoryLimit < 1 {
		return fmt.Errorf("history_limit must be positive, got %d", cfg.HistoryLimit)
	}
	if len(cfg.Schemas) == 0 {
		return errors.New("no schemas")
	}
	return nil
}

// Format returns the config as indented JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}
	return string(data), nil
}
