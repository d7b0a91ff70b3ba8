// Package config loads the collector configuration from flags, the
// environment and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the complete collector configuration.
type Config struct {
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	NumberOfProxies int           `mapstructure:"number_of_proxies"`
	MetricsListen   string        `mapstructure:"metrics_listen"`
	Trace           bool          `mapstructure:"trace"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Database struct {
		Driver  string `mapstructure:"driver"`
		DSN     string `mapstructure:"dsn"`
		Migrate bool   `mapstructure:"migrate"`
	} `mapstructure:"database"`

	Cache struct {
		Expiration      time.Duration `mapstructure:"expiration"`
		CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	} `mapstructure:"cache"`

	// ReportTypes lists the accepted report types; empty means all.
	ReportTypes []string `mapstructure:"report_types"`
}

// SetDefaults installs the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("read_timeout", 10*time.Second)
	v.SetDefault("write_timeout", 10*time.Second)
	v.SetDefault("max_message_size", 1<<20)
	v.SetDefault("number_of_proxies", 0)
	v.SetDefault("metrics_listen", "")
	v.SetDefault("trace", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:reports.db")
	v.SetDefault("database.migrate", true)
	v.SetDefault("cache.expiration", 10*time.Minute)
	v.SetDefault("cache.cleanup_interval", 5*time.Minute)
	v.SetDefault("report_types", []string{})
}

// AddFlags defines the command line flags and binds them to v.
func AddFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.String("listen", ":8080", "Port (and optionally host) to listen for HTTP requests on.")
	flags.Duration("read_timeout", 10*time.Second, "How long to wait for HTTP reads to finish.")
	flags.Duration("write_timeout", 10*time.Second, "How long to wait for HTTP writes to finish.")
	flags.Int64("max_message_size", 1<<20, "Maximum number of bytes allowed in a report POST request.")
	flags.Int("number_of_proxies", 0, "Number of HTTP proxies to expect; this controls how client IPs are extracted from X-Forwarded-For headers.")
	flags.String("metrics_listen", "", "Address to serve Prometheus metrics on; empty disables the metrics server.")
	flags.Bool("trace", false, "Enable otel tracing.")
	flags.String("log_level", "info", "Log level: debug, info, warn or error.")
	flags.String("log_format", "text", "Log format: text or json.")
	flags.String("db_driver", "sqlite3", "Database driver: sqlite3, mysql or pgx.  Also read from $DB_DRIVER.")
	flags.String("dsn", "file:reports.db", "Database DSN.  Also read from $DSN.")
	flags.Bool("migrate", true, "Create or upgrade the database tables on startup.")
	flags.StringSlice("report_types", nil, "Report types to accept (default all).")

	binds := map[string]string{
		"listen":            "listen",
		"read_timeout":      "read_timeout",
		"write_timeout":     "write_timeout",
		"max_message_size":  "max_message_size",
		"number_of_proxies": "number_of_proxies",
		"metrics_listen":    "metrics_listen",
		"trace":             "trace",
		"log.level":         "log_level",
		"log.format":        "log_format",
		"database.driver":   "db_driver",
		"database.dsn":      "dsn",
		"database.migrate":  "migrate",
		"report_types":      "report_types",
	}
	for key, flag := range binds {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
	}
	return nil
}

// Load reads the configuration.  cfgFile is optional; without it a
// config.yaml in the working directory is used when present.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	var cfg Config

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
	}
	v.SetConfigType("yaml")

	v.SetEnvPrefix("REPORT_COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The DSN settings keep the variable names they have always had.
	if err := v.BindEnv("database.driver", "DB_DRIVER"); err != nil {
		return cfg, err
	}
	if err := v.BindEnv("database.dsn", "DSN"); err != nil {
		return cfg, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		slog.Info("Using config file", "path", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unable to decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail much later.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	switch c.Database.Driver {
	case "sqlite3", "mysql", "pgx":
	default:
		return fmt.Errorf("unsupported database driver %q (want sqlite3, mysql or pgx)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database DSN must not be empty")
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	if c.NumberOfProxies < 0 {
		return fmt.Errorf("number_of_proxies must not be negative, got %d", c.NumberOfProxies)
	}
	return nil
}

// NewLogger builds the process logger.  format is "text" or "json".
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
}
