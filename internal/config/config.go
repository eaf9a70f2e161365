package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/avdb/internal/logger"
	"github.com/loykin/avdb/internal/store"
)

// EnvPrefix prefixes environment overrides, e.g. AVDB_DATABASE_DSN.
const EnvPrefix = "AVDB"

// Probe mechanisms.
const (
	ProbeRxdebug = "rxdebug"
	ProbeUDP     = "udp"
)

// Scan eligibility policies.
const (
	EligibleActive = "active"
	EligibleAll    = "all"
)

// Config represents the top-level TOML structure.
type Config struct {
	Database DatabaseConfig `toml:"database" mapstructure:"database"`
	Scan     ScanConfig     `toml:"scan" mapstructure:"scan"`
	Log      LogConfig      `toml:"log" mapstructure:"log"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
}

type DatabaseConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ScanConfig struct {
	Nprocs               int           `toml:"nprocs" mapstructure:"nprocs"`
	Probe                string        `toml:"probe" mapstructure:"probe"`
	Rxdebug              string        `toml:"rxdebug" mapstructure:"rxdebug"`
	ProbeTimeout         time.Duration `toml:"probe_timeout" mapstructure:"probe_timeout"`
	ScanTimeout          time.Duration `toml:"scan_timeout" mapstructure:"scan_timeout"`
	Eligibility          string        `toml:"eligibility" mapstructure:"eligibility"`
	RequireActiveParents bool          `toml:"require_active_parents" mapstructure:"require_active_parents"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type HistoryConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	DSN     string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	Textfile string `toml:"textfile" mapstructure:"textfile"`
}

type ServerConfig struct {
	Listen string    `toml:"listen" mapstructure:"listen"`
	Every  string    `toml:"every" mapstructure:"every"`
	TLS    TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the HTTP API over TLS. Either CertFile and KeyFile or
// Dir (holding tls.crt and tls.key) must be set when Enabled.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string   `toml:"max_version" mapstructure:"max_version"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "avdb.db")

	v.SetDefault("scan.nprocs", 10)
	v.SetDefault("scan.probe", ProbeRxdebug)
	v.SetDefault("scan.rxdebug", "rxdebug")
	v.SetDefault("scan.probe_timeout", "10s")
	v.SetDefault("scan.scan_timeout", "0s")
	v.SetDefault("scan.eligibility", EligibleActive)
	v.SetDefault("scan.require_active_parents", false)

	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9100")
	v.SetDefault("metrics.textfile", "")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.every", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("server.tls.max_version", "1.3")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := load(viper.New(), "")
	if err != nil {
		// defaults are static; failing here is a programming error
		panic(err)
	}
	return cfg
}

// Load reads path (TOML) on top of the defaults and applies AVDB_*
// environment overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Scan.Nprocs <= 0 {
		errs = append(errs, fmt.Errorf("scan.nprocs must be positive, got %d", c.Scan.Nprocs))
	}
	switch c.Scan.Probe {
	case ProbeRxdebug, ProbeUDP:
	default:
		errs = append(errs, fmt.Errorf("scan.probe must be %q or %q, got %q", ProbeRxdebug, ProbeUDP, c.Scan.Probe))
	}
	switch c.Scan.Eligibility {
	case EligibleActive, EligibleAll:
	default:
		errs = append(errs, fmt.Errorf("scan.eligibility must be %q or %q, got %q", EligibleActive, EligibleAll, c.Scan.Eligibility))
	}
	if c.Scan.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("scan.probe_timeout must be positive"))
	}
	if c.Scan.ScanTimeout < 0 {
		errs = append(errs, errors.New("scan.scan_timeout must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case logger.FormatText, logger.FormatJSON, logger.FormatColor:
	default:
		errs = append(errs, fmt.Errorf("log.format must be text, json or color, got %q", c.Log.Format))
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history.dsn is required when history is enabled"))
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires cert_file and key_file, or dir"))
	}
	return errors.Join(errs...)
}

// NodeFilter translates the eligibility policy into a store filter.
func (s ScanConfig) NodeFilter() store.NodeFilter {
	return store.NodeFilter{
		IncludeInactive:      s.Eligibility == EligibleAll,
		RequireActiveParents: s.RequireActiveParents,
	}
}

// Logger converts the log section into a logger.Config.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      l.Level,
			Format:     l.Format,
			TimeStamps: l.Timestamps,
		},
		File: logger.FileConfig{
			Path:       l.File,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}
