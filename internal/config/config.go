// Package config holds runtime settings for the ingestion tools.
//
// Environment variables:
//   - INGEST_LOG_LEVEL: debug, info, warn or error (default: info)
//   - INGEST_WORKERS: concurrent documents in batch and watch mode (default: 4)
//   - INGEST_SOURCE_PRIORITY: conflict priorities, e.g. "tabular=2,hierarchical=1"
//   - INGEST_AMOUNT_CEILING: revenue/expense ceiling before a warning (default: 1000000000)
//   - INGEST_TOLERANCE: balance and reconciliation tolerance (default: 0.01)
//   - INGEST_DEFAULT_CURRENCY: currency for documents that name none (default: USD)
//   - INGEST_SQLITE_PATH: SQLite database file for the local store
//   - GCS_BUCKET: bucket for uploads and gs:// ingestion
//   - BQ_PROJECT, BQ_DATASET: BigQuery destination (dataset default: finance)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dvloznov/finance-ingest/internal/conflict"
	"github.com/dvloznov/finance-ingest/internal/logger"
	"github.com/dvloznov/finance-ingest/internal/validation"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Default values.
const (
	DefaultWorkers        = 4
	DefaultQueueBuffer    = 64
	DefaultMaxRetries     = 3
	DefaultCurrency       = "USD"
	DefaultDataset        = "finance"
	DefaultSourcePriority = "tabular=2,hierarchical=1"
	DefaultAmountCeiling  = "1000000000"
	DefaultTolerance      = "0.01"
	DefaultLogLevel       = "info"
)

// Config is the full runtime configuration.
type Config struct {
	LogLevel        string
	Workers         int
	QueueBuffer     int
	MaxRetries      int
	SourcePriority  conflict.PriorityTable
	AmountCeiling   decimal.Decimal
	Tolerance       decimal.Decimal
	DefaultCurrency string

	SQLitePath string
	GCSBucket  string
	BQProject  string
	BQDataset  string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:        DefaultLogLevel,
		Workers:         DefaultWorkers,
		QueueBuffer:     DefaultQueueBuffer,
		MaxRetries:      DefaultMaxRetries,
		SourcePriority:  conflict.DefaultPriorities(),
		AmountCeiling:   decimal.RequireFromString(DefaultAmountCeiling),
		Tolerance:       decimal.RequireFromString(DefaultTolerance),
		DefaultCurrency: DefaultCurrency,
		BQDataset:       DefaultDataset,
	}
}

// FromEnv overlays environment variables on Default.
func FromEnv() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup overlays values from lookup on Default. Unset or blank
// variables keep their defaults.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("INGEST_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := get("INGEST_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("FromLookup: INGEST_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	if v, ok := get("INGEST_SOURCE_PRIORITY"); ok {
		table, err := conflict.ParsePriorities(v)
		if err != nil {
			return cfg, fmt.Errorf("FromLookup: INGEST_SOURCE_PRIORITY: %w", err)
		}
		cfg.SourcePriority = table
	}
	if v, ok := get("INGEST_AMOUNT_CEILING"); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return cfg, fmt.Errorf("FromLookup: INGEST_AMOUNT_CEILING: %w", err)
		}
		cfg.AmountCeiling = d
	}
	if v, ok := get("INGEST_TOLERANCE"); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return cfg, fmt.Errorf("FromLookup: INGEST_TOLERANCE: %w", err)
		}
		cfg.Tolerance = d
	}
	if v, ok := get("INGEST_DEFAULT_CURRENCY"); ok {
		cfg.DefaultCurrency = strings.ToUpper(v)
	}
	if v, ok := get("INGEST_SQLITE_PATH"); ok {
		cfg.SQLitePath = v
	}
	if v, ok := get("GCS_BUCKET"); ok {
		cfg.GCSBucket = v
	}
	if v, ok := get("BQ_PROJECT"); ok {
		cfg.BQProject = v
	}
	if v, ok := get("BQ_DATASET"); ok {
		cfg.BQDataset = v
	}
	return cfg, cfg.Validate()
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("Validate: %w", err)
	}
	if c.Workers < 1 {
		return fmt.Errorf("Validate: workers must be at least 1, got %d", c.Workers)
	}
	if c.QueueBuffer < 0 {
		return fmt.Errorf("Validate: queue buffer must not be negative, got %d", c.QueueBuffer)
	}
	if len(c.SourcePriority) == 0 {
		return fmt.Errorf("Validate: source priority table is empty")
	}
	if !c.AmountCeiling.IsPositive() {
		return fmt.Errorf("Validate: amount ceiling must be positive, got %s", c.AmountCeiling)
	}
	if !c.Tolerance.IsPositive() {
		return fmt.Errorf("Validate: tolerance must be positive, got %s", c.Tolerance)
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("Validate: default currency %q is not a 3-letter code", c.DefaultCurrency)
	}
	if c.BQProject != "" && c.BQDataset == "" {
		return fmt.Errorf("Validate: BQ_DATASET is required when BQ_PROJECT is set")
	}
	return nil
}

// Level returns the parsed log level.
func (c Config) Level() zerolog.Level {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// Validation returns the validator settings.
func (c Config) Validation() validation.Config {
	v := validation.DefaultConfig()
	v.Tolerance = c.Tolerance
	v.AmountCeiling = c.AmountCeiling
	return v
}
