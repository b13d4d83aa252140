package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for impact-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values. Secrets (passwords) must
// only come from environment variables.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3460"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Graph    GraphConfig    `yaml:"graph"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Guard    GuardConfig    `yaml:"guard"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"impact"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"impact_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// RedisConfig holds shared-store configuration. An empty host selects the
// process-local job/guard backends instead of Redis.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// AnalysisConfig holds query-log analysis knobs.
type AnalysisConfig struct {
	MaxQueries          int     `yaml:"max_queries" env:"ANALYSIS_MAX_QUERIES" env-default:"5000"`
	SampleRate          float64 `yaml:"sample_rate" env:"ANALYSIS_SAMPLE_RATE" env-default:"1.0"`
	MaxCandidateColumns int     `yaml:"max_candidate_columns" env:"ANALYSIS_MAX_CANDIDATE_COLUMNS" env-default:"400"`
	// ExcludedColumns are noise columns skipped during candidate collection,
	// matched on the bare column name.
	ExcludedColumns    []string `yaml:"excluded_columns" env:"ANALYSIS_EXCLUDED_COLUMNS" env-default:"id,created_at,updated_at,deleted_at"`
	MinDistinctQueries int      `yaml:"min_distinct_queries" env:"ANALYSIS_MIN_DISTINCT_QUERIES" env-default:"2"`
	TopDrivers         int      `yaml:"top_drivers" env:"ANALYSIS_TOP_DRIVERS" env-default:"10"`
	TopDimensions      int      `yaml:"top_dimensions" env:"ANALYSIS_TOP_DIMENSIONS" env-default:"8"`
	// MinJoinCount is the minimum join-edge count for a COUPLED graph edge.
	MinJoinCount int `yaml:"min_join_count" env:"ANALYSIS_MIN_JOIN_COUNT" env-default:"2"`
}

// GraphConfig bounds the rendered impact graph.
type GraphConfig struct {
	MaxNodes int `yaml:"max_nodes" env:"GRAPH_MAX_NODES" env-default:"30"`
	MaxEdges int `yaml:"max_edges" env:"GRAPH_MAX_EDGES" env-default:"60"`
	TopPaths int `yaml:"top_paths" env:"GRAPH_TOP_PATHS" env-default:"5"`
}

// JobsConfig holds async job store settings.
type JobsConfig struct {
	JobTTL      time.Duration `yaml:"job_ttl" env:"JOBS_JOB_TTL" env-default:"1h"`
	CacheTTL    time.Duration `yaml:"cache_ttl" env:"JOBS_CACHE_TTL" env-default:"15m"`
	PollAfterMs int           `yaml:"poll_after_ms" env:"JOBS_POLL_AFTER_MS" env-default:"1500"`
}

// GuardConfig holds rate limiting and idempotency settings.
type GuardConfig struct {
	RateLimit      int           `yaml:"rate_limit" env:"GUARD_RATE_LIMIT" env-default:"60"`
	RateWindow     time.Duration `yaml:"rate_window" env:"GUARD_RATE_WINDOW" env-default:"1m"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"GUARD_IDEMPOTENCY_TTL" env-default:"24h"`
}

// IngestConfig holds log ingestion limits.
type IngestConfig struct {
	MaxSQLBytes int `yaml:"max_sql_bytes" env:"INGEST_MAX_SQL_BYTES" env-default:"65536"`
	MaxBatch    int `yaml:"max_batch" env:"INGEST_MAX_BATCH" env-default:"1000"`
}

// AllowedTimeRanges is the closed set of analysis windows.
var AllowedTimeRanges = map[string]time.Duration{
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks structural limits after loading.
func (c *Config) Validate() error {
	if c.Analysis.MaxQueries <= 0 {
		return fmt.Errorf("analysis.max_queries must be positive")
	}
	if c.Analysis.SampleRate <= 0 || c.Analysis.SampleRate > 1.0 {
		return fmt.Errorf("analysis.sample_rate must be in (0, 1]")
	}
	if c.Graph.MaxNodes < 1 {
		return fmt.Errorf("graph.max_nodes must allow at least the KPI node")
	}
	if c.Graph.MaxEdges < 0 {
		return fmt.Errorf("graph.max_edges must be non-negative")
	}
	if c.Ingest.MaxSQLBytes <= 0 {
		return fmt.Errorf("ingest.max_sql_bytes must be positive")
	}
	if c.Guard.RateLimit <= 0 || c.Guard.RateWindow <= 0 {
		return fmt.Errorf("guard rate limit and window must be positive")
	}
	return nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
