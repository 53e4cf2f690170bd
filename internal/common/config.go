package common

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig
	Dispatcher DispatcherConfig
	Pipeline   PipelineConfig
	Policy     PolicyConfig
	Ingest     IngestConfig
	Metrics    MetricsConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string
	Driver           string // "postgres" or "sqlite"
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// DispatcherConfig holds outbox dispatcher configuration
type DispatcherConfig struct {
	Workers        int
	PollInterval   time.Duration
	BatchSize      int
	LeaseDuration  time.Duration
	MaxAttempts    int // delivery attempts before dead-lettering
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// PipelineConfig holds stage execution configuration
type PipelineConfig struct {
	StageTimeout  time.Duration
	AttemptBudget int // retryable failures tolerated per stage
	BlobDir       string
	TesseractBin  string
	MaxImageEdge  int // convert stage scales the longest edge down to this
}

// PolicyConfig holds ABAC evaluation configuration
type PolicyConfig struct {
	EvalTimeout time.Duration
	ExecuteRule string // CEL source for the pipeline entry rule
}

// IngestConfig holds drop-directory ingestion configuration
type IngestConfig struct {
	Roots       []string
	TenantID    string
	ActorID     string
	InitialScan bool
	Debounce    time.Duration
}

// MetricsConfig holds the debug/metrics listener configuration
type MetricsConfig struct {
	Addr string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:              getEnv("DB_URL", ""),
			Driver:           getEnv("DB_DRIVER", "postgres"),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Dispatcher: DispatcherConfig{
			Workers:        getEnvAsInt("DISPATCHER_WORKERS", 4),
			PollInterval:   getEnvAsDuration("DISPATCHER_POLL_INTERVAL", 500*time.Millisecond),
			BatchSize:      getEnvAsInt("DISPATCHER_BATCH_SIZE", 10),
			LeaseDuration:  getEnvAsDuration("DISPATCHER_LEASE", 2*time.Minute),
			MaxAttempts:    getEnvAsInt("DISPATCHER_MAX_ATTEMPTS", 5),
			InitialBackoff: getEnvAsDuration("DISPATCHER_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     getEnvAsDuration("DISPATCHER_MAX_BACKOFF", time.Minute),
		},
		Pipeline: PipelineConfig{
			StageTimeout:  getEnvAsDuration("STAGE_TIMEOUT", 30*time.Second),
			AttemptBudget: getEnvAsInt("STAGE_ATTEMPT_BUDGET", 3),
			BlobDir:       getEnv("BLOB_DIR", "./blobs"),
			TesseractBin:  getEnv("TESSERACT_BIN", "tesseract"),
			MaxImageEdge:  getEnvAsInt("MAX_IMAGE_EDGE", 2048),
		},
		Policy: PolicyConfig{
			EvalTimeout: getEnvAsDuration("POLICY_EVAL_TIMEOUT", 10*time.Millisecond),
			ExecuteRule: getEnv("POLICY_EXECUTE_RULE",
				`"file:upload" in ctx.permissions && res.tenant == ctx.tenant`),
		},
		Ingest: IngestConfig{
			Roots:       splitList(getEnv("INGEST_ROOTS", "")),
			TenantID:    getEnv("INGEST_TENANT_ID", "default"),
			ActorID:     getEnv("INGEST_ACTOR_ID", "ingest-daemon"),
			InitialScan: getEnvAsBool("INGEST_INITIAL_SCAN", true),
			Debounce:    getEnvAsDuration("INGEST_DEBOUNCE", 500*time.Millisecond),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres or sqlite", ErrInvalidInput)
	}
	if c.Dispatcher.Workers <= 0 {
		return NewAppError("CONFIG_ERROR", "DISPATCHER_WORKERS must be positive", ErrInvalidInput)
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		return NewAppError("CONFIG_ERROR", "DISPATCHER_MAX_ATTEMPTS must be positive", ErrInvalidInput)
	}
	if c.Pipeline.AttemptBudget <= 0 {
		return NewAppError("CONFIG_ERROR", "STAGE_ATTEMPT_BUDGET must be positive", ErrInvalidInput)
	}
	return nil
}
