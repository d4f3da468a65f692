package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the triage control plane.
type Config struct {
	Port      int
	Version   string
	LogFormat string
	LogLevel  string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Routing   RoutingConfig
	Loop      LoopConfig
	Memory    MemoryConfig
	Feedback  FeedbackConfig
	Audit     AuditConfig
	Planner   PlannerConfig
	Embedding EmbeddingConfig
	Tools     ToolsConfig
	Auth      AuthConfig
	Retention RetentionConfig
}

type DatabaseConfig struct {
	// URL enables the Postgres corpus store when set.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Version      string
}

type RoutingConfig struct {
	Threshold    float64
	TopK         int
	Fallback     []string
	RulesPath    string
	ExamplesPath string
	PolicyPath   string
}

type LoopConfig struct {
	// Mode is "agent" (all capabilities declared) or "routed".
	Mode               string
	MaxIterations      int
	TurnDeadline       time.Duration
	PlannerRetries     int
	CapabilityRetries  int
	PreviewChars       int
	MaxConcurrentTurns int
}

type MemoryConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

type FeedbackConfig struct {
	DBPath               string
	AutoApproveThreshold int
	WindowDays           int
	MinOccurrences       int
	// PrivilegedRoles may trigger learning cycles and ingestion.
	PrivilegedRoles []string
}

type AuditConfig struct {
	// FilePath of the rotating JSONL audit log. Empty disables the file sink.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	RingSize   int
}

type PlannerConfig struct {
	Provider string // "openai" or "scripted"
	BaseURL  string
	APIKey   string
	Model    string
}

type EmbeddingConfig struct {
	Provider   string // "hash", "openai" or "ollama"
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
	CacheTTL   time.Duration
}

type ToolsConfig struct {
	DocsDir    string
	AuthLogDir string
	SearXNGURL string
	// NVDURL enables structured CVE lookups; empty disables them.
	NVDURL    string
	NVDAPIKey string
	// KEVURL is the CISA known-exploited catalog; empty skips the check.
	KEVURL       string
	ChunkSize    int
	ChunkOverlap int
}

// RetentionConfig drives the feedback janitor. Days <= 0 disables it.
type RetentionConfig struct {
	Days       int
	Interval   time.Duration
	Mode       string // "archive-and-purge", "archive-only" or "purge-only"
	ArchiveDir string
	Compress   bool
}

type AuthConfig struct {
	// APIKeys enables bearer / X-API-Key auth on /api/v1 when non-empty.
	APIKeys []string
	// DefaultRole applies when a request carries no X-Triage-Role header.
	DefaultRole string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present;
// variables already set in the environment win.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to read .env file")
	}

	return &Config{
		Port:      envInt("TRIAGE_PORT", 8080),
		Version:   envStr("TRIAGE_VERSION", "0.1.0"),
		LogFormat: envStr("TRIAGE_LOG_FORMAT", "console"),
		LogLevel:  envStr("TRIAGE_LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "triage-control-plane"),
			Version:      envStr("TRIAGE_VERSION", "0.1.0"),
		},
		Routing: RoutingConfig{
			Threshold:    envFloat("TRIAGE_SIMILARITY_THRESHOLD", 0.75),
			TopK:         envInt("TRIAGE_TOP_K", 3),
			Fallback:     envList("TRIAGE_FALLBACK_CAPABILITIES", []string{"retrieval"}),
			RulesPath:    envStr("TRIAGE_RULES_PATH", ""),
			ExamplesPath: envStr("TRIAGE_EXAMPLES_PATH", ""),
			PolicyPath:   envStr("TRIAGE_POLICY_PATH", ""),
		},
		Loop: LoopConfig{
			Mode:               envStr("TRIAGE_LOOP_MODE", "agent"),
			MaxIterations:      envInt("TRIAGE_MAX_ITERATIONS", 5),
			TurnDeadline:       envDuration("TRIAGE_TURN_DEADLINE", 60*time.Second),
			PlannerRetries:     envInt("TRIAGE_PLANNER_RETRIES", 2),
			CapabilityRetries:  envInt("TRIAGE_CAPABILITY_RETRIES", 1),
			PreviewChars:       envInt("TRIAGE_PREVIEW_CHARS", 200),
			MaxConcurrentTurns: envInt("TRIAGE_MAX_CONCURRENT_TURNS", 32),
		},
		Memory: MemoryConfig{
			TTL:           envDuration("TRIAGE_SESSION_TTL", 60*time.Minute),
			SweepInterval: envDuration("TRIAGE_SESSION_SWEEP", 5*time.Minute),
		},
		Feedback: FeedbackConfig{
			DBPath:               envStr("TRIAGE_FEEDBACK_DB", "routing_feedback.db"),
			AutoApproveThreshold: envInt("TRIAGE_AUTO_APPROVE", 5),
			WindowDays:           envInt("TRIAGE_FEEDBACK_WINDOW_DAYS", 30),
			MinOccurrences:       envInt("TRIAGE_FEEDBACK_MIN_OCCURRENCES", 3),
			PrivilegedRoles:      envList("TRIAGE_PRIVILEGED_ROLES", []string{"security"}),
		},
		Audit: AuditConfig{
			FilePath:   envStr("TRIAGE_AUDIT_LOG", "audit.log"),
			MaxSizeMB:  envInt("TRIAGE_AUDIT_MAX_SIZE_MB", 100),
			MaxBackups: envInt("TRIAGE_AUDIT_MAX_BACKUPS", 10),
			MaxAgeDays: envInt("TRIAGE_AUDIT_MAX_AGE_DAYS", 90),
			RingSize:   envInt("TRIAGE_AUDIT_RING_SIZE", 1024),
		},
		Planner: PlannerConfig{
			Provider: envStr("TRIAGE_PLANNER", "openai"),
			BaseURL:  envStr("OPENAI_BASE_URL", ""),
			APIKey:   envStr("OPENAI_API_KEY", ""),
			Model:    envStr("TRIAGE_PLANNER_MODEL", "gpt-4o-mini"),
		},
		Embedding: EmbeddingConfig{
			Provider:   envStr("TRIAGE_EMBEDDER", "hash"),
			Model:      envStr("TRIAGE_EMBEDDING_MODEL", "text-embedding-3-small"),
			BaseURL:    envStr("TRIAGE_EMBEDDING_URL", ""),
			APIKey:     envStr("OPENAI_API_KEY", ""),
			Dimensions: envInt("TRIAGE_EMBEDDING_DIMENSIONS", 384),
			CacheTTL:   envDuration("TRIAGE_EMBEDDING_CACHE_TTL", 30*time.Minute),
		},
		Tools: ToolsConfig{
			DocsDir:      envStr("TRIAGE_DOCS_DIR", "data/docs"),
			AuthLogDir:   envStr("TRIAGE_AUTH_LOG_DIR", "data/logs/auth"),
			SearXNGURL:   envStr("SEARXNG_URL", "http://localhost:8888"),
			NVDURL:       envStr("TRIAGE_NVD_URL", "https://services.nvd.nist.gov/rest/json/cves/2.0"),
			NVDAPIKey:    envStr("NVD_API_KEY", ""),
			KEVURL:       envStr("TRIAGE_KEV_URL", "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"),
			ChunkSize:    envInt("TRIAGE_CHUNK_SIZE", 1000),
			ChunkOverlap: envInt("TRIAGE_CHUNK_OVERLAP", 200),
		},
		Auth: AuthConfig{
			APIKeys:     envList("TRIAGE_API_KEYS", nil),
			DefaultRole: envStr("TRIAGE_DEFAULT_ROLE", "viewer"),
		},
		Retention: RetentionConfig{
			Days:       envInt("TRIAGE_FEEDBACK_RETENTION_DAYS", 90),
			Interval:   envDuration("TRIAGE_RETENTION_INTERVAL", 24*time.Hour),
			Mode:       envStr("TRIAGE_RETENTION_MODE", "archive-and-purge"),
			ArchiveDir: envStr("TRIAGE_ARCHIVE_DIR", "data/archive"),
			Compress:   envBool("TRIAGE_ARCHIVE_COMPRESS", true),
		},
	}
}

// LoadYAML decodes the YAML file at path into v. It reports false without
// an error when path is empty or the file does not exist, so callers can
// fall back to built-in defaults.
func LoadYAML(path string, v any) (bool, error) {
	if path == "" {
		return false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("path", path).Msg("Config file not found, using defaults")
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	return true, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
