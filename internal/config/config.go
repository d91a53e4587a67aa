package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port  string
	Debug bool

	// Storage configuration
	DatabasePath      string
	GraphDatabasePath string
	SearchIndexPath   string

	// Safety classifier
	ClassifierURL          string
	ClassifierModel        string
	ClassifierTimeout      time.Duration
	ImageClassifierTimeout time.Duration
	SpamRejectThreshold    float64
	SpamAcceptThreshold    float64
	RepeatSimilarity       float64
	RepeatMinMatches       int
	RepeatHistory          int

	// Embeddings
	EmbeddingURL     string
	EmbeddingModel   string
	EmbeddingTimeout time.Duration

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// Publication limits
	PostMaxBody        int
	ReplyMaxBody       int
	DefaultLanguage    string
	SupportedLanguages []string

	// Worker and job queue
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	JobMaxAttempts     int
	JobBackoffBase     time.Duration
	JobBackoffMax      time.Duration
	JobLease           time.Duration

	// Feed fan-out
	FeedPageSize  int
	FeedMaxLength int

	// Report escalation
	ReportRecheckThreshold    int
	ReportAutoDeleteThreshold int

	// External source archival
	ArchiveEnabled   bool
	ArchiveBaseURL   string
	StorageAccount   string
	StorageContainer string
	SnapshotDir      string

	// Push delivery
	PushWebhookURL  string
	PushMaxAttempts int
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:  getEnv("PORT", "8080"),
		Debug: getBoolEnv("DEBUG", false),

		DatabasePath:      getEnv("DATABASE_PATH", "citewalk.db"),
		GraphDatabasePath: getEnv("GRAPH_DATABASE_PATH", "citewalk-graph.db"),
		SearchIndexPath:   getEnv("SEARCH_INDEX_PATH", "citewalk.bleve"),

		ClassifierURL:          getEnv("CLASSIFIER_URL", "http://localhost:11434"),
		ClassifierModel:        getEnv("CLASSIFIER_MODEL", "llama3.2"),
		ClassifierTimeout:      getDurationEnv("CLASSIFIER_TIMEOUT", 5*time.Second),
		ImageClassifierTimeout: getDurationEnv("IMAGE_CLASSIFIER_TIMEOUT", 10*time.Second),
		SpamRejectThreshold:    getFloatEnv("SPAM_REJECT_THRESHOLD", 0.9),
		SpamAcceptThreshold:    getFloatEnv("SPAM_ACCEPT_THRESHOLD", 0.1),
		RepeatSimilarity:       getFloatEnv("REPEAT_SIMILARITY", 0.9),
		RepeatMinMatches:       getIntEnv("REPEAT_MIN_MATCHES", 2),
		RepeatHistory:          getIntEnv("REPEAT_HISTORY", 50),

		EmbeddingURL:     getEnv("EMBEDDING_URL", "http://localhost:11434"),
		EmbeddingModel:   getEnv("EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingTimeout: getDurationEnv("EMBEDDING_TIMEOUT", 15*time.Second),

		BreakerFailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getDurationEnv("BREAKER_COOLDOWN", 30*time.Second),

		PostMaxBody:     getIntEnv("POST_MAX_BODY", 10000),
		ReplyMaxBody:    getIntEnv("REPLY_MAX_BODY", 1000),
		DefaultLanguage: getEnv("DEFAULT_LANGUAGE", "en"),

		SupportedLanguages: getSliceEnv("SUPPORTED_LANGUAGES", []string{
			"en", "de", "fr", "es", "it", "pt", "nl",
		}),

		WorkerConcurrency:  getIntEnv("WORKER_CONCURRENCY", 5),
		WorkerPollInterval: getDurationEnv("WORKER_POLL_INTERVAL", time.Second),
		JobMaxAttempts:     getIntEnv("JOB_MAX_ATTEMPTS", 5),
		JobBackoffBase:     getDurationEnv("JOB_BACKOFF_BASE", 2*time.Second),
		JobBackoffMax:      getDurationEnv("JOB_BACKOFF_MAX", 10*time.Minute),
		JobLease:           getDurationEnv("JOB_LEASE", 2*time.Minute),

		FeedPageSize:  getIntEnv("FEED_PAGE_SIZE", 1000),
		FeedMaxLength: getIntEnv("FEED_MAX_LENGTH", 500),

		ReportRecheckThreshold:    getIntEnv("REPORT_RECHECK_THRESHOLD", 3),
		ReportAutoDeleteThreshold: getIntEnv("REPORT_AUTO_DELETE_THRESHOLD", 10),

		ArchiveEnabled:   getBoolEnv("ARCHIVE_ENABLED", true),
		ArchiveBaseURL:   getEnv("ARCHIVE_BASE_URL", "https://web.archive.org"),
		StorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "snapshots"),
		SnapshotDir:      getEnv("SNAPSHOT_DIR", "snapshots"),

		PushWebhookURL:  getEnv("PUSH_WEBHOOK_URL", ""),
		PushMaxAttempts: getIntEnv("PUSH_MAX_ATTEMPTS", 5),
		SMTPHost:        getEnv("SMTP_HOST", ""),
		SMTPPort:        getIntEnv("SMTP_PORT", 587),
		SMTPUsername:    getEnv("SMTP_USERNAME", ""),
		SMTPPassword:    getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:        getEnv("SMTP_FROM", ""),
	}

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	for name, v := range map[string]float64{
		"SPAM_REJECT_THRESHOLD": c.SpamRejectThreshold,
		"SPAM_ACCEPT_THRESHOLD": c.SpamAcceptThreshold,
		"REPEAT_SIMILARITY":     c.RepeatSimilarity,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, v)
		}
	}

	if c.SpamAcceptThreshold >= c.SpamRejectThreshold {
		return fmt.Errorf("SPAM_ACCEPT_THRESHOLD must be lower than SPAM_REJECT_THRESHOLD")
	}

	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}

	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1")
	}

	if c.FeedPageSize < 1 || c.FeedMaxLength < 1 {
		return fmt.Errorf("FEED_PAGE_SIZE and FEED_MAX_LENGTH must be positive")
	}

	if c.ReportRecheckThreshold > c.ReportAutoDeleteThreshold {
		return fmt.Errorf("REPORT_RECHECK_THRESHOLD must not exceed REPORT_AUTO_DELETE_THRESHOLD")
	}

	if c.SMTPHost != "" {
		if c.SMTPUsername == "" || c.SMTPPassword == "" {
			return fmt.Errorf("SMTP_USERNAME and SMTP_PASSWORD are required when SMTP_HOST is set")
		}
	}

	return nil
}

// EmailEnabled reports whether push entries are also delivered by email
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != ""
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
