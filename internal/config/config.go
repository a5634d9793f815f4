// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string
	Kafka        KafkaConfig
	LLM          LLMConfig
	Weaviate     WeaviateConfig
	FHIR         UpstreamConfig
	RxNav        RxNavConfig
	Tracing      TracingConfig
	Orchestrator OrchestratorConfig
}

// KafkaConfig configures the Redpanda brokers
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// LLMConfig configures the language service
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
}

// WeaviateConfig configures the guideline index
type WeaviateConfig struct {
	URL     string
	APIKey  string
	Class   string
	Timeout time.Duration
}

// UpstreamConfig is an HTTP upstream with a bounded timeout
type UpstreamConfig struct {
	BaseURL string
	Timeout time.Duration
}

// RxNavConfig configures the drug interaction upstream
type RxNavConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
}

// TracingConfig configures OTLP export
type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Environment string
	SampleRate  float64
}

// OrchestratorConfig bounds a processing cycle
type OrchestratorConfig struct {
	MaxToolRounds int
	ToolTimeout   time.Duration
	CycleTimeout  time.Duration
	SearchLimit   int
}

// Load reads configuration. A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		Kafka: KafkaConfig{
			Brokers:       getEnvList("KAFKA_BROKERS", nil),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "guideline-ingestor"),
		},
		LLM: LLMConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			BaseURL:        getEnv("OPENAI_BASE_URL", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			EmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			Timeout:        getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Weaviate: WeaviateConfig{
			URL:     getEnv("WEAVIATE_URL", "http://localhost:8081"),
			APIKey:  getEnv("WEAVIATE_API_KEY", ""),
			Class:   getEnv("WEAVIATE_CLASS", "ClinicalGuideline"),
			Timeout: getEnvDuration("WEAVIATE_TIMEOUT", 10*time.Second),
		},
		FHIR: UpstreamConfig{
			BaseURL: getEnv("FHIR_BASE_URL", "http://localhost:8082/fhir"),
			Timeout: getEnvDuration("FHIR_TIMEOUT", 10*time.Second),
		},
		RxNav: RxNavConfig{
			BaseURL:        getEnv("RXNAV_BASE_URL", "https://rxnav.nlm.nih.gov/REST"),
			Timeout:        getEnvDuration("RXNAV_TIMEOUT", 10*time.Second),
			RequestsPerSec: getEnvFloat("RXNAV_RPS", 15),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("OTLP_ENDPOINT", "localhost:4317"),
			Environment: getEnv("ENVIRONMENT", "development"),
			SampleRate:  getEnvFloat("TRACING_SAMPLE_RATE", 1.0),
		},
		Orchestrator: OrchestratorConfig{
			MaxToolRounds: getEnvInt("MAX_TOOL_ROUNDS", 8),
			ToolTimeout:   getEnvDuration("TOOL_TIMEOUT", 15*time.Second),
			CycleTimeout:  getEnvDuration("CYCLE_TIMEOUT", 5*time.Minute),
			SearchLimit:   getEnvInt("SEARCH_LIMIT", 4),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	for name, raw := range map[string]string{
		"FHIR_BASE_URL":  c.FHIR.BaseURL,
		"RXNAV_BASE_URL": c.RxNav.BaseURL,
		"WEAVIATE_URL":   c.Weaviate.URL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if c.Orchestrator.MaxToolRounds < 1 {
		return errors.New("MAX_TOOL_ROUNDS must be >= 1")
	}
	if c.Orchestrator.SearchLimit < 1 {
		return errors.New("SEARCH_LIMIT must be >= 1")
	}
	if c.RxNav.RequestsPerSec <= 0 {
		return errors.New("RXNAV_RPS must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"LLM_TIMEOUT":      c.LLM.Timeout,
		"WEAVIATE_TIMEOUT": c.Weaviate.Timeout,
		"FHIR_TIMEOUT":     c.FHIR.Timeout,
		"RXNAV_TIMEOUT":    c.RxNav.Timeout,
		"TOOL_TIMEOUT":     c.Orchestrator.ToolTimeout,
		"CYCLE_TIMEOUT":    c.Orchestrator.CycleTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	// the last LLM_TIMEOUT of a cycle is kept for the final answer
	if c.Orchestrator.CycleTimeout <= c.LLM.Timeout {
		return fmt.Errorf("CYCLE_TIMEOUT (%s) must exceed LLM_TIMEOUT (%s)",
			c.Orchestrator.CycleTimeout, c.LLM.Timeout)
	}
	return nil
}

// HasDatabase reports whether durable sessions and the outbox are configured
func (c *Config) HasDatabase() bool { return c.DatabaseURL != "" }

// HasKafka reports whether brokers are configured
func (c *Config) HasKafka() bool { return len(c.Kafka.Brokers) > 0 }

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
