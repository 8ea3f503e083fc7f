// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCPort       string // gRPC health service; empty disables it
	FrontendURL    string
	DBPath         string
	AllowedOrigins []string
	// OperatorToken guards the operator API; required outside development.
	OperatorToken string

	Rules   RulesConfig
	Orders  OrdersConfig
	Session SessionConfig
	Trainer TrainerConfig

	RateLimitPerMinute int
}

// RulesConfig locates and tunes the rule table.
type RulesConfig struct {
	Path   string
	Strict bool
	// ResponseDelay overrides the table's personality delay when positive.
	ResponseDelay time.Duration
}

// OrdersConfig selects the order lookup backend.
type OrdersConfig struct {
	// ServiceAddr is the remote order service; empty uses the local table.
	ServiceAddr   string
	LookupTimeout time.Duration
	IDLength      int
}

// SessionConfig controls conversation actors.
type SessionConfig struct {
	HistoryLimit int
	IdleTTL      time.Duration
}

// TrainerConfig controls the asynchronous trainer log.
type TrainerConfig struct {
	Enabled   bool
	QueueSize int
	// Retention prunes older records; zero keeps them forever.
	Retention time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCPort:       getEnv("GRPC_PORT", "9090"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/parcelchat.db"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		OperatorToken:  getEnv("OPERATOR_TOKEN", ""),
		Rules: RulesConfig{
			Path:          getEnv("RULES_PATH", "./rules/rules.yaml"),
			Strict:        getEnvBool("RULES_STRICT", false),
			ResponseDelay: getEnvDuration("RESPONSE_DELAY", 0),
		},
		Orders: OrdersConfig{
			ServiceAddr:   getEnv("ORDER_SERVICE_ADDR", ""),
			LookupTimeout: getEnvDuration("ORDER_LOOKUP_TIMEOUT", 5*time.Second),
			IDLength:      getEnvInt("ORDER_ID_LENGTH", 20),
		},
		Session: SessionConfig{
			HistoryLimit: getEnvInt("HISTORY_LIMIT", 50),
			IdleTTL:      getEnvDuration("CONVERSATION_IDLE_TTL", 30*time.Minute),
		},
		Trainer: TrainerConfig{
			Enabled:   getEnvBool("TRAINER_LOG_ENABLED", true),
			QueueSize: getEnvInt("TRAINER_LOG_QUEUE_SIZE", 1000),
			Retention: getEnvDuration("TRAINER_LOG_RETENTION", 30*24*time.Hour),
		},
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Rules.Path == "" {
		return fmt.Errorf("RULES_PATH cannot be empty")
	}
	if c.Rules.ResponseDelay < 0 {
		return fmt.Errorf("RESPONSE_DELAY must be >= 0")
	}
	if c.Orders.LookupTimeout <= 0 {
		return fmt.Errorf("ORDER_LOOKUP_TIMEOUT must be > 0")
	}
	if c.Orders.IDLength <= 0 {
		return fmt.Errorf("ORDER_ID_LENGTH must be > 0")
	}
	if c.Session.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.Session.IdleTTL < 0 {
		return fmt.Errorf("CONVERSATION_IDLE_TTL must be >= 0")
	}
	if c.Trainer.QueueSize <= 0 {
		return fmt.Errorf("TRAINER_LOG_QUEUE_SIZE must be > 0")
	}
	if c.Trainer.Retention < 0 {
		return fmt.Errorf("TRAINER_LOG_RETENTION must be >= 0")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be > 0")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("ALLOWED_ORIGINS cannot be empty")
	}
	if c.OperatorToken == "" && !c.IsDevelopment() {
		return fmt.Errorf("OPERATOR_TOKEN is required outside development")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

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

// getEnvDuration accepts Go duration strings ("750ms", "5s") or a bare
// number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
