// Package flowconfig loads FlowGate's process configuration from the
// environment, grounded on the teacher's pkg/database.LoadConfigFromEnv:
// env vars with production-ready defaults, validated once at startup.
package flowconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is everything cmd/flowgate-server needs to wire a running control
// plane.
type Config struct {
	HTTPAddr string

	Database DatabaseConfig

	// SigningKeys is the ordered agent-token key set, oldest first. The last
	// (newest) entry signs new tokens; every entry verifies.
	SigningKeys []SigningKeyConfig

	RegistrationTokenSalt []byte
	AgentTokenTTL         time.Duration
	RegistrationTokenTTL  time.Duration

	DeploymentStageSize int
	StreamIdleTimeout   time.Duration
	MaxInboundFrameSize int64
}

// DatabaseConfig mirrors the teacher's database.Config shape, adapted to
// pgx's connection-string form instead of Ent's dialect options.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN renders cfg as a libpq-style connection string, the same shape the
// teacher's database.NewClient builds for its pgx stdlib driver.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// SigningKeyConfig is one entry of the agent-token signing-key set.
type SigningKeyConfig struct {
	ID     string
	Secret []byte
}

// LoadFromEnv loads Config from the environment the way the teacher's
// database.LoadConfigFromEnv does: getEnvOrDefault for everything with a
// sane default, explicit validation at the end.
func LoadFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	maxConns, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_CONNS", "25"))
	minConns, _ := strconv.Atoi(getEnvOrDefault("DB_MIN_CONNS", "2"))

	connMaxLifetime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	connMaxIdleTime, err := time.ParseDuration(getEnvOrDefault("DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_IDLE_TIME: %w", err)
	}

	agentTokenTTL, err := time.ParseDuration(getEnvOrDefault("FLOWGATE_AGENT_TOKEN_TTL", "24h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid FLOWGATE_AGENT_TOKEN_TTL: %w", err)
	}
	registrationTokenTTL, err := time.ParseDuration(getEnvOrDefault("FLOWGATE_REGISTRATION_TOKEN_TTL", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid FLOWGATE_REGISTRATION_TOKEN_TTL: %w", err)
	}
	streamIdleTimeout, err := time.ParseDuration(getEnvOrDefault("FLOWGATE_STREAM_IDLE_TIMEOUT", "5m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid FLOWGATE_STREAM_IDLE_TIMEOUT: %w", err)
	}
	stageSize, _ := strconv.Atoi(getEnvOrDefault("FLOWGATE_DEPLOYMENT_STAGE_SIZE", "10"))
	maxFrameSize, err := strconv.ParseInt(getEnvOrDefault("FLOWGATE_MAX_INBOUND_FRAME_BYTES", "1048576"), 10, 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid FLOWGATE_MAX_INBOUND_FRAME_BYTES: %w", err)
	}

	keys, err := parseSigningKeys(getEnvOrDefault("FLOWGATE_AGENT_TOKEN_KEYS", ""))
	if err != nil {
		return Config{}, err
	}

	salt := os.Getenv("FLOWGATE_REGISTRATION_TOKEN_SALT")
	if salt == "" {
		return Config{}, fmt.Errorf("FLOWGATE_REGISTRATION_TOKEN_SALT is required")
	}

	cfg := Config{
		HTTPAddr: getEnvOrDefault("FLOWGATE_HTTP_ADDR", ":8080"),
		Database: DatabaseConfig{
			Host:            getEnvOrDefault("DB_HOST", "localhost"),
			Port:            port,
			User:            getEnvOrDefault("DB_USER", "flowgate"),
			Password:        os.Getenv("DB_PASSWORD"),
			Database:        getEnvOrDefault("DB_NAME", "flowgate"),
			SSLMode:         getEnvOrDefault("DB_SSLMODE", "disable"),
			MaxConns:        int32(maxConns),
			MinConns:        int32(minConns),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
		},
		SigningKeys:           keys,
		RegistrationTokenSalt: []byte(salt),
		AgentTokenTTL:         agentTokenTTL,
		RegistrationTokenTTL:  registrationTokenTTL,
		DeploymentStageSize:   stageSize,
		StreamIdleTimeout:     streamIdleTimeout,
		MaxInboundFrameSize:   maxFrameSize,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants LoadFromEnv alone can't enforce (e.g. a
// pre-built Config handed in by tests).
func (c Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) cannot exceed DB_MAX_CONNS (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if len(c.SigningKeys) == 0 {
		return fmt.Errorf("FLOWGATE_AGENT_TOKEN_KEYS must declare at least one signing key")
	}
	if len(c.RegistrationTokenSalt) == 0 {
		return fmt.Errorf("FLOWGATE_REGISTRATION_TOKEN_SALT is required")
	}
	return nil
}

// parseSigningKeys parses "kid1:secret1,kid2:secret2", keeping the given
// order (oldest first; the last entry signs). An empty string is rejected by Validate,
// not here, so tests can build a Config without reaching for the env.
func parseSigningKeys(raw string) ([]SigningKeyConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var keys []SigningKeyConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid FLOWGATE_AGENT_TOKEN_KEYS entry %q, want kid:secret", entry)
		}
		keys = append(keys, SigningKeyConfig{ID: parts[0], Secret: []byte(parts[1])})
	}
	return keys, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
