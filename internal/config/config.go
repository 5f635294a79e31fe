package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "SETMATCH"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabaseDSN       = "setmatch.db"
	defaultConnectAttempts   = 5
	defaultLogLevel          = "info"
	defaultMaxTimestampDiff  = 24 * time.Hour
	defaultStaleThreshold    = 30 * time.Second
	defaultIndexStrategy     = StrategySingle
	defaultAuthIssuer        = "setmatch"
	defaultAuthAudience      = "setmatch-api"
	defaultAuthTokenLifetime = 24 * time.Hour
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Supported index strategies. Aggregate and failover combine the primary
// database with index.backends.
const (
	StrategySingle    = "single"
	StrategyAggregate = "aggregate"
	StrategyFailover  = "failover"
)

// AppConfig captures runtime configuration for the service and CLI.
type AppConfig struct {
	HTTPAddress string
	Database    DatabaseConfig
	LogLevel    string
	// MaxTimestampDiff is the matching tolerance.
	MaxTimestampDiff time.Duration
	Index            IndexConfig
	Auth             AuthConfig
}

type DatabaseConfig struct {
	Driver          string
	DSN             string
	ConnectAttempts uint
}

type IndexConfig struct {
	// StaleThreshold of zero or less disables the heartbeat check.
	StaleThreshold time.Duration
	Strategy       string
	// Backends are additional DSNs, opened with the primary driver.
	Backends []string
}

// AuthConfig enables bearer-token authentication when SigningSecret is set.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// Enabled reports whether API requests must carry a token.
func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.SigningSecret) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("database.connect_attempts", defaultConnectAttempts)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("matching.max_timestamp_diff", defaultMaxTimestampDiff)
	configViper.SetDefault("index.stale_threshold", defaultStaleThreshold)
	configViper.SetDefault("index.strategy", defaultIndexStrategy)
	configViper.SetDefault("index.backends", []string{})
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultAuthTokenLifetime)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		Database: DatabaseConfig{
			Driver:          strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			DSN:             configViper.GetString("database.dsn"),
			ConnectAttempts: configViper.GetUint("database.connect_attempts"),
		},
		LogLevel:         configViper.GetString("log.level"),
		MaxTimestampDiff: configViper.GetDuration("matching.max_timestamp_diff"),
		Index: IndexConfig{
			StaleThreshold: configViper.GetDuration("index.stale_threshold"),
			Strategy:       strings.ToLower(strings.TrimSpace(configViper.GetString("index.strategy"))),
			Backends:       nonEmpty(configViper.GetStringSlice("index.backends")),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.MaxTimestampDiff < 0 {
		return fmt.Errorf("matching.max_timestamp_diff must not be negative")
	}
	switch c.Index.Strategy {
	case StrategySingle:
	case StrategyAggregate, StrategyFailover:
		if len(c.Index.Backends) == 0 {
			return fmt.Errorf("index.backends is required for strategy %q", c.Index.Strategy)
		}
	default:
		return fmt.Errorf("index.strategy must be one of %q, %q, %q", StrategySingle, StrategyAggregate, StrategyFailover)
	}
	if c.Auth.Enabled() {
		if strings.TrimSpace(c.Auth.Issuer) == "" {
			return fmt.Errorf("auth.issuer is required")
		}
		if strings.TrimSpace(c.Auth.Audience) == "" {
			return fmt.Errorf("auth.audience is required")
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be positive")
		}
	}
	return nil
}

func nonEmpty(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
