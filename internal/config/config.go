package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Storage    StorageConfig
	Kafka      KafkaConfig
	Logging    LoggingConfig
	Session    SessionConfig
	Market     MarketConfig
	ServiceKey string
}

// ServerConfig holds server specific configuration
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database specific configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StorageConfig holds configuration for the columnar partition storage service
type StorageConfig struct {
	URL            string
	Timeout        time.Duration
	ServiceKey     string
	MaxElapsedTime time.Duration
}

// KafkaConfig holds Kafka specific configuration
type KafkaConfig struct {
	Enabled  bool
	Brokers  string
	ClientID string
	Topics   map[string]string
}

// LoggingConfig holds logging specific configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// SessionConfig holds the session runtime configuration
type SessionConfig struct {
	Mode                string        `validate:"required,oneof=live backtest"`
	PacingMultiplier    float64       `validate:"gte=0"`
	Symbols             []string      `validate:"min=1"`
	ExchangeGroup       string        `validate:"required"`
	AssetClass          string        `validate:"required"`
	NativeInterval      string        `validate:"required"`
	DerivedIntervals    []string      `validate:"dive,required"`
	TrailingHistoryDays int           `validate:"gte=0"`
	GapRetryCeiling     int           `validate:"gte=0"`
	TimeoutSeconds      int           `validate:"gt=0"`
	AutoRoll            bool
	StartDate           string `validate:"required"`
	EndDate             string
	ClockTick           time.Duration
	UpkeepInterval      time.Duration
	PrefetchLead        time.Duration
	PostMarketRollDelay time.Duration
	BoundaryInterval    time.Duration
	SubscriptionTimeout time.Duration
	LagCheckEvery       int
	LagThreshold        time.Duration
	MaxBarsPerSeries    int
}

// MarketConfig holds market-hours metadata keyed by "<exchangeGroup>/<assetClass>"
type MarketConfig struct {
	Hours    map[string]MarketHoursConfig
	Holidays []string
}

// MarketHoursConfig describes trading hours for one exchange group and asset
// class. Times are local to Timezone in "15:04" form.
type MarketHoursConfig struct {
	Timezone      string
	RegularOpen   string
	RegularClose  string
	ExtendedOpen  string
	ExtendedClose string
}

// LoadConfig loads the configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment variables override
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the session runtime configuration at startup. An invalid
// configuration is a programming error and aborts the run.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c.Session); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}
	return nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.readTimeout", "10s")
	v.SetDefault("server.writeTimeout", "10s")
	v.SetDefault("server.idleTimeout", "120s")

	// Database defaults
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.connMaxLifetime", "30m")

	// Storage service defaults
	v.SetDefault("storage.url", "http://storage-service:8087")
	v.SetDefault("storage.timeout", "30s")
	v.SetDefault("storage.maxElapsedTime", "2m")
	v.SetDefault("storage.serviceKey", "session-engine-key")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "kafka:9092")
	v.SetDefault("kafka.clientID", "session-engine")
	v.SetDefault("kafka.topics.sessionEvents", "session-events")

	// Session defaults
	v.SetDefault("session.mode", "backtest")
	v.SetDefault("session.pacingMultiplier", 0)
	v.SetDefault("session.nativeInterval", "1m")
	v.SetDefault("session.derivedIntervals", []string{"5m", "15m"})
	v.SetDefault("session.trailingHistoryDays", 5)
	v.SetDefault("session.gapRetryCeiling", 5)
	v.SetDefault("session.timeoutSeconds", 120)
	v.SetDefault("session.autoRoll", true)
	v.SetDefault("session.clockTick", "1s")
	v.SetDefault("session.upkeepInterval", "60s")
	v.SetDefault("session.prefetchLead", "60m")
	v.SetDefault("session.postMarketRollDelay", "15m")
	v.SetDefault("session.boundaryInterval", "1s")
	v.SetDefault("session.subscriptionTimeout", "5s")
	v.SetDefault("session.lagCheckEvery", 25)
	v.SetDefault("session.lagThreshold", "30s")
	v.SetDefault("session.maxBarsPerSeries", 10000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("serviceKey", "session-engine-key")
}
