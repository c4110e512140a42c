package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// BaseConfig holds base configuration
type BaseConfig struct {
	Debug     bool   `mapstructure:"debug"`
	SentryDSN string `mapstructure:"sentry_dsn"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// ProviderConfig holds one ranked RPC endpoint.
type ProviderConfig struct {
	Name              string `mapstructure:"name"`
	URL               string `mapstructure:"url"`
	Priority          int    `mapstructure:"priority"`
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
	Burst             int    `mapstructure:"burst"`
}

// RPCConfig holds retry, timeout and chunking policy for ledger reads.
type RPCConfig struct {
	Providers []ProviderConfig `mapstructure:"providers"`

	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	// RotateAfter is the consecutive-failure count that triggers rotation to
	// the next ranked provider.
	RotateAfter int `mapstructure:"rotate_after"`

	ChunkSeed   uint64 `mapstructure:"chunk_seed"`
	ChunkMin    uint64 `mapstructure:"chunk_min"`
	ChunkGrowth uint64 `mapstructure:"chunk_growth"`
}

// EthereumConfig holds chain and contract configuration.
type EthereumConfig struct {
	ContractAddress string    `mapstructure:"contract_address"`
	StartBlock      uint64    `mapstructure:"start_block"`
	RPC             RPCConfig `mapstructure:"rpc"`
}

// BiddingConfig holds the bid admission policy.
type BiddingConfig struct {
	FloorPrice          decimal.Decimal `mapstructure:"floor_price"`
	IncrementPercentage decimal.Decimal `mapstructure:"increment_percentage"`
	StalenessWindow     time.Duration   `mapstructure:"staleness_window"`
}

// NATSConfig holds NATS JetStream configuration for downstream notifications.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	StreamName     string        `mapstructure:"stream_name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectionName string        `mapstructure:"connection_name"`
}

// SweeperConfig holds configuration for the consistency repair daemon.
type SweeperConfig struct {
	BaseConfig `mapstructure:",squash"`
	Database   DatabaseConfig `mapstructure:"database"`
	Ethereum   EthereumConfig `mapstructure:"ethereum"`
	Bidding    BiddingConfig  `mapstructure:"bidding"`
	NATS       NATSConfig     `mapstructure:"nats"`

	Interval       time.Duration `mapstructure:"interval"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
}

// LoadSweeperConfig loads configuration for the sweeper binary.
func LoadSweeperConfig(configFile string, envPath string) (*SweeperConfig, error) {
	v := configureViper("sweeper", configFile, envPath)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("ethereum.rpc.max_attempts", 5)
	v.SetDefault("ethereum.rpc.base_delay", "500ms")
	v.SetDefault("ethereum.rpc.max_delay", "30s")
	v.SetDefault("ethereum.rpc.call_timeout", "10s")
	v.SetDefault("ethereum.rpc.rotate_after", 5)
	v.SetDefault("ethereum.rpc.chunk_seed", 500)
	v.SetDefault("ethereum.rpc.chunk_min", 100)
	v.SetDefault("ethereum.rpc.chunk_growth", 10)
	v.SetDefault("bidding.floor_price", "0.001")
	v.SetDefault("bidding.increment_percentage", "0.05")
	v.SetDefault("bidding.staleness_window", "10m")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.stream_name", "MARKET_EVENTS")
	v.SetDefault("interval", "15m")
	v.SetDefault("worker_pool_size", 10)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use environment variables
	}

	var cfg SweeperConfig
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decimalDecodeHook)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Database.Host == "" {
		return nil, errors.New("database.host is required")
	}
	if cfg.Database.DBName == "" {
		return nil, errors.New("database.dbname is required")
	}
	if cfg.Ethereum.ContractAddress == "" {
		return nil, errors.New("ethereum.contract_address is required")
	}
	if len(cfg.Ethereum.RPC.Providers) == 0 {
		return nil, errors.New("at least one ethereum.rpc provider is required")
	}

	return &cfg, nil
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(service string, configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath, service)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(fmt.Sprintf("cmd/%s/", service))
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix("PLATZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindAllEnvVars(v)
	return v
}

// bindAllEnvVars explicitly binds all possible environment variables
// This is required for viper to map env vars to config struct fields when no config file exists
func bindAllEnvVars(v *viper.Viper) {
	keys := []string{
		"debug",
		"sentry_dsn",
		// Database
		"database.host",
		"database.port",
		"database.user",
		"database.password",
		"database.dbname",
		"database.sslmode",
		"database.max_open_conns",
		"database.max_idle_conns",
		"database.conn_max_lifetime",
		"database.conn_max_idle_time",
		// Ethereum
		"ethereum.contract_address",
		"ethereum.start_block",
		"ethereum.rpc.max_attempts",
		"ethereum.rpc.base_delay",
		"ethereum.rpc.max_delay",
		"ethereum.rpc.call_timeout",
		"ethereum.rpc.rotate_after",
		"ethereum.rpc.chunk_seed",
		"ethereum.rpc.chunk_min",
		"ethereum.rpc.chunk_growth",
		// Bidding
		"bidding.floor_price",
		"bidding.increment_percentage",
		"bidding.staleness_window",
		// NATS
		"nats.url",
		"nats.stream_name",
		"nats.max_reconnects",
		"nats.reconnect_wait",
		"nats.connection_name",
		// Sweeper
		"interval",
		"worker_pool_size",
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// loadEnv loads environment variables from the config directory
func loadEnv(envPath string, service string) {
	envFiles := []string{".env", ".env.local"}
	if service != "" {
		envFiles = append(envFiles, ".env."+service+".local")
	}

	if envPath == "" {
		envPath = "config/"
	}

	for _, envFile := range envFiles {
		candidate := filepath.Join(envPath, envFile)
		_ = godotenv.Overload(candidate) // Overload lets later files override earlier ones
	}
}

// decimalDecodeHook decodes string and numeric config values into decimal.Decimal.
func decimalDecodeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != reflect.TypeOf(decimal.Decimal{}) {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	default:
		return data, nil
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
