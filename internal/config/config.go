package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EngineConfig holds all configuration of the table engine
type EngineConfig struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Wallet    WalletConfig
	WebSocket WebSocketConfig
	Engine    EngineSettings
}

type EngineSettings struct {
	StoreType          string // memory, redis
	LedgerType         string // mock, http
	DefaultMaxSeats    int
	CurrencyPlaces     int
	MockBalance        string
	Workers            int
	QueueSize          int
	SweepInterval      time.Duration
	OnlineCountEvery   time.Duration
	SettleRetryBackoff time.Duration
}

// LoadEngineConfig loads configuration for the engine.
// A .env file in the working directory is applied first when present.
func LoadEngineConfig() *EngineConfig {
	_ = godotenv.Load()

	return &EngineConfig{
		Server: ServerConfig{
			HTTPPort:  getEnv("ENGINE_HTTP_PORT", "8090"),
			Name:      "table-engine",
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFile:   getEnv("LOG_FILE", "logs/engine.log"),
			LogFormat: getEnv("LOG_FORMAT", "console"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "casino_user"),
			Password: getEnv("DB_PASSWORD", "casino_pass"),
			Name:     getEnv("DB_NAME", "casino_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:      getEnv("REDIS_HOST", "localhost"),
			Port:      getEnv("REDIS_PORT", "6379"),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "engine:"),
		},
		Wallet: WalletConfig{
			BaseURL:       getEnv("WALLET_BASE_URL", "http://localhost:8085"),
			ServiceToken:  getEnv("WALLET_SERVICE_TOKEN", ""),
			Timeout:       getEnvDuration("WALLET_TIMEOUT", 5*time.Second),
			RetryAttempts: getEnvInt("WALLET_RETRY_ATTEMPTS", 5),
			RetryBase:     getEnvDuration("WALLET_RETRY_BASE", 200*time.Millisecond),
			RetryMax:      getEnvDuration("WALLET_RETRY_MAX", 5*time.Second),
		},
		WebSocket: WebSocketConfig{
			PingInterval:   54 * time.Second,
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
			MaxMessageSize: 512,
		},
		Engine: EngineSettings{
			StoreType:          getEnv("ENGINE_STORE_TYPE", "memory"),
			LedgerType:         getEnv("ENGINE_LEDGER_TYPE", "mock"),
			DefaultMaxSeats:    getEnvInt("ENGINE_DEFAULT_MAX_SEATS", 2),
			CurrencyPlaces:     getEnvInt("ENGINE_CURRENCY_PLACES", 2),
			MockBalance:        getEnv("ENGINE_MOCK_BALANCE", "10000"),
			Workers:            getEnvInt("ENGINE_WORKERS", 4),
			QueueSize:          getEnvInt("ENGINE_QUEUE_SIZE", 1024),
			SweepInterval:      getEnvDuration("ENGINE_SWEEP_INTERVAL", 30*time.Second),
			OnlineCountEvery:   getEnvDuration("ENGINE_ONLINE_COUNT_INTERVAL", 10*time.Second),
			SettleRetryBackoff: getEnvDuration("ENGINE_SETTLE_RETRY_BACKOFF", time.Second),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings such as "250ms" or "30s"
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
