package config

import "time"

// --- Shared Configs ---

type ServerConfig struct {
	HTTPPort string
	Name     string
	LogLevel string // debug, info, warn, error
	LogFile  string
	// LogFormat is json or console
	LogFormat string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN renders the postgres connection string
func (c DatabaseConfig) DSN() string {
	return "host=" + c.Host +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.Name +
		" port=" + c.Port +
		" sslmode=" + c.SSLMode +
		" TimeZone=UTC"
}

type RedisConfig struct {
	Host      string
	Port      string
	DB        int
	KeyPrefix string
}

// Addr returns host:port
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

type WalletConfig struct {
	BaseURL       string
	ServiceToken  string
	Timeout       time.Duration
	RetryAttempts int
	RetryBase     time.Duration
	RetryMax      time.Duration
}

type WebSocketConfig struct {
	PingInterval   time.Duration
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}
