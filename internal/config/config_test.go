package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadEngineConfig_Defaults(t *testing.T) {
	cfg := LoadEngineConfig()

	assert.Equal(t, "memory", cfg.Engine.StoreType)
	assert.Equal(t, "mock", cfg.Engine.LedgerType)
	assert.Equal(t, 2, cfg.Engine.CurrencyPlaces)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
}

func TestLoadEngineConfig_Overrides(t *testing.T) {
	t.Setenv("ENGINE_STORE_TYPE", "redis")
	t.Setenv("ENGINE_WORKERS", "9")
	t.Setenv("ENGINE_SWEEP_INTERVAL", "250ms")
	t.Setenv("WALLET_TIMEOUT", "not-a-duration")

	cfg := LoadEngineConfig()

	assert.Equal(t, "redis", cfg.Engine.StoreType)
	assert.Equal(t, 9, cfg.Engine.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.Wallet.Timeout)
}

func TestDatabaseDSN(t *testing.T) {
	dsn := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", Name: "n", SSLMode: "disable"}.DSN()
	assert.Contains(t, dsn, "host=db")
	assert.Contains(t, dsn, "dbname=n")
	assert.Contains(t, dsn, "sslmode=disable")
}
