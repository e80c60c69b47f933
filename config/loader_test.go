package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ventureval/ventureval/internal/database"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 60, cfg.RateLimit.IPPerMinute)
	assert.Equal(t, []string{"/api/evaluate"}, cfg.RateLimit.GovernedPrefixes)
	assert.Equal(t, 3, cfg.Engine.MaxMarketAttempts)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_port: 9191
  shutdown_timeout: 5s
database:
  driver: postgres
  host: db.internal
  port: 5432
  user: ventureval
  password: secret
  name: ventureval
  ssl_mode: require
engine:
  model: gpt-4o
rate_limit:
  ip_per_minute: 120
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.HTTPPort)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "gpt-4o", cfg.Engine.Model)
	assert.Equal(t, 120, cfg.RateLimit.IPPerMinute)

	// 未覆盖的字段保持默认
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("VENTUREVAL_SERVER_HTTP_PORT", "7070")
	t.Setenv("VENTUREVAL_DATABASE_DRIVER", "postgres")
	t.Setenv("VENTUREVAL_SERVER_READ_TIMEOUT", "45s")
	t.Setenv("VENTUREVAL_RATE_LIMIT_ADMIN_BYPASS_TOKENS", "tok-a, tok-b")
	t.Setenv("VENTUREVAL_RATE_LIMIT_ENABLED", "false")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"tok-a", "tok-b"}, cfg.RateLimit.AdminBypassTokens)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoader_EnvBeatsFile(t *testing.T) {
	path := writeConfigFile(t, "server:\n  http_port: 9191\n")
	t.Setenv("VENTUREVAL_SERVER_HTTP_PORT", "6060")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.HTTPPort)
}

func TestLoader_ValidatorRejects(t *testing.T) {
	path := writeConfigFile(t, "database:\n  driver: mysql\n")

	_, err := NewLoader().
		WithConfigPath(path).
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.HTTPPort = -1
	cfg.Engine.MaxMarketAttempts = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")
	assert.Contains(t, err.Error(), "max_market_attempts")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5432,
		User: "u", Password: "p", Name: "ventureval", SSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=ventureval sslmode=disable", d.DSN())

	d = DatabaseConfig{Driver: "sqlite", Name: "data.db"}
	assert.Equal(t, "data.db", d.DSN())

	d = DatabaseConfig{Driver: "oracle"}
	assert.Empty(t, d.DSN())
}

func TestConfig_DatabaseOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.MaxOpenConns = 7

	opts := cfg.DatabaseOptions()
	assert.Equal(t, database.DriverSQLite, opts.Driver)
	assert.Equal(t, "ventureval.db", opts.DSN)
	assert.Equal(t, 7, opts.Pool.MaxOpenConns)
}

func TestConfig_RateLimitRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit.IPPerMinute = 10
	cfg.RateLimit.IPPerHour = 0
	cfg.RateLimit.AdminBypassTokens = []string{"ops"}

	rc := cfg.RateLimitRules()
	require.Len(t, rc.IPRules, 1)
	assert.Equal(t, 10, rc.IPRules[0].Requests)
	assert.Equal(t, time.Minute, rc.IPRules[0].Window)
	assert.Equal(t, []string{"ops"}, rc.AdminBypassTokens)
	assert.Len(t, rc.SessionRules, 2)
}

func TestConfig_EngineOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Model = "gpt-4"
	ec := cfg.EngineOptions()
	assert.Equal(t, "gpt-4", ec.Model)
	assert.Equal(t, 3, ec.MaxMarketAttempts)
}
