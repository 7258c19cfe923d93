package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, DriverMemory, c.Store.Driver)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, 24*time.Hour, c.Auth.TokenTTL)
	assert.Equal(t, "@every 1m", c.Expiry.Schedule)
	assert.Equal(t, 5, c.Outbox.MaxAttempts)
	assert.Equal(t, time.Second, c.Outbox.Interval)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contractly.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
store:
  driver: postgres
database:
  url: postgres://file/db
  max_conns: 4
auth:
  owner: treasury
  token_ttl: 90m
outbox:
  interval: 250ms
`), 0o600))
	t.Setenv("CONTRACTLY_DATABASE_URL", "postgres://env/db")
	t.Setenv("CONTRACTLY_LOG_LEVEL", "debug")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, DriverPostgres, c.Store.Driver)
	assert.Equal(t, "postgres://env/db", c.Database.URL)
	assert.Equal(t, int32(4), c.Database.MaxConns)
	assert.Equal(t, "treasury", c.Auth.Owner)
	assert.Equal(t, 90*time.Minute, c.Auth.TokenTTL)
	assert.Equal(t, 250*time.Millisecond, c.Outbox.Interval)
	assert.Equal(t, "debug", c.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without url", func(c *Config) { c.Store.Driver = DriverPostgres }, "database.url"},
		{"sqlite without path", func(c *Config) { c.Store.Driver = DriverSQLite; c.Store.SQLitePath = "" }, "sqlite_path"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }, "store.driver"},
		{"no owner", func(c *Config) { c.Auth.Owner = "" }, "auth.owner"},
		{"no ttl", func(c *Config) { c.Auth.TokenTTL = 0 }, "token_ttl"},
		{"sweeper without identity", func(c *Config) { c.Expiry.Identity = "" }, "expiry.identity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
