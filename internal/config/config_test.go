package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile_Defaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, "server:\n  port: 9090\n"))
	assert.NoError(t, err)

	check.Equal(t, 9090, cfg.Server.Port)
	check.Equal(t, "0.0.0.0", cfg.Server.Host)
	check.Equal(t, time.Second, cfg.Engine.TickInterval)
	check.Equal(t, 5*time.Minute, cfg.Engine.TeardownGrace)
	check.False(t, cfg.Engine.AllowLeaderRebid)
	check.Equal(t, 24*time.Hour, cfg.Redis.SnapshotTTL)
	check.Equal(t, "@every 10s", cfg.Scheduler.JobPoll)
	check.Equal(t, 2*time.Second, cfg.Deposit.LookupTimeout)
	check.True(t, cfg.MySQL.EnsureSchema)
}

func TestLoadFromFile_Overrides(t *testing.T) {
	path := writeConfig(t, `
engine:
  tick_interval: 250ms
  teardown_grace: 1m
  allow_leader_rebid: true
scheduler:
  reaper: "@every 5s"
log:
  level: debug
`)
	t.Setenv("INSTANCE_ID", "engine-7")
	t.Setenv("REDIS_ADDRESS", "redis:6380")

	cfg, err := LoadFromFile(path)
	assert.NoError(t, err)

	check.Equal(t, 250*time.Millisecond, cfg.Engine.TickInterval)
	check.Equal(t, time.Minute, cfg.Engine.TeardownGrace)
	check.True(t, cfg.Engine.AllowLeaderRebid)
	check.Equal(t, "@every 5s", cfg.Scheduler.Reaper)
	check.Equal(t, "debug", cfg.Log.Level)
	check.Equal(t, "engine-7", cfg.Instance.ID)
	check.Equal(t, "redis:6380", cfg.Redis.Address)
}

func TestLoadFromFile_Invalid(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, "engine:\n  tick_interval: 0s\n"))
	check.Error(t, err)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	check.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{Port: 8080},
			Instance: InstanceConfig{ID: "a"},
			Engine:   EngineConfig{TickInterval: time.Second, InboxSize: 1, OutboxSize: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, true},
		{"zero tick", func(c *Config) { c.Engine.TickInterval = 0 }, true},
		{"zero inbox", func(c *Config) { c.Engine.InboxSize = 0 }, true},
		{"negative grace", func(c *Config) { c.Engine.TeardownGrace = -time.Second }, true},
		{"no instance", func(c *Config) { c.Instance.ID = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				check.Error(t, err)
			} else {
				check.NoError(t, err)
			}
		})
	}
}
