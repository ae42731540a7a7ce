package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "realtime_search", cfg.RPCName)
	assert.Equal(t, "realtime_search/list_", cfg.ListNamePrefix)
	assert.Equal(t, "ds_id", cfg.PrimaryKey)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bunsearch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc_name: search_rpc
heartbeat_interval: 5s
native_query: true
mongo:
  url: mongodb://file:27017
meta:
  driver: memory
ipc:
  socket_path: /tmp/file.sock
`), 0o644))

	t.Setenv("BUNSEARCH_MONGO_URL", "mongodb://env:27017")
	t.Setenv("BUNSEARCH_IPC_SOCKET_PATH", "/tmp/env.sock")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("socket", "/tmp/default.sock", "")
	flags.String("log-level", "INFO", "")
	require.NoError(t, flags.Parse([]string{"--socket", "/tmp/flag.sock"}))

	cfg, err := Load(path, flags, map[string]string{
		"ipc.socket_path": "socket",
		"log.level":       "log-level",
		"mongo.url":       "missing-flag",
	})
	require.NoError(t, err)

	assert.Equal(t, "search_rpc", cfg.RPCName)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.NativeQuery)
	assert.Equal(t, "memory", cfg.Meta.Driver)
	assert.Equal(t, "mongodb://env:27017", cfg.Mongo.URL)
	assert.Equal(t, "/tmp/flag.sock", cfg.IPC.SocketPath)
	// an unchanged flag does not override the default
	assert.Equal(t, "INFO", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil, nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no rpc name", func(c *Config) { c.RPCName = "" }},
		{"no list prefix", func(c *Config) { c.ListNamePrefix = "" }},
		{"same prefixes", func(c *Config) { c.MetaRecordPrefix = c.ListNamePrefix }},
		{"no heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"unknown meta driver", func(c *Config) { c.Meta.Driver = "postgres" }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadCollectionLookup(t *testing.T) {
	lookup, err := LoadCollectionLookup("")
	require.NoError(t, err)
	assert.Nil(t, lookup)

	dir := t.TempDir()
	path := filepath.Join(dir, "lookup.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"users": "app_users", "books": "library"}`), 0o644))
	lookup, err = LoadCollectionLookup(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"users": "app_users", "books": "library"}, lookup)

	_, err = LoadCollectionLookup(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "error loading collection lookup file")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`["users"]`), 0o644))
	_, err = LoadCollectionLookup(bad)
	assert.ErrorContains(t, err, "error parsing collection lookup file")
}
