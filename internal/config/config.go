// Package config holds the search provider configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides (BUNSEARCH_MONGO_URL -> mongo.url).
const EnvPrefix = "BUNSEARCH"

// Config holds the provider configuration.
type Config struct {
	RPCName            string        `mapstructure:"rpc_name"`
	ListNamePrefix     string        `mapstructure:"list_name_prefix"`
	MetaRecordPrefix   string        `mapstructure:"meta_record_prefix"`
	PrimaryKey         string        `mapstructure:"primary_key"`
	Database           string        `mapstructure:"database"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	NativeQuery        bool          `mapstructure:"native_query"`
	ExcludeTablePrefix bool          `mapstructure:"exclude_table_prefix"`
	CollectionLookup   string        `mapstructure:"collection_lookup"` // path to a JSON {table: collection} file
	Workers            int           `mapstructure:"workers"`
	MailboxSize        int           `mapstructure:"mailbox_size"`

	Log   LogConfig   `mapstructure:"log"`
	Mongo MongoConfig `mapstructure:"mongo"`
	Meta  MetaConfig  `mapstructure:"meta"`
	IPC   IPCConfig   `mapstructure:"ipc"`
	HTTP  HTTPConfig  `mapstructure:"http"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MongoConfig configures the MongoDB store.
type MongoConfig struct {
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// MetaConfig selects the query record store.
type MetaConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or memory
	Path   string `mapstructure:"path"`
}

// IPCConfig configures the Unix socket server.
type IPCConfig struct {
	SocketPath     string `mapstructure:"socket_path"`
	MaxConnections int    `mapstructure:"max_connections"` // 0 = unlimited
}

// HTTPConfig configures the HTTP server (health, metrics, register, streams).
type HTTPConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	Enabled               bool          `mapstructure:"enabled"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	RegisterRatePerMinute int           `mapstructure:"register_rate_per_minute"`
	RegisterBurst         int           `mapstructure:"register_burst"`
}

// DefaultConfig returns the defaults of the realtime search provider.
func DefaultConfig() *Config {
	return &Config{
		RPCName:            "realtime_search",
		ListNamePrefix:     "realtime_search/list_",
		MetaRecordPrefix:   "realtime_search/meta_",
		PrimaryKey:         "ds_id",
		Database:           "deepstream",
		HeartbeatInterval:  30 * time.Second,
		NativeQuery:        false,
		ExcludeTablePrefix: false,
		Workers:            256,
		MailboxSize:        16,
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
		Mongo: MongoConfig{
			URL:            "mongodb://localhost:27017",
			ConnectTimeout: 10 * time.Second,
		},
		Meta: MetaConfig{
			Driver: "sqlite",
			Path:   "./data/bunsearch.db",
		},
		IPC: IPCConfig{
			SocketPath:     "/tmp/bunsearch.sock",
			MaxConnections: 0,
		},
		HTTP: HTTPConfig{
			ListenAddr:            ":8082",
			Enabled:               true,
			ReadTimeout:           10 * time.Second,
			RegisterRatePerMinute: 600,
			RegisterBurst:         60,
		},
	}
}

// Load reads configuration from defaults, an optional config file, BUNSEARCH_*
// environment variables and finally the given flag set (flags win).
// Flag names map to keys by replacing '-' with '_' (e.g. --mongo-url -> mongo_url)
// so callers bind them explicitly through bindings.
func Load(path string, flags *pflag.FlagSet, bindings map[string]string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, flagName := range bindings {
			f := flags.Lookup(flagName)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flagName, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("rpc_name", d.RPCName)
	v.SetDefault("list_name_prefix", d.ListNamePrefix)
	v.SetDefault("meta_record_prefix", d.MetaRecordPrefix)
	v.SetDefault("primary_key", d.PrimaryKey)
	v.SetDefault("database", d.Database)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("native_query", d.NativeQuery)
	v.SetDefault("exclude_table_prefix", d.ExcludeTablePrefix)
	v.SetDefault("collection_lookup", d.CollectionLookup)
	v.SetDefault("workers", d.Workers)
	v.SetDefault("mailbox_size", d.MailboxSize)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("mongo.url", d.Mongo.URL)
	v.SetDefault("mongo.connect_timeout", d.Mongo.ConnectTimeout)
	v.SetDefault("meta.driver", d.Meta.Driver)
	v.SetDefault("meta.path", d.Meta.Path)
	v.SetDefault("ipc.socket_path", d.IPC.SocketPath)
	v.SetDefault("ipc.max_connections", d.IPC.MaxConnections)
	v.SetDefault("http.listen_addr", d.HTTP.ListenAddr)
	v.SetDefault("http.enabled", d.HTTP.Enabled)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.register_rate_per_minute", d.HTTP.RegisterRatePerMinute)
	v.SetDefault("http.register_burst", d.HTTP.RegisterBurst)
}

// Validate checks the values the provider cannot run without.
func (c *Config) Validate() error {
	if c.RPCName == "" {
		return fmt.Errorf("config: rpc_name is required")
	}
	if c.ListNamePrefix == "" || c.MetaRecordPrefix == "" {
		return fmt.Errorf("config: list_name_prefix and meta_record_prefix are required")
	}
	if c.ListNamePrefix == c.MetaRecordPrefix {
		return fmt.Errorf("config: list and meta prefixes must differ")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive")
	}
	switch c.Meta.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown meta driver %q", c.Meta.Driver)
	}
	return nil
}

// LoadCollectionLookup reads a JSON object mapping client table names to
// store collection names. An empty path yields a nil map.
func LoadCollectionLookup(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("error loading collection lookup file from path %s: %w", abs, err)
	}
	lookup := make(map[string]string)
	if err := json.Unmarshal(content, &lookup); err != nil {
		return nil, fmt.Errorf("error parsing collection lookup file from path %s: %w", abs, err)
	}
	return lookup, nil
}
