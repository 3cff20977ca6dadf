package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Server struct {
	Port              string `mapstructure:"port"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
	Prod              bool   `mapstructure:"prod"`
}

type Redis struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type Tier2 struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Category holds the per-category cache and selection policy. TTL bounds
// tier1 entries; the staleness window bounds how old a tier2 entry may be
// and still be served.
type Category struct {
	TTLSec          int    `mapstructure:"ttl_sec"`
	StalenessSec    int    `mapstructure:"staleness_sec"`
	Strategy        string `mapstructure:"strategy"` // "chain" or "race"
	QueryTimeoutSec int    `mapstructure:"query_timeout_sec"`
	AsyncRefresh    bool   `mapstructure:"async_refresh"`
}

func (c Category) TTL() time.Duration          { return time.Duration(c.TTLSec) * time.Second }
func (c Category) Staleness() time.Duration    { return time.Duration(c.StalenessSec) * time.Second }
func (c Category) QueryTimeout() time.Duration { return time.Duration(c.QueryTimeoutSec) * time.Second }

// Adapter declares one external provider endpoint: capabilities, ordering and
// limits. The set of adapters is fixed for the process lifetime.
type Adapter struct {
	ID             string            `mapstructure:"id"`
	Endpoint       string            `mapstructure:"endpoint"`
	Method         string            `mapstructure:"method"`
	APIKey         string            `mapstructure:"api_key"`
	Priority       int               `mapstructure:"priority"`
	AvgLatencyMS   int               `mapstructure:"avg_latency_ms"`
	AssetTypes     []string          `mapstructure:"asset_types"`
	Markets        []string          `mapstructure:"markets"`
	FieldMap       map[string]string `mapstructure:"field_map"`
	Currency       string            `mapstructure:"currency"`
	MaxConcurrency int               `mapstructure:"max_concurrency"`
	MaxRPM         int               `mapstructure:"max_rpm"`
	Burst          int               `mapstructure:"burst"`
}

type Persistence struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type Config struct {
	Server      Server              `mapstructure:"server"`
	Redis       Redis               `mapstructure:"redis"`
	Tier2       Tier2               `mapstructure:"tier2"`
	Categories  map[string]Category `mapstructure:"categories"`
	Adapters    []Adapter           `mapstructure:"adapters"`
	Persistence Persistence         `mapstructure:"persistence"`
}

// Category returns the policy for name, falling back to the "quote" policy
// and finally to built-in defaults so a missing section never zeroes a TTL.
func (c Config) Category(name string) Category {
	if cat, ok := c.Categories[name]; ok {
		return cat
	}
	if cat, ok := c.Categories["quote"]; ok {
		return cat
	}
	return defaultCategory()
}

func defaultCategory() Category {
	return Category{TTLSec: 300, StalenessSec: 86400, Strategy: "chain", QueryTimeoutSec: 10}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.request_timeout_sec", 10)
	v.SetDefault("server.prod", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "quotefeed:")

	v.SetDefault("tier2.enabled", true)
	v.SetDefault("tier2.path", "data/cache.db")

	v.SetDefault("persistence.enabled", false)
	v.SetDefault("persistence.path", "data/quotes.db")

	v.SetDefault("categories.quote", map[string]any{
		"ttl_sec": 300, "staleness_sec": 86400, "strategy": "chain", "query_timeout_sec": 10,
	})
	v.SetDefault("categories.forex", map[string]any{
		"ttl_sec": 3600, "staleness_sec": 172800, "strategy": "race", "query_timeout_sec": 10,
	})
	v.SetDefault("categories.gold", map[string]any{
		"ttl_sec": 86400, "staleness_sec": 2592000, "strategy": "chain", "query_timeout_sec": 15,
	})
	v.SetDefault("categories.index", map[string]any{
		"ttl_sec": 300, "staleness_sec": 86400, "strategy": "race", "query_timeout_sec": 10,
	})
	v.SetDefault("categories.gpr", map[string]any{
		"ttl_sec": 86400, "staleness_sec": 2592000, "strategy": "chain", "query_timeout_sec": 15,
	})
}

// Load reads the YAML config at path ("" probes ./config.yaml) and applies
// QUOTEFEED_* env overrides. A missing file is fine, defaults apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("quotefeed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	for i := range cfg.Adapters {
		if cfg.Adapters[i].Method == "" {
			cfg.Adapters[i].Method = "GET"
		}
		if cfg.Adapters[i].MaxConcurrency <= 0 {
			cfg.Adapters[i].MaxConcurrency = 4
		}
	}
	return cfg, nil
}
