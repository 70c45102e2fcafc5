package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "GO_OFFLINE"
	EnvConfigPath     = "GO_OFFLINE_CONFIG_PATH"
	DefaultConfigPath = "./config"

	CacheBackendBolt   = "bolt"
	CacheBackendMemory = "memory"
)

// Config is the full runtime configuration of the offline proxy.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Upstream     UpstreamConfig     `mapstructure:"upstream"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Classifier   ClassifierConfig   `mapstructure:"classifier"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Update       UpdateConfig       `mapstructure:"update"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Misc         MiscConfig         `mapstructure:"misc"`
}

type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"` // 0 keeps event streams open
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutDownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	CORSAllowedOrigins string        `mapstructure:"cors_allowed_origins"`
}

// UpstreamConfig describes where intercepted traffic is really sent.
type UpstreamConfig struct {
	Origin       string        `mapstructure:"origin"`
	Backend      string        `mapstructure:"backend"`
	BackendHost  string        `mapstructure:"backend_host"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	APITimeout   time.Duration `mapstructure:"api_timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	HealthPath   string        `mapstructure:"health_path"`
}

type FallbackConfig struct {
	Path string `mapstructure:"path"`
	Body string `mapstructure:"body"`
}

type CacheConfig struct {
	Backend           string           `mapstructure:"backend"`
	Path              string           `mapstructure:"path"`
	Prefix            string           `mapstructure:"prefix"`
	Version           string           `mapstructure:"version"`
	Precache          []string         `mapstructure:"precache"`
	Warm              []string         `mapstructure:"warm"`
	OfflinePage       string           `mapstructure:"offline_page"`
	WarmConcurrency   int              `mapstructure:"warm_concurrency"`
	CriticalFallbacks []FallbackConfig `mapstructure:"critical_fallbacks"`
}

type ClassifierConfig struct {
	AssetExtensions []string `mapstructure:"asset_extensions"`
	StaticSegments  []string `mapstructure:"static_segments"`
	APIPrefixes     []string `mapstructure:"api_prefixes"`
	DynamicPrefixes []string `mapstructure:"dynamic_prefixes"`
}

type DomainConfig struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
}

type QueueConfig struct {
	Path           string         `mapstructure:"path"`
	ReplayInterval time.Duration  `mapstructure:"replay_interval"`
	Domains        []DomainConfig `mapstructure:"domains"`
}

type UpdateConfig struct {
	BuildFile        string        `mapstructure:"build_file"`
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	RepromptInterval time.Duration `mapstructure:"reprompt_interval"`
	Watch            bool          `mapstructure:"watch"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

type MiscConfig struct {
	LogLevel string `mapstructure:"log_level"`
	GinMode  string `mapstructure:"gin_mode"`
}

// LoadConfig reads .env, config.yaml and GO_OFFLINE_* variables, in increasing
// order of precedence, and validates the result.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getEnvOrDefault(EnvConfigPath, DefaultConfigPath))

	setDefaults(v)

	// GO_OFFLINE_SERVER_PORT overrides server.port
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.cors_allowed_origins", "*")

	v.SetDefault("upstream.origin", "http://localhost:5173")
	v.SetDefault("upstream.backend", "")
	v.SetDefault("upstream.backend_host", "supabase.co")
	v.SetDefault("upstream.fetch_timeout", 15*time.Second)
	v.SetDefault("upstream.api_timeout", 5*time.Second)
	v.SetDefault("upstream.user_agent", "go_offline/1.0")
	v.SetDefault("upstream.health_path", "/")

	v.SetDefault("cache.backend", CacheBackendBolt)
	v.SetDefault("cache.path", "./data/cache.db")
	v.SetDefault("cache.prefix", "trading-app")
	v.SetDefault("cache.version", "v1")
	v.SetDefault("cache.precache", []string{"/", "/index.html", "/manifest.json", "/offline.html"})
	v.SetDefault("cache.warm", []string{"/api/agents", "/api/portfolio", "/api/market-data", "/api/notifications"})
	v.SetDefault("cache.warm_concurrency", 4)
	v.SetDefault("cache.offline_page", "/offline.html")
	v.SetDefault("cache.critical_fallbacks", []map[string]any{
		{"path": "/api/agents", "body": `{"agents":[],"offline":true}`},
		{"path": "/api/portfolio", "body": `{"positions":[],"totalValue":0,"offline":true}`},
		{"path": "/api/market-data", "body": `{"quotes":[],"offline":true}`},
		{"path": "/api/notifications", "body": `{"notifications":[],"offline":true}`},
	})

	v.SetDefault("classifier.asset_extensions", []string{
		".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp", ".woff", ".woff2", ".ttf", ".eot",
	})
	v.SetDefault("classifier.static_segments", []string{"/assets/", "/static/"})
	v.SetDefault("classifier.api_prefixes", []string{"/api/", "/functions/"})
	v.SetDefault("classifier.dynamic_prefixes", []string{"/agent/", "/portfolio/", "/trading/"})

	v.SetDefault("queue.path", "./data/queue.db")
	v.SetDefault("queue.replay_interval", 5*time.Minute)
	v.SetDefault("queue.domains", []map[string]any{
		{"name": "portfolio", "endpoint": "/api/portfolio/update"},
		{"name": "trading", "endpoint": "/api/trading/orders"},
	})

	v.SetDefault("update.build_file", "./dist/worker-build.json")
	v.SetDefault("update.check_interval", time.Minute)
	v.SetDefault("update.reprompt_interval", 30*time.Minute)
	v.SetDefault("update.watch", true)

	v.SetDefault("connectivity.probe_interval", 30*time.Second)

	v.SetDefault("misc.log_level", "info")
	v.SetDefault("misc.gin_mode", "release")
}

func (c *Config) normalize() {
	c.Upstream.Origin = strings.TrimRight(strings.TrimSpace(c.Upstream.Origin), "/")
	c.Upstream.Backend = strings.TrimRight(strings.TrimSpace(c.Upstream.Backend), "/")
	if c.Upstream.Backend == "" {
		c.Upstream.Backend = c.Upstream.Origin
	}
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	for i := range c.Queue.Domains {
		c.Queue.Domains[i].Name = strings.ToLower(strings.TrimSpace(c.Queue.Domains[i].Name))
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.IdleTimeout <= 0 || c.Server.ShutDownTimeout <= 0 {
		return errors.New("server read, idle and shutdown timeouts must be positive")
	}
	if c.Server.WriteTimeout < 0 {
		return errors.New("server.write_timeout cannot be negative")
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be positive")
	}

	if err := validateBaseURL("upstream.origin", c.Upstream.Origin); err != nil {
		return err
	}
	if err := validateBaseURL("upstream.backend", c.Upstream.Backend); err != nil {
		return err
	}
	if c.Upstream.FetchTimeout <= 0 || c.Upstream.APITimeout <= 0 {
		return errors.New("upstream fetch and api timeouts must be positive")
	}
	if c.Upstream.APITimeout > c.Upstream.FetchTimeout {
		return fmt.Errorf("upstream.api_timeout (%v) cannot exceed upstream.fetch_timeout (%v)", c.Upstream.APITimeout, c.Upstream.FetchTimeout)
	}

	switch c.Cache.Backend {
	case CacheBackendBolt:
		if strings.TrimSpace(c.Cache.Path) == "" {
			return errors.New("cache.path is required for the bolt backend")
		}
	case CacheBackendMemory:
	default:
		return fmt.Errorf("unknown cache.backend %q (supported: %s, %s)", c.Cache.Backend, CacheBackendBolt, CacheBackendMemory)
	}
	if strings.TrimSpace(c.Cache.Prefix) == "" || strings.TrimSpace(c.Cache.Version) == "" {
		return errors.New("cache.prefix and cache.version are required")
	}
	if c.Cache.WarmConcurrency <= 0 {
		return errors.New("cache.warm_concurrency must be positive")
	}
	for _, p := range append(append([]string{}, c.Cache.Precache...), c.Cache.Warm...) {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache path %q must start with /", p)
		}
	}
	for _, fb := range c.Cache.CriticalFallbacks {
		if !strings.HasPrefix(fb.Path, "/") || strings.TrimSpace(fb.Body) == "" {
			return fmt.Errorf("invalid critical fallback for path %q", fb.Path)
		}
	}

	if strings.TrimSpace(c.Queue.Path) == "" {
		return errors.New("queue.path is required")
	}
	if c.Queue.ReplayInterval <= 0 {
		return errors.New("queue.replay_interval must be positive")
	}
	if len(c.Queue.Domains) == 0 {
		return errors.New("at least one queue domain is required")
	}
	seen := map[string]bool{}
	for _, d := range c.Queue.Domains {
		if d.Name == "" || !strings.HasPrefix(d.Endpoint, "/") {
			return fmt.Errorf("invalid queue domain %q with endpoint %q", d.Name, d.Endpoint)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate queue domain %q", d.Name)
		}
		seen[d.Name] = true
	}

	if c.Update.CheckInterval <= 0 || c.Update.RepromptInterval <= 0 {
		return errors.New("update check and reprompt intervals must be positive")
	}
	if c.Connectivity.ProbeInterval <= 0 {
		return errors.New("connectivity.probe_interval must be positive")
	}
	return nil
}

func validateBaseURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s %q: scheme must be http or https", key, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s %q: missing host", key, raw)
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
