package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting required to boot the deployment watch service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	HTTP       HTTPConfig       `yaml:"http"`
	Watch      WatchConfig      `yaml:"watch"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Providers  ProvidersConfig  `yaml:"providers"`
	ServiceMap ServiceMapConfig `yaml:"serviceMap"`
	Consul     ConsulConfig     `yaml:"consul"`
	Cache      CacheConfig      `yaml:"cache"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Escalation EscalationConfig `yaml:"escalation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Rules      RulesConfig      `yaml:"rules"`
}

// ServerConfig controls the gRPC listener and metrics endpoint.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// HTTPConfig controls the REST, webhook and websocket surface.
type HTTPConfig struct {
	Address        string   `yaml:"address"`
	APIKeys        []string `yaml:"apiKeys"`
	WebhookSecret  string   `yaml:"webhookSecret"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// DeliveryTTL is how long GitHub delivery IDs are remembered for dedupe.
	DeliveryTTL time.Duration `yaml:"deliveryTTL"`
}

// WatchConfig controls deployment watch windows.
type WatchConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	HistoryPerKey int           `yaml:"historyPerKey"`
	ReportHistory int           `yaml:"reportHistory"`
	WatchHistory  int           `yaml:"watchHistory"`
	AgentTrigger  bool          `yaml:"agentTrigger"`
}

// PipelineConfig bounds provider and synthesis latency.
type PipelineConfig struct {
	ProviderTimeout  time.Duration            `yaml:"providerTimeout"`
	SynthesisTimeout time.Duration            `yaml:"synthesisTimeout"`
	Timeouts         map[string]time.Duration `yaml:"timeouts"`
	LatencyWindow    int                      `yaml:"latencyWindow"`
}

// ProvidersConfig groups evidence provider integrations.
type ProvidersConfig struct {
	GitHub      GitHubConfig      `yaml:"github"`
	Runbooks    RunbooksConfig    `yaml:"runbooks"`
	Weaviate    WeaviateConfig    `yaml:"weaviate"`
	Synthesizer SynthesizerConfig `yaml:"synthesizer"`
}

// GitHubConfig configures the commit fetcher.
type GitHubConfig struct {
	BaseURL  string        `yaml:"baseURL"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// RunbooksConfig configures the local runbook index.
type RunbooksConfig struct {
	Dir      string  `yaml:"dir"`
	TopK     int     `yaml:"topK"`
	MinScore float64 `yaml:"minScore"`
	// SyncOnStart pushes local runbooks to Weaviate at boot.
	SyncOnStart bool `yaml:"syncOnStart"`
}

// WeaviateConfig configures the remote similarity search cluster.
type WeaviateConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"apiKey"`
	Class     string        `yaml:"class"`
	Certainty float64       `yaml:"certainty"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cacheTTL"`
}

// SynthesizerConfig selects the remote text-generation endpoint. Empty endpoint selects the
// rule-based synthesizer.
type SynthesizerConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ServiceMapConfig maps services to (repository, branch) watch keys.
type ServiceMapConfig struct {
	Path            string   `yaml:"path"`
	DefaultRepo     string   `yaml:"defaultRepository"`
	DefaultBranches []string `yaml:"defaultBranches"`
}

// ConsulConfig enables catalog-driven service mapping.
type ConsulConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

// CacheConfig controls Valkey-backed caching of expensive lookups.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	PoolSize     int           `yaml:"poolSize"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	PatternsTTL  time.Duration `yaml:"patternsTTL"`
}

// PostgresConfig enables the durable report sink.
type PostgresConfig struct {
	URL string `yaml:"url"`
}

// ArchiveConfig enables S3-compatible report archiving.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"useSSL"`
}

// EscalationConfig configures escalation channels.
type EscalationConfig struct {
	PerMinute int           `yaml:"perMinute"`
	Workers   int           `yaml:"workers"`
	Webhook   WebhookConfig `yaml:"webhook"`
	Voice     VoiceConfig   `yaml:"voice"`
}

// WebhookConfig configures the generic notification webhook.
type WebhookConfig struct {
	URL       string        `yaml:"url"`
	AuthToken string        `yaml:"authToken"`
	Timeout   time.Duration `yaml:"timeout"`
	MinAction string        `yaml:"minAction"`
}

// VoiceConfig configures Twilio voice calls.
type VoiceConfig struct {
	BaseURL    string   `yaml:"baseURL"`
	AccountSID string   `yaml:"accountSID"`
	AuthToken  string   `yaml:"authToken"`
	From       string   `yaml:"from"`
	To         []string `yaml:"to"`
	Voice      string   `yaml:"voice"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig controls rule-pack loading for the rule synthesizer.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DEPLOYWATCH_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var problems []string
	if c.Watch.TTL <= 0 {
		problems = append(problems, "watch.ttl must be positive")
	}
	if c.Pipeline.ProviderTimeout <= 0 {
		problems = append(problems, "pipeline.providerTimeout must be positive")
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		problems = append(problems, "cache.addr is required when cache is enabled")
	}
	if c.Archive.Enabled && c.Archive.Endpoint == "" {
		problems = append(problems, "archive.endpoint is required when archive is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		HTTP: HTTPConfig{
			Address:     ":8080",
			DeliveryTTL: 24 * time.Hour,
		},
		Watch: WatchConfig{
			TTL:           5 * time.Minute,
			SweepInterval: 15 * time.Second,
			HistoryPerKey: 10,
			ReportHistory: 50,
			WatchHistory:  100,
			AgentTrigger:  true,
		},
		Pipeline: PipelineConfig{
			ProviderTimeout:  5 * time.Second,
			SynthesisTimeout: 10 * time.Second,
			LatencyWindow:    512,
		},
		Providers: ProvidersConfig{
			GitHub:   GitHubConfig{Timeout: 5 * time.Second, CacheTTL: time.Hour},
			Runbooks: RunbooksConfig{Dir: "runbooks", TopK: 3, MinScore: 0.1},
			Weaviate: WeaviateConfig{Class: "Runbook", Certainty: 0.7, Timeout: 5 * time.Second, CacheTTL: 2 * time.Minute},
			Synthesizer: SynthesizerConfig{
				Timeout: 10 * time.Second,
			},
		},
		ServiceMap: ServiceMapConfig{DefaultBranches: []string{"main"}},
		Consul:     ConsulConfig{Address: "127.0.0.1:8500", RefreshInterval: 30 * time.Second},
		Cache: CacheConfig{
			Enabled:      false,
			KeyPrefix:    "deploywatch:",
			PatternsTTL:  10 * time.Minute,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Archive:    ArchiveConfig{Bucket: "rca-reports"},
		Escalation: EscalationConfig{PerMinute: 6, Workers: 3, Webhook: WebhookConfig{MinAction: "notify"}},
		Logging:    LoggingConfig{Level: "info", JSON: false},
		Rules:      RulesConfig{Path: "configs/rules/default.yaml"},
	}
}

func applyEnvOverrides(cfg *Config) {
	envString("DEPLOYWATCH_GRPC_ADDRESS", &cfg.Server.Address)
	envString("DEPLOYWATCH_METRICS_ADDRESS", &cfg.Server.MetricsAddress)
	envString("DEPLOYWATCH_HTTP_ADDRESS", &cfg.HTTP.Address)
	envList("DEPLOYWATCH_API_KEYS", &cfg.HTTP.APIKeys)
	envString("DEPLOYWATCH_WEBHOOK_SECRET", &cfg.HTTP.WebhookSecret)
	envList("DEPLOYWATCH_ALLOWED_ORIGINS", &cfg.HTTP.AllowedOrigins)

	envDuration("DEPLOYWATCH_WATCH_TTL", &cfg.Watch.TTL)
	envDuration("DEPLOYWATCH_SWEEP_INTERVAL", &cfg.Watch.SweepInterval)
	envBool("DEPLOYWATCH_AGENT_TRIGGER", &cfg.Watch.AgentTrigger)
	envDuration("DEPLOYWATCH_PROVIDER_TIMEOUT", &cfg.Pipeline.ProviderTimeout)
	envDuration("DEPLOYWATCH_SYNTHESIS_TIMEOUT", &cfg.Pipeline.SynthesisTimeout)

	envString("DEPLOYWATCH_GITHUB_URL", &cfg.Providers.GitHub.BaseURL)
	envString("DEPLOYWATCH_GITHUB_TOKEN", &cfg.Providers.GitHub.Token)
	envString("DEPLOYWATCH_RUNBOOKS_DIR", &cfg.Providers.Runbooks.Dir)
	envBool("DEPLOYWATCH_RUNBOOKS_SYNC", &cfg.Providers.Runbooks.SyncOnStart)
	envString("DEPLOYWATCH_WEAVIATE_URL", &cfg.Providers.Weaviate.Endpoint)
	envString("DEPLOYWATCH_WEAVIATE_API_KEY", &cfg.Providers.Weaviate.APIKey)
	envString("DEPLOYWATCH_SYNTH_URL", &cfg.Providers.Synthesizer.Endpoint)
	envString("DEPLOYWATCH_SYNTH_API_KEY", &cfg.Providers.Synthesizer.APIKey)
	envString("DEPLOYWATCH_SYNTH_MODEL", &cfg.Providers.Synthesizer.Model)

	envString("DEPLOYWATCH_SERVICE_MAP", &cfg.ServiceMap.Path)
	envString("DEPLOYWATCH_DEFAULT_REPOSITORY", &cfg.ServiceMap.DefaultRepo)
	envBool("DEPLOYWATCH_CONSUL_ENABLED", &cfg.Consul.Enabled)
	envString("DEPLOYWATCH_CONSUL_ADDR", &cfg.Consul.Address)

	envBool("DEPLOYWATCH_CACHE_ENABLED", &cfg.Cache.Enabled)
	envString("DEPLOYWATCH_CACHE_ADDR", &cfg.Cache.Addr)
	envString("DEPLOYWATCH_CACHE_USERNAME", &cfg.Cache.Username)
	envString("DEPLOYWATCH_CACHE_PASSWORD", &cfg.Cache.Password)
	envInt("DEPLOYWATCH_CACHE_DB", &cfg.Cache.DB)
	envBool("DEPLOYWATCH_CACHE_TLS", &cfg.Cache.TLS)
	envDuration("DEPLOYWATCH_CACHE_DIAL_TIMEOUT", &cfg.Cache.DialTimeout)
	envDuration("DEPLOYWATCH_CACHE_READ_TIMEOUT", &cfg.Cache.ReadTimeout)
	envDuration("DEPLOYWATCH_CACHE_WRITE_TIMEOUT", &cfg.Cache.WriteTimeout)
	envInt("DEPLOYWATCH_CACHE_MAX_RETRIES", &cfg.Cache.MaxRetries)

	envString("DEPLOYWATCH_DATABASE_URL", &cfg.Postgres.URL)

	envBool("DEPLOYWATCH_ARCHIVE_ENABLED", &cfg.Archive.Enabled)
	envString("DEPLOYWATCH_ARCHIVE_ENDPOINT", &cfg.Archive.Endpoint)
	envString("DEPLOYWATCH_ARCHIVE_ACCESS_KEY", &cfg.Archive.AccessKey)
	envString("DEPLOYWATCH_ARCHIVE_SECRET_KEY", &cfg.Archive.SecretKey)
	envString("DEPLOYWATCH_ARCHIVE_BUCKET", &cfg.Archive.Bucket)

	envString("DEPLOYWATCH_ESCALATION_WEBHOOK_URL", &cfg.Escalation.Webhook.URL)
	envString("DEPLOYWATCH_ESCALATION_WEBHOOK_TOKEN", &cfg.Escalation.Webhook.AuthToken)
	envString("DEPLOYWATCH_TWILIO_ACCOUNT_SID", &cfg.Escalation.Voice.AccountSID)
	envString("DEPLOYWATCH_TWILIO_AUTH_TOKEN", &cfg.Escalation.Voice.AuthToken)
	envString("DEPLOYWATCH_TWILIO_FROM", &cfg.Escalation.Voice.From)
	envList("DEPLOYWATCH_ALERT_PHONE_NUMBERS", &cfg.Escalation.Voice.To)

	envString("DEPLOYWATCH_LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv("DEPLOYWATCH_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}
	envString("DEPLOYWATCH_RULES_PATH", &cfg.Rules.Path)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
