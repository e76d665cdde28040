package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/logging"
	"github.com/spf13/viper"
)

const (
	envPrefix              = "EVERSEAL"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "everseal.db"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 60
	defaultChartTimezone   = "UTC"
	defaultNotaryTimeout   = 10
	defaultNotaryWorkers   = 2
	defaultNotaryQueueSize = 256
	defaultNotaryRetries   = 3

	// DemoTagUID is the tag seeded when tags_seed_demo is set.
	DemoTagUID = "042A5C9A1B3D80"
	// DemoTagKey is a published test key; never provision it on real chips.
	DemoTagKey         = "00112233445566778899AABBCCDDEEFF"
	DemoTagProductName = "EverSeal Demo Watch"
)

// TagSeed is one tag provisioned from configuration.
type TagSeed struct {
	UID         string `mapstructure:"uid"`
	Key         string `mapstructure:"key"`
	ProductName string `mapstructure:"product_name"`
	LastCounter uint32 `mapstructure:"last_counter"`
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	// TrustedProxies lists proxy IPs/CIDRs whose forwarding headers are
	// believed. Empty means the peer address is always the source address.
	TrustedProxies []string
	DatabasePath   string
	LogLevel       string

	SigningSecret string
	TokenTTL      time.Duration
	RequireToken  bool

	AdminEmail    string
	AdminPassword string

	MintBaseURL   string
	ChartLocation *time.Location

	NotaryEndpoint   string
	NotaryAPIKey     string
	NotaryTimeout    time.Duration
	NotaryWorkers    int
	NotaryQueueSize  int
	NotaryMaxRetries uint64

	Tags        []TagSeed
	SeedDemoTag bool
}

// NotarizationEnabled reports whether a ledger endpoint is configured.
func (c AppConfig) NotarizationEnabled() bool {
	return c.NotaryEndpoint != ""
}

// UnguardedSigningTags returns the configured non-demo tag uids that
// POST /verify/sign will sign for anyone while auth.require_token is off.
func (c AppConfig) UnguardedSigningTags() []string {
	if c.RequireToken {
		return nil
	}
	var exposed []string
	for _, tag := range c.Tags {
		uid := strings.ToUpper(strings.TrimSpace(tag.UID))
		if uid == DemoTagUID {
			continue
		}
		exposed = append(exposed, uid)
	}
	return exposed
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.require_token", false)
	configViper.SetDefault("chart.timezone", defaultChartTimezone)
	configViper.SetDefault("notary.timeout_seconds", defaultNotaryTimeout)
	configViper.SetDefault("notary.workers", defaultNotaryWorkers)
	configViper.SetDefault("notary.queue_size", defaultNotaryQueueSize)
	configViper.SetDefault("notary.max_retries", defaultNotaryRetries)
	configViper.SetDefault("tags_seed_demo", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins:   splitList(configViper.GetStringSlice("http.allowed_origins")),
		TrustedProxies:   splitList(configViper.GetStringSlice("http.trusted_proxies")),
		DatabasePath:     strings.TrimSpace(configViper.GetString("database.path")),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RequireToken:     configViper.GetBool("auth.require_token"),
		AdminEmail:       strings.TrimSpace(configViper.GetString("admin.email")),
		AdminPassword:    configViper.GetString("admin.password"),
		MintBaseURL:      strings.TrimSpace(configViper.GetString("mint.base_url")),
		NotaryEndpoint:   strings.TrimSpace(configViper.GetString("notary.endpoint")),
		NotaryAPIKey:     strings.TrimSpace(configViper.GetString("notary.api_key")),
		NotaryTimeout:    time.Duration(configViper.GetInt("notary.timeout_seconds")) * time.Second,
		NotaryWorkers:    configViper.GetInt("notary.workers"),
		NotaryQueueSize:  configViper.GetInt("notary.queue_size"),
		NotaryMaxRetries: uint64(max(configViper.GetInt("notary.max_retries"), 0)),
		SeedDemoTag:      configViper.GetBool("tags_seed_demo"),
	}

	location, err := time.LoadLocation(strings.TrimSpace(configViper.GetString("chart.timezone")))
	if err != nil {
		return AppConfig{}, fmt.Errorf("chart.timezone: %w", err)
	}
	cfg.ChartLocation = location

	if err := configViper.UnmarshalKey("tags", &cfg.Tags); err != nil {
		return AppConfig{}, fmt.Errorf("tags: %w", err)
	}
	if cfg.SeedDemoTag {
		cfg.Tags = append(cfg.Tags, TagSeed{UID: DemoTagUID, Key: DemoTagKey, ProductName: DemoTagProductName})
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		return fmt.Errorf("admin.email and admin.password must be set together")
	}
	if c.MintBaseURL != "" {
		if err := requireAbsoluteURL(c.MintBaseURL); err != nil {
			return fmt.Errorf("mint.base_url: %w", err)
		}
	}
	if c.NotaryEndpoint != "" {
		if err := requireAbsoluteURL(c.NotaryEndpoint); err != nil {
			return fmt.Errorf("notary.endpoint: %w", err)
		}
		if c.NotaryTimeout <= 0 {
			return fmt.Errorf("notary.timeout_seconds must be positive")
		}
	}
	return nil
}

func requireAbsoluteURL(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
