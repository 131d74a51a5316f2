package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "KINDRED"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "kindred.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "kindred-auth"
	defaultSmartFetchLimit   = 5000
	defaultChannelPrefix     = "kindred"
	defaultGiftTopic         = "kindred.gifts.sent"
	defaultIdempotencyTTL    = 24 * 60
	defaultMetricsNamespace  = "kindred"
	defaultHeartbeatSeconds  = 25
	maxSmartFetchLimit       = 20000
	minIdempotencyTTLMinutes = 1
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	SessionIssuer     string
	SessionCookieName string

	CatalogDir string

	ServerSideGenderFilter bool
	SmartFetchLimit        int

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	ChannelPrefix string

	KafkaBrokers []string
	GiftTopic    string

	IdempotencyTTL    time.Duration
	MetricsNamespace  string
	HeartbeatInterval time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("catalog.dir", "")
	configViper.SetDefault("personas.server_side_gender_filter", false)
	configViper.SetDefault("personas.smart_fetch_limit", defaultSmartFetchLimit)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("realtime.channel_prefix", defaultChannelPrefix)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("events.kafka_brokers", []string{})
	configViper.SetDefault("events.gift_topic", defaultGiftTopic)
	configViper.SetDefault("idempotency.ttl_minutes", defaultIdempotencyTTL)
	configViper.SetDefault("metrics.namespace", defaultMetricsNamespace)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            configViper.GetString("http.address"),
		AllowedOrigins:         splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:           configViper.GetString("database.path"),
		LogLevel:               configViper.GetString("log.level"),
		SigningSecret:          configViper.GetString("auth.signing_secret"),
		SessionIssuer:          configViper.GetString("auth.issuer"),
		SessionCookieName:      configViper.GetString("auth.cookie_name"),
		CatalogDir:             strings.TrimSpace(configViper.GetString("catalog.dir")),
		ServerSideGenderFilter: configViper.GetBool("personas.server_side_gender_filter"),
		SmartFetchLimit:        configViper.GetInt("personas.smart_fetch_limit"),
		RedisAddress:           strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:          configViper.GetString("redis.password"),
		RedisDB:                configViper.GetInt("redis.db"),
		ChannelPrefix:          configViper.GetString("realtime.channel_prefix"),
		KafkaBrokers:           splitList(configViper.GetStringSlice("events.kafka_brokers")),
		GiftTopic:              configViper.GetString("events.gift_topic"),
		IdempotencyTTL:         time.Duration(configViper.GetInt("idempotency.ttl_minutes")) * time.Minute,
		MetricsNamespace:       configViper.GetString("metrics.namespace"),
		HeartbeatInterval:      time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
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
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.SmartFetchLimit <= 0 || c.SmartFetchLimit > maxSmartFetchLimit {
		return fmt.Errorf("personas.smart_fetch_limit must be between 1 and %d", maxSmartFetchLimit)
	}
	if c.IdempotencyTTL < minIdempotencyTTLMinutes*time.Minute {
		return fmt.Errorf("idempotency.ttl_minutes must be at least %d", minIdempotencyTTLMinutes)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" || !(strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")) {
			return fmt.Errorf("http.allowed_origins entry %q must be an http or https origin", origin)
		}
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.GiftTopic) == "" {
		return fmt.Errorf("events.gift_topic is required when kafka brokers are configured")
	}
	return nil
}

// splitList flattens comma-separated env values ("a,b") into trimmed entries.
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
