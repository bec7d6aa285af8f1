package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/replicaset"
	"github.com/MarcoPoloResearchLab/contentnode/internal/replication"
	"github.com/spf13/viper"
)

const (
	envPrefix           = "CNODE"
	defaultHTTPAddress  = "0.0.0.0:4000"
	defaultDatabasePath = "contentnode.db"
	defaultLogLevel     = "info"
	defaultLogFormat    = "json"

	defaultAuthIssuer   = "contentnode"
	defaultAuthAudience = "contentnode-peers"
	defaultAuthTokenTTL = 5 * time.Minute
	defaultSessionTTL   = 30 * 24 * time.Hour

	defaultSyncTimeout          = 2 * time.Minute
	defaultSyncMaxExportRange   = 10000
	defaultSyncRetryAttempts    = 3
	defaultSyncRetryBaseDelay   = 500 * time.Millisecond
	defaultSyncFailureThreshold = 3
	defaultSyncWorkers          = 10
	defaultSyncInterval         = time.Minute
	defaultSyncModuloBase       = 24
	defaultSyncPeerRateLimit    = 20.0
	defaultSyncReconfigMode     = string(replication.ReconfigMultipleSecondaries)

	defaultRegistryCacheTTL   = 5 * time.Minute
	defaultRepairInterval     = time.Hour
	defaultSessionPurgePeriod = time.Hour
	defaultWriteRetries       = 3
)

// AppConfig captures runtime configuration for the content node.
type AppConfig struct {
	NodeEndpoint string
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogFormat    string
	CORSOrigins  []string

	Auth     AuthConfig
	Sessions SessionConfig
	Sync     SyncConfig
	Registry RegistryConfig

	CIDWhitelist   []string
	RepairInterval time.Duration
	// WriteRetries bounds retries of a client write that lost a clock race.
	WriteRetries int
}

// AuthConfig configures delegate tokens exchanged between nodes and operators.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	// LoginGatewayRequired makes /users/login demand a gateway token vouching for the wallet.
	LoginGatewayRequired bool
}

// SessionConfig configures client session tokens.
type SessionConfig struct {
	TTL         time.Duration
	PurgePeriod time.Duration
}

// SyncConfig tunes the replication coordinator.
type SyncConfig struct {
	Timeout          time.Duration
	MaxExportRange   int
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	FailureThreshold int64
	ReconfigMode     replication.ReconfigMode
	// ReconfigNodeWhitelist restricts which endpoints may replace a failing secondary.
	ReconfigNodeWhitelist []string
	// ForceWipeEnabled allows wiping and resyncing a diverged user copy on a secondary.
	ForceWipeEnabled bool
	Workers          int
	Interval         time.Duration
	ModuloBase       int
	PeerRateLimit    float64
}

// RegistryConfig selects the replica set source. An empty URL selects the static registry.
type RegistryConfig struct {
	URL      string
	CacheTTL time.Duration
	Static   replicaset.ReplicaSet
	Spares   []string
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
	configViper.SetDefault("http.cors_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)

	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultAuthTokenTTL)
	configViper.SetDefault("auth.login_gateway_required", true)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("session.purge_interval", defaultSessionPurgePeriod)

	configViper.SetDefault("sync.timeout", defaultSyncTimeout)
	configViper.SetDefault("sync.max_export_range", defaultSyncMaxExportRange)
	configViper.SetDefault("sync.retry_attempts", defaultSyncRetryAttempts)
	configViper.SetDefault("sync.retry_base_delay", defaultSyncRetryBaseDelay)
	configViper.SetDefault("sync.failure_threshold", defaultSyncFailureThreshold)
	configViper.SetDefault("sync.reconfig_mode", defaultSyncReconfigMode)
	configViper.SetDefault("sync.reconfig_node_whitelist", []string{})
	configViper.SetDefault("sync.force_wipe_enabled", false)
	configViper.SetDefault("sync.workers", defaultSyncWorkers)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.modulo_base", defaultSyncModuloBase)
	configViper.SetDefault("sync.peer_rate_limit", defaultSyncPeerRateLimit)

	configViper.SetDefault("registry.cache_ttl", defaultRegistryCacheTTL)
	configViper.SetDefault("registry.static.spares", []string{})
	configViper.SetDefault("blacklist.cid_whitelist", []string{})
	configViper.SetDefault("repair.interval", defaultRepairInterval)
	configViper.SetDefault("write.retries", defaultWriteRetries)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		NodeEndpoint: configViper.GetString("node.endpoint"),
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		CORSOrigins:  splitList(configViper.GetStringSlice("http.cors_origins")),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			TokenTTL:      configViper.GetDuration("auth.token_ttl"),

			LoginGatewayRequired: configViper.GetBool("auth.login_gateway_required"),
		},
		Sessions: SessionConfig{
			TTL:         configViper.GetDuration("session.ttl"),
			PurgePeriod: configViper.GetDuration("session.purge_interval"),
		},
		Sync: SyncConfig{
			Timeout:               configViper.GetDuration("sync.timeout"),
			MaxExportRange:        configViper.GetInt("sync.max_export_range"),
			RetryAttempts:         configViper.GetInt("sync.retry_attempts"),
			RetryBaseDelay:        configViper.GetDuration("sync.retry_base_delay"),
			FailureThreshold:      configViper.GetInt64("sync.failure_threshold"),
			ReconfigNodeWhitelist: splitList(configViper.GetStringSlice("sync.reconfig_node_whitelist")),
			ForceWipeEnabled:      configViper.GetBool("sync.force_wipe_enabled"),
			Workers:               configViper.GetInt("sync.workers"),
			Interval:              configViper.GetDuration("sync.interval"),
			ModuloBase:            configViper.GetInt("sync.modulo_base"),
			PeerRateLimit:         configViper.GetFloat64("sync.peer_rate_limit"),
		},
		Registry: RegistryConfig{
			URL:      configViper.GetString("registry.url"),
			CacheTTL: configViper.GetDuration("registry.cache_ttl"),
			Static: replicaset.ReplicaSet{
				Primary:    configViper.GetString("registry.static.primary"),
				Secondary1: configViper.GetString("registry.static.secondary1"),
				Secondary2: configViper.GetString("registry.static.secondary2"),
			},
			Spares: splitList(configViper.GetStringSlice("registry.static.spares")),
		},
		CIDWhitelist:   splitList(configViper.GetStringSlice("blacklist.cid_whitelist")),
		RepairInterval: configViper.GetDuration("repair.interval"),
		WriteRetries:   configViper.GetInt("write.retries"),
	}

	reconfigMode, err := replication.ParseReconfigMode(configViper.GetString("sync.reconfig_mode"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("sync.reconfig_mode: %w", err)
	}
	cfg.Sync.ReconfigMode = reconfigMode

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOperator parses the subset of configuration needed by offline maintenance commands.
func LoadOperator(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
		CIDWhitelist: splitList(configViper.GetStringSlice("blacklist.cid_whitelist")),
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return AppConfig{}, fmt.Errorf("database.path is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.NodeEndpoint) == "" {
		return fmt.Errorf("node.endpoint is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Sync.ModuloBase <= 0 {
		return fmt.Errorf("sync.modulo_base must be positive")
	}
	if c.Sync.FailureThreshold <= 0 {
		return fmt.Errorf("sync.failure_threshold must be positive")
	}
	if c.Registry.URL == "" {
		if err := c.Registry.Static.Validate(); err != nil {
			return fmt.Errorf("registry.static: %w", err)
		}
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	items := make([]string, 0, len(values))
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
