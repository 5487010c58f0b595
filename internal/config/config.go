package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "KOTONOHA"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "kotonoha.db"
	defaultLogLevel     = "info"
	defaultBaseURL      = "http://localhost:8080"

	defaultSessionTTLHours   = 12
	defaultTokenTTLMinutes   = 15
	defaultEmailWindowMins   = 60
	defaultEmailWindowLimit  = 5
	defaultIPWindowMins      = 10
	defaultIPWindowLimit     = 20
	defaultCooldownSeconds   = 60
	defaultCloudOcrDaily     = 30
	defaultAiMeaningDaily    = 50
	defaultProofreadMaxToken = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	BaseURL      string
	DatabasePath string
	LogLevel     string

	SigningSecret string
	AdminKeyHash  string
	SessionTTL    time.Duration
	TokenTTL      time.Duration

	EmailWindow      time.Duration
	EmailWindowLimit int64
	IPWindow         time.Duration
	IPWindowLimit    int64
	Cooldown         time.Duration

	CloudOcrDailyLimit  int64
	AiMeaningDailyLimit int64
	ProofreadMaxTokens  int64
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
	configViper.SetDefault("http.base_url", defaultBaseURL)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.ttl_hours", defaultSessionTTLHours)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("limits.email_window_minutes", defaultEmailWindowMins)
	configViper.SetDefault("limits.email_window_limit", defaultEmailWindowLimit)
	configViper.SetDefault("limits.ip_window_minutes", defaultIPWindowMins)
	configViper.SetDefault("limits.ip_window_limit", defaultIPWindowLimit)
	configViper.SetDefault("limits.cooldown_seconds", defaultCooldownSeconds)
	configViper.SetDefault("quota.cloud_ocr_daily", defaultCloudOcrDaily)
	configViper.SetDefault("quota.ai_meaning_daily", defaultAiMeaningDaily)
	configViper.SetDefault("quota.proofread_max_tokens", defaultProofreadMaxToken)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		BaseURL:      configViper.GetString("http.base_url"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		AdminKeyHash:  configViper.GetString("auth.admin_key_hash"),
		SessionTTL:    time.Duration(configViper.GetInt("session.ttl_hours")) * time.Hour,
		TokenTTL:      time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,

		EmailWindow:      time.Duration(configViper.GetInt("limits.email_window_minutes")) * time.Minute,
		EmailWindowLimit: configViper.GetInt64("limits.email_window_limit"),
		IPWindow:         time.Duration(configViper.GetInt("limits.ip_window_minutes")) * time.Minute,
		IPWindowLimit:    configViper.GetInt64("limits.ip_window_limit"),
		Cooldown:         time.Duration(configViper.GetInt("limits.cooldown_seconds")) * time.Second,

		CloudOcrDailyLimit:  configViper.GetInt64("quota.cloud_ocr_daily"),
		AiMeaningDailyLimit: configViper.GetInt64("quota.ai_meaning_daily"),
		ProofreadMaxTokens:  configViper.GetInt64("quota.proofread_max_tokens"),
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
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("http.base_url is required")
	}
	if c.EmailWindowLimit <= 0 || c.IPWindowLimit <= 0 {
		return fmt.Errorf("rate limit window limits must be positive")
	}
	if c.CloudOcrDailyLimit <= 0 || c.AiMeaningDailyLimit <= 0 {
		return fmt.Errorf("daily quota ceilings must be positive")
	}
	if c.ProofreadMaxTokens <= 0 {
		return fmt.Errorf("quota.proofread_max_tokens must be positive")
	}
	return nil
}
