package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "ATTEND"
	defaultHTTPAddress    = "127.0.0.1:8794"
	defaultDatabasePath   = "attendance-offline.db"
	defaultLogLevel       = "info"
	defaultLogFormat      = "console"
	defaultEndpoint       = "/api/attendance/save"
	defaultTokenHeader    = "Authorization"
	defaultHeartbeat      = 30 * time.Second
	defaultDebounce       = 2 * time.Second
	defaultSettleDelay    = 1500 * time.Millisecond
	defaultRequestTimeout = 30 * time.Second
	defaultWorkerTimeout  = 30 * time.Second
	defaultCacheTTL       = 24 * time.Hour
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	LogFormat      string
	ServerBaseURL  string
	Endpoint       string
	ProbeURL       string
	TokenHeader    string
	Token          string
	Heartbeat      time.Duration
	Debounce       time.Duration
	SettleDelay    time.Duration
	RequestTimeout time.Duration
	WorkerTimeout  time.Duration
	CacheTTL       time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("server.endpoint", defaultEndpoint)
	configViper.SetDefault("token.header", defaultTokenHeader)
	configViper.SetDefault("connectivity.heartbeat", defaultHeartbeat)
	configViper.SetDefault("connectivity.debounce", defaultDebounce)
	configViper.SetDefault("sync.settle_delay", defaultSettleDelay)
	configViper.SetDefault("sync.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("worker.request_timeout", defaultWorkerTimeout)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		LogFormat:      configViper.GetString("log.format"),
		ServerBaseURL:  configViper.GetString("server.base_url"),
		Endpoint:       configViper.GetString("server.endpoint"),
		ProbeURL:       configViper.GetString("connectivity.probe_url"),
		TokenHeader:    configViper.GetString("token.header"),
		Token:          configViper.GetString("token.value"),
		Heartbeat:      configViper.GetDuration("connectivity.heartbeat"),
		Debounce:       configViper.GetDuration("connectivity.debounce"),
		SettleDelay:    configViper.GetDuration("sync.settle_delay"),
		RequestTimeout: configViper.GetDuration("sync.request_timeout"),
		WorkerTimeout:  configViper.GetDuration("worker.request_timeout"),
		CacheTTL:       configViper.GetDuration("cache.ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.ServerBaseURL) == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}
