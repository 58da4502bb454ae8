package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// VaultBackend selects the durable store behind the credential vault.
type VaultBackend string

const (
	VaultBackendSQLite VaultBackend = "sqlite"
	VaultBackendRedis  VaultBackend = "redis"
	VaultBackendMemory VaultBackend = "memory"
)

type EnvVars struct {
	AppName          string        `env:"AUTHCLIENT_APP_NAME" envDefault:"Go Auth Client"`
	APIURL           string        `env:"AUTHCLIENT_API_URL" envDefault:"http://localhost:5000"`
	LogLevel         string        `env:"AUTHCLIENT_LOG_LEVEL" envDefault:"info"`
	Env              string        `env:"ENV" envDefault:"DEV"`
	RefreshThreshold time.Duration `env:"AUTHCLIENT_REFRESH_THRESHOLD" envDefault:"5m"`
	RenewalTimeout   time.Duration `env:"AUTHCLIENT_RENEWAL_TIMEOUT" envDefault:"15s"`
	RequestTimeout   time.Duration `env:"AUTHCLIENT_REQUEST_TIMEOUT" envDefault:"10s"`
	VaultBackend     VaultBackend  `env:"AUTHCLIENT_VAULT_BACKEND" envDefault:"sqlite"`
	VaultPath        string        `env:"AUTHCLIENT_VAULT_PATH" envDefault:"./data/credentials.db"`
	RedisAddr        string        `env:"AUTHCLIENT_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix      string        `env:"AUTHCLIENT_REDIS_PREFIX" envDefault:"authclient"`
	VaultSecret      string        `env:"AUTHCLIENT_VAULT_SECRET"`
}

var _ EnvConfig = EnvVars{}
var _ SessionConfig = EnvVars{}
var _ VaultConfig = EnvVars{}

func (e EnvVars) GetAppName() string {
	return e.AppName
}

// GetAPIURL returns the base URL of the credential-issuance backend without a trailing slash.
func (e EnvVars) GetAPIURL() string {
	return strings.TrimRight(e.APIURL, "/")
}

func (e EnvVars) GetLogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(e.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func (e EnvVars) GetEnv() string {
	return e.Env
}

func (e EnvVars) GetRefreshThreshold() time.Duration {
	return e.RefreshThreshold
}

func (e EnvVars) GetRenewalTimeout() time.Duration {
	return e.RenewalTimeout
}

func (e EnvVars) GetRequestTimeout() time.Duration {
	return e.RequestTimeout
}

func (e EnvVars) GetVaultBackend() VaultBackend {
	return e.VaultBackend
}

func (e EnvVars) GetVaultPath() string {
	return e.VaultPath
}

func (e EnvVars) GetRedisAddr() string {
	return e.RedisAddr
}

func (e EnvVars) GetRedisPrefix() string {
	return e.RedisPrefix
}

func (e EnvVars) GetVaultSecret() string {
	return e.VaultSecret
}

func (e EnvVars) validate() error {
	switch e.VaultBackend {
	case VaultBackendSQLite, VaultBackendRedis, VaultBackendMemory:
	default:
		return errors.Errorf("unknown vault backend %q", e.VaultBackend)
	}
	if e.VaultBackend != VaultBackendMemory && strings.TrimSpace(e.VaultSecret) == "" {
		return errors.New("AUTHCLIENT_VAULT_SECRET is required for durable vault backends")
	}
	if e.RefreshThreshold < 0 {
		return errors.New("refresh threshold must not be negative")
	}
	if e.RenewalTimeout <= 0 || e.RequestTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}
