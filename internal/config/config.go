package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Config interface {
	EnvConfig
	SessionConfig
	VaultConfig
}

type EnvConfig interface {
	GetAppName() string
	GetAPIURL() string
	GetLogLevel() zerolog.Level
	GetEnv() string
}

// SessionConfig holds the timings that drive credential renewal.
type SessionConfig interface {
	GetRefreshThreshold() time.Duration
	GetRenewalTimeout() time.Duration
	GetRequestTimeout() time.Duration
}

type VaultConfig interface {
	GetVaultBackend() VaultBackend
	GetVaultPath() string
	GetRedisAddr() string
	GetRedisPrefix() string
	GetVaultSecret() string
}

type mainConfig struct {
	EnvVars
}

var _ Config = mainConfig{}

// New reads the configuration from the process environment.
func New() (Config, error) {
	return Parse(env.Options{})
}

// Parse reads the configuration using the given env options. Tests pass
// Environment to avoid touching the process environment.
func Parse(opts env.Options) (Config, error) {
	var vars EnvVars
	if err := env.ParseWithOptions(&vars, opts); err != nil {
		return nil, errors.Wrap(err, "[config.Parse] env")
	}
	if err := vars.validate(); err != nil {
		return nil, err
	}
	return mainConfig{EnvVars: vars}, nil
}
