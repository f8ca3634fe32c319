// Package config loads a site's configuration and secrets documents and
// the k8s environment surface every DFM service entrypoint reads at
// startup. Grounded on execute_pubsub.py / scheduler_pubsub.py's env-var
// driven bootstrap, with the YAML document shapes mirroring
// internal/site.SiteConfig.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/nvidia-earth2/dfm/internal/site"
	"github.com/nvidia-earth2/dfm/internal/transport"
)

// Config is one service replica's full configuration: the site it runs,
// its secrets, the Redis transport it connects through, and the
// ambient logging/auth settings read from the environment.
type Config struct {
	Site    site.SiteConfig
	Secrets map[string]map[string]any

	Redis transport.Config

	LoggingLevel     string
	LoggingEnableJSON bool

	AuthMethod string
	AuthAPIKey string

	DevMode bool
}

// Load reads a site config document (and, if present, a parallel secrets
// document) from disk and validates the result.
func Load(siteConfigPath, siteSecretsPath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(siteConfigPath)
	if err != nil {
		return nil, fmt.Errorf("config: read site config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg.Site); err != nil {
		return nil, fmt.Errorf("config: parse site config: %w", err)
	}

	if siteSecretsPath != "" {
		secretsData, err := os.ReadFile(siteSecretsPath)
		if err != nil {
			return nil, fmt.Errorf("config: read site secrets: %w", err)
		}
		if err := yaml.Unmarshal(secretsData, &cfg.Secrets); err != nil {
			return nil, fmt.Errorf("config: parse site secrets: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of Config that Load alone cannot guarantee:
// a named site and at least one provider.
func (c *Config) Validate() error {
	if c.Site.Site == "" {
		return fmt.Errorf("config: site config is missing a site name")
	}
	if len(c.Site.Providers) == 0 {
		return fmt.Errorf("config: site %s declares no providers", c.Site.Site)
	}
	if c.Site.DefaultProvider != "" {
		if _, ok := c.Site.Providers[c.Site.DefaultProvider]; !ok {
			return fmt.Errorf("config: default_provider %q is not among site %s's providers", c.Site.DefaultProvider, c.Site.Site)
		}
	}
	return nil
}

// EnvPrefix names one service's env-var family: K8S_<PREFIX>_SITE_CONFIG,
// K8S_<PREFIX>_SITE_SECRETS, K8S_<PREFIX>_REDIS_HOST/_PORT/_DB/_PASSWORD.
type EnvPrefix string

const (
	Execute   EnvPrefix = "EXECUTE"
	Scheduler EnvPrefix = "SCHEDULER"
	Process   EnvPrefix = "PROCESS"
	Uplink    EnvPrefix = "UPLINK"
)

// LoadFromEnv builds a Config from the K8S_<prefix>_* and ambient
// SERVICE_LOGGING_*/DFM_AUTH_*/DFM_DEV_MODE environment variables,
// mirroring execute_pubsub.py's and scheduler_pubsub.py's startup
// bootstrap.
func LoadFromEnv(prefix EnvPrefix) (*Config, error) {
	p := string(prefix)
	cfg, err := Load(os.Getenv("K8S_"+p+"_SITE_CONFIG"), os.Getenv("K8S_"+p+"_SITE_SECRETS"))
	if err != nil {
		return nil, err
	}

	cfg.Redis = transport.Config{
		Addr:     envOr("K8S_"+p+"_REDIS_HOST", "localhost") + ":" + envOr("K8S_"+p+"_REDIS_PORT", "6379"),
		Password: os.Getenv("K8S_" + p + "_REDIS_PASSWORD"),
		DB:       envIntOr("K8S_"+p+"_REDIS_DB", 0),
	}

	cfg.LoggingLevel = envOr("SERVICE_LOGGING_LEVEL", "info")
	cfg.LoggingEnableJSON = envBoolOr("SERVICE_LOGGING_ENABLE_JSON", true)

	cfg.AuthMethod = os.Getenv("DFM_AUTH_METHOD")
	cfg.AuthAPIKey = os.Getenv("DFM_AUTH_API_KEY")

	cfg.DevMode = envBoolOr("DFM_DEV_MODE", false)

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
