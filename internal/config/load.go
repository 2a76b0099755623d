package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables that map onto config paths.
// PERMGATE_CACHE__MAX_SIZE sets cache.max_size.
const EnvPrefix = "PERMGATE_"

// ConfigPathEnvVar names the env var pointing at a YAML config file.
const ConfigPathEnvVar = "PERMGATE_CONFIG"

// DefaultConfigPaths are searched when no path is given.
var DefaultConfigPaths = []string{
	"permgate.yaml",
	"permgate.yml",
	"/etc/permgate/config.yaml",
}

// legacyEnv keeps the plain variable names used by earlier deployments.
var legacyEnv = map[string]string{
	"server_host":       "server.host",
	"server_port":       "server.port",
	"db_url":            "database.url",
	"db_host":           "database.host",
	"db_port":           "database.port",
	"db_user":           "database.user",
	"db_password":       "database.password",
	"db_name":           "database.name",
	"db_sslmode":        "database.sslmode",
	"db_max_open_conns": "database.max_open_conns",
	"db_max_idle_conns": "database.max_idle_conns",
	"redis_url":         "redis.url",
	"log_level":         "observability.logging.level",
	"log_format":        "observability.logging.format",
	"otel_enabled":      "observability.tracing.enabled",
	"otel_service_name": "observability.service_name",
	"jwt_secret":        "identity.secret",
	"ratelimit_rps":     "rate_limit.requests_per_second",
	"ratelimit_burst":   "rate_limit.burst",
}

// sliceConfigPaths accept comma separated values from the environment.
var sliceConfigPaths = []string{
	"gate.public_paths",
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order of precedence. An empty path searches
// DefaultConfigPaths.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		var err error
		if path, err = findConfigFile(); err != nil {
			return nil, err
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the file named by ConfigPathEnvVar, which must exist,
// or else the first existing default path.
func findConfigFile() (string, error) {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s points at an unreadable config file: %w", ConfigPathEnvVar, err)
		}
		return p, nil
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// envTransform maps an environment variable to a config path, or "" to skip it.
func envTransform(key string) string {
	if key == ConfigPathEnvVar {
		return ""
	}
	if rest, ok := strings.CutPrefix(key, EnvPrefix); ok {
		return strings.ReplaceAll(strings.ToLower(rest), "__", ".")
	}
	return legacyEnv[strings.ToLower(key)]
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
