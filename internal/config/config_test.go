package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/permgate/internal/authz"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "permgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestPurpose: Validates that defaults load when no file or environment overrides exist.
// Scope: Unit Test
// Expected: Cache, loader and gate defaults are populated and the built-in route table is used.
// Test Case ID: CFG-01
func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, authz.DefaultCacheTTL, cfg.Cache.TTL)
	assert.Equal(t, authz.DefaultCacheMaxSize, cfg.Cache.MaxSize)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, authz.DefaultLoaderTimeout, cfg.Loader.LoaderTimeout)
	assert.Equal(t, uint32(5), cfg.Loader.Breaker.FailureThreshold)
	assert.Equal(t, "/auth/signin", cfg.Gate.SigninPath)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())

	table, err := cfg.RouteTable()
	require.NoError(t, err)
	_, ok := table.LookupRoute("/dashboard/users")
	assert.True(t, ok)
}

// TestPurpose: Validates the layering order: file overrides defaults and env overrides file.
// Scope: Unit Test
// Expected: Values from YAML and env land in the right fields; routes come from the file.
// Test Case ID: CFG-02
func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
cache:
  ttl: 1m
  max_size: 10
gate:
  detailed_logging: true
routes:
  - path: /reports
    permissions: [report.view]
    level: 2
operations:
  - method: POST
    path: /api/reports
    roles: [ANALYST, ADMIN]
    mode: OR
`)
	t.Setenv("PERMGATE_CACHE__MAX_SIZE", "42")
	t.Setenv("PERMGATE_GATE__PUBLIC_PATHS", "/auth, /healthz")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 42, cfg.Cache.MaxSize)
	assert.True(t, cfg.Gate.DetailedLogging)
	assert.Equal(t, []string{"/auth", "/healthz"}, cfg.Gate.PublicPaths)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, "debug", cfg.Observability.Logging.Level)

	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, []string{"report.view"}, cfg.Routes[0].Permissions)
	require.NotNil(t, cfg.Routes[0].Level)
	assert.Equal(t, 2, *cfg.Routes[0].Level)

	table, err := cfg.RouteTable()
	require.NoError(t, err)
	req, ok := table.LookupOperation("POST", "/api/reports")
	require.True(t, ok)
	assert.Equal(t, authz.ModeOR, req.Mode)
	_, ok = table.LookupRoute("/dashboard/users")
	assert.False(t, ok)
}

// TestPurpose: Validates that invalid settings are rejected at load time.
// Scope: Unit Test
// Expected: Non-positive TTL, unknown log level, bad rule modes and header identity without a header all fail validation.
// Test Case ID: CFG-03
func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"ttl":   "cache:\n  ttl: 0s\n",
		"level": "observability:\n  logging:\n    level: loud\n",
		"mode":  "routes:\n  - path: /x\n    roles: [A]\n    mode: XOR\n",
		"redis": "redis:\n  enabled: true\n",
		"identity": "identity:\n  mode: header\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

// TestPurpose: Validates the environment variable mapping.
// Scope: Unit Test
// Expected: Prefixed names map by double underscore; legacy names map by table; others are ignored.
// Test Case ID: CFG-04
func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "loader.breaker.failure_threshold", envTransform("PERMGATE_LOADER__BREAKER__FAILURE_THRESHOLD"))
	assert.Equal(t, "database.host", envTransform("DB_HOST"))
	assert.Equal(t, "", envTransform("HOME"))
	assert.Equal(t, "", envTransform(ConfigPathEnvVar))
}

// TestPurpose: Validates that the config path environment variable is honoured and never silently ignored.
// Scope: Unit Test
// Expected: An existing file is loaded; a missing file is an error naming the variable.
// Test Case ID: CFG-05
func TestLoad_ConfigPathEnv(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv(ConfigPathEnvVar, writeConfig(t, "identity:\n  mode: header\n  header: X-User-Id\n"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "header", cfg.Identity.Mode)
	assert.Equal(t, "X-User-Id", cfg.Identity.Header)

	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ConfigPathEnvVar)
}
