package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o600))
	return p
}

// chdir changes the working directory for the rest of the test
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

const sampleYAML = `
env: "prod"
http:
  host: "127.0.0.1"
  port: "9000"
backend:
  api_url: "https://api.example.com"
  token_url: "https://auth.example.com/auth/token"
  refresh_threshold: "2m"
session:
  lifetime: "1h"
devauth:
  jwt_secret: "0123456789abcdef0123"
  users:
    - "alice@example.com:password123"
`

func TestHTTPConfig_Addr(t *testing.T) {
	require.Equal(t, "0.0.0.0:8080", HTTPConfig{Host: "0.0.0.0", Port: "8080"}.Addr())
}

func TestLoad_ExplicitPath(t *testing.T) {
	chdir(t, t.TempDir())
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	require.Equal(t, EnvProd, cfg.Env)
	require.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr())
	require.Equal(t, "https://api.example.com", cfg.Backend.APIURL)
	require.Equal(t, 2*time.Minute, cfg.Backend.RefreshThreshold)
	require.Equal(t, 30*time.Second, cfg.Backend.RenewTimeout)
	require.Equal(t, "authfetch-bff", cfg.Backend.ClientID)
	require.Equal(t, time.Hour, cfg.Session.Lifetime)
	require.Equal(t, []string{"alice@example.com:password123"}, cfg.DevAuth.Users)
	require.False(t, cfg.Redis.Enabled())
	require.NoError(t, cfg.ValidateBFF())
	require.NoError(t, cfg.ValidateDevAuth())
}

func TestLoad_EnvOverlaysFile(t *testing.T) {
	chdir(t, t.TempDir())
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	require.Equal(t, "9100", cfg.HTTP.Port)
	require.True(t, cfg.Redis.Enabled())
}

func TestLoad_ConfigPathEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONFIG_PATH", writeFile(t, t.TempDir(), "c.yaml", sampleYAML))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, EnvProd, cfg.Env)
}

func TestLoad_LocalYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "local.yaml", `env: "dev"`)
	chdir(t, dir)
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Env)
	require.Equal(t, "8080", cfg.HTTP.Port)
}

func TestLoad_EnvOnlyWithDotEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "BACKEND_API_URL=https://dotenv.example.com\nDEVAUTH_USERS=a:1,b:2\n")
	chdir(t, dir)
	t.Setenv("CONFIG_PATH", "")
	// Registered so the variables godotenv sets are restored afterwards
	t.Setenv("BACKEND_API_URL", "")
	os.Unsetenv("BACKEND_API_URL")
	t.Setenv("DEVAUTH_USERS", "")
	os.Unsetenv("DEVAUTH_USERS")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, EnvLocal, cfg.Env)
	require.Equal(t, "https://dotenv.example.com", cfg.Backend.APIURL)
	require.Equal(t, []string{"a:1", "b:2"}, cfg.DevAuth.Users)
	require.ErrorContains(t, cfg.ValidateBFF(), "token_url")
}

func TestLoad_Errors(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "stat failed")

	broken := writeFile(t, t.TempDir(), "broken.yaml", "env: [unclosed\n")
	_, err = Load(broken)
	require.ErrorContains(t, err, "failed to read config")
}

func TestValidateDevAuth(t *testing.T) {
	cfg := &Config{DevAuth: DevAuthConfig{JWTSecret: "short"}}
	require.Error(t, cfg.ValidateDevAuth())
}

func TestMustLoad_Panics(t *testing.T) {
	chdir(t, t.TempDir())
	require.Panics(t, func() { MustLoad(filepath.Join(t.TempDir(), "missing.yaml")) })
}

func TestNewLogger(t *testing.T) {
	for _, env := range []string{EnvLocal, EnvDev, EnvProd, "other"} {
		require.NotNil(t, NewLogger(env))
	}
}
