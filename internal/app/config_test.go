package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_DOTENV", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("SESSION_SECRET", "session-secret")
	t.Setenv("CSRF_SECRET", "csrf-secret")
	t.Setenv("APP_ENV", "development")
	t.Setenv("AUTH_PROVIDER", "gotrue")
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, "unicore_session", cfg.SessionCookie)
	assert.Equal(t, AuthProviderGoTrue, cfg.AuthProvider)
	assert.Equal(t, 4096, cfg.SessionScopeLimit)
	assert.Equal(t, 30*time.Minute, cfg.SessionScopeIdle)
	assert.Equal(t, 1500*time.Millisecond, cfg.GuardWait)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigReadsDotenv(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "portal.env")
	require.NoError(t, writeFile(path, "GUARD_WAIT=250ms\nAUTH_PROVIDER=memory\n"))
	t.Setenv("APP_DOTENV", path)
	unsetEnv(t, "AUTH_PROVIDER")
	unsetEnv(t, "GUARD_WAIT")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.GuardWait)
	assert.Equal(t, AuthProviderMemory, cfg.AuthProvider)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "memory provider in production", env: map[string]string{"APP_ENV": "production", "AUTH_PROVIDER": "memory"}},
		{name: "unknown provider", env: map[string]string{"AUTH_PROVIDER": "ldap"}},
		{name: "scope limit", env: map[string]string{"SESSION_SCOPE_LIMIT": "0"}},
		{name: "missing csrf secret", env: map[string]string{"CSRF_SECRET": ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
