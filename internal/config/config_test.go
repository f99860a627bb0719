package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateConfigEnv saves and unsets all BOB_ env vars so tests don't inherit
// values from the host environment (e.g. a running bot).
// t.Cleanup restores original values after the test.
func isolateConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys() {
		name := envName(key)
		if orig, ok := os.LookupEnv(name); ok {
			t.Cleanup(func() { os.Setenv(name, orig) })
		} else {
			t.Cleanup(func() { os.Unsetenv(name) })
		}
		os.Unsetenv(name)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("BOB_GITHUB_USERNAME", "alice")

	cfg, err := Load(LoadOptions{})

	require.NoError(t, err)
	assert.Equal(t, ":11000", cfg.ListenAddr)
	assert.Equal(t, "127.0.0.1:10000", cfg.EventAddr)
	assert.Equal(t, "127.0.0.1:12000", cfg.CommandAddr)
	assert.Equal(t, "/events", cfg.EventPath)
	assert.Equal(t, "bob.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.CoalesceWindow)
	assert.Equal(t, 1, cfg.ReconcileAttempts)
	assert.Equal(t, 8, cfg.ReconcileConcurrency)
	assert.Equal(t, "ubuntu", cfg.DeployUser)
	assert.Equal(t, "/home/ubuntu/apps", cfg.DeployAppsDir)
	assert.Equal(t, 10*time.Minute, cfg.DeployTimeout)
	assert.Equal(t, 2, cfg.EnvelopeCommandIndex)
	assert.True(t, cfg.Console)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{}, cfg.Repos)
}

func TestLoad_File(t *testing.T) {
	isolateConfigEnv(t)
	path := writeFile(t, "config.json", `{
		// comments are tolerated
		"token": "ghp_file",
		"url": "http://bob.example:11000",
		"github_username": "alice",
		"repos": ["alice/api", "alice/web"],
		"reconcile_attempts": 3,
		"console": false,
	}`)

	cfg, err := Load(LoadOptions{FilePath: path})

	require.NoError(t, err)
	assert.Equal(t, "ghp_file", cfg.Token)
	assert.Equal(t, []string{"alice/api", "alice/web"}, cfg.Repos)
	assert.Equal(t, 3, cfg.ReconcileAttempts)
	assert.False(t, cfg.Console)
	assert.Equal(t, path, cfg.FilePath)
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	isolateConfigEnv(t)

	cfg, err := Load(LoadOptions{
		FilePath:  filepath.Join(t.TempDir(), "absent.json"),
		Overrides: map[string]string{KeyGitHubUsername: "alice"},
	})

	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.GitHubUsername)
}

func TestLoad_Precedence(t *testing.T) {
	isolateConfigEnv(t)
	path := writeFile(t, "config.json", `{
		"github_username": "file-user",
		"token": "file-token",
		"url": "http://file",
		"post_url": "http://file/chat"
	}`)
	t.Setenv("BOB_TOKEN", "env-token")
	t.Setenv("BOB_URL", "http://env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--url", "http://flag"}))

	cfg, err := Load(LoadOptions{
		FilePath: path,
		Flags:    fs,
		Overrides: map[string]string{
			KeyToken:   "override-token",
			KeyPostURL: "http://override/chat",
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "http://flag", cfg.URL, "flag beats env")
	assert.Equal(t, "env-token", cfg.Token, "env beats override")
	assert.Equal(t, "http://override/chat", cfg.PostURL, "override beats file")
	assert.Equal(t, "file-user", cfg.GitHubUsername)
}

func TestLoad_EnvFile(t *testing.T) {
	isolateConfigEnv(t)
	envFile := writeFile(t, ".env", "BOB_GITHUB_USERNAME=dotenv-user\nBOB_LOG_LEVEL=debug\n")
	t.Setenv("BOB_LOG_LEVEL", "warn")

	cfg, err := Load(LoadOptions{EnvFile: envFile})

	require.NoError(t, err)
	assert.Equal(t, "dotenv-user", cfg.GitHubUsername)
	assert.Equal(t, "warn", cfg.LogLevel, "real environment wins over .env")
}

func TestLoad_ReposFlag(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("BOB_GITHUB_USERNAME", "alice")
	t.Setenv("BOB_REPOS", "alice/env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--repos", "alice/a,alice/b", "--console=false"}))

	cfg, err := Load(LoadOptions{Flags: fs})

	require.NoError(t, err)
	assert.Equal(t, []string{"alice/a", "alice/b"}, cfg.Repos)
	assert.False(t, cfg.Console)
}

func TestLoad_MissingUsername(t *testing.T) {
	isolateConfigEnv(t)

	cfg, err := Load(LoadOptions{})

	assert.Nil(t, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOB_GITHUB_USERNAME")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad duration", KeyCoalesceWindow, "soon"},
		{"zero deploy timeout", KeyDeployTimeout, "0s"},
		{"zero attempts", KeyReconcileAttempts, "0"},
		{"non-numeric concurrency", KeyReconcileConcurrency, "many"},
		{"bad bool", KeyConsole, "maybe"},
		{"bad log level", KeyLogLevel, "loud"},
		{"relative event path", KeyEventPath, "events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateConfigEnv(t)
			t.Setenv("BOB_GITHUB_USERNAME", "alice")
			t.Setenv(envName(tt.key), tt.val)

			cfg, err := Load(LoadOptions{})

			assert.Nil(t, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestHookURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://bob.example:11000", "http://bob.example:11000/events"},
		{"http://bob.example:11000/", "http://bob.example:11000/events"},
		{"http://bob.example:11000/events", "http://bob.example:11000/events"},
	}

	for _, tt := range tests {
		cfg := &Config{URL: tt.url, EventPath: "/events"}
		assert.Equal(t, tt.want, cfg.HookURL(), tt.url)
	}
}
