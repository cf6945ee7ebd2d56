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

var envKeys = []string{
	"DYNADMIN_APP_PORT",
	"DYNADMIN_APP_ENV",
	"DYNADMIN_LOG_LEVEL",
	"DYNADMIN_REMOTE_URL",
	"DYNADMIN_REMOTE_POLL_INTERVAL",
	"DYNADMIN_REMOTE_KNOWN_ENTITIES",
	"DYNADMIN_STORE_DRIVER",
	"DYNADMIN_STORE_URI",
	"DYNADMIN_HTTP_CORS_ALLOW_ORIGINS",
}

// isolate runs the test in an empty directory with no DYNADMIN_ variables.
func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	dir := t.TempDir()
	chdir(t, dir)
	return dir
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		isolate(t)

		cfg, err := Load(Options{})
		require.NoError(t, err)

		assert.Equal(t, "dynadmin", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "5000", cfg.App.Port)
		assert.Equal(t, ":5000", cfg.Addr())
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "console", cfg.Log.Format)
		assert.Equal(t, "stdout", cfg.Log.Output)
		assert.Equal(t, "file://config/entities.json", cfg.Remote.URL)
		assert.Equal(t, time.Minute, cfg.Remote.PollInterval)
		assert.Equal(t, 15*time.Second, cfg.Remote.Timeout)
		assert.Equal(t, "memory", cfg.Store.Driver)
		assert.Equal(t, int64(10<<20), cfg.HTTP.MaxBodySize)
		assert.Equal(t, []string{"*"}, cfg.HTTP.CORSAllowOrigins)
		assert.False(t, cfg.IsProduction())
	})

	t.Run("config file", func(t *testing.T) {
		dir := isolate(t)
		write(t, filepath.Join(dir, "config.yaml"), `
app:
  env: production
  port: "8081"
remote:
  url: https://api.example.com/b/1/latest
  master_key: secret
  poll_interval: 30s
  known_entities: [users, invoices]
store:
  driver: mongo
  uri: mongodb://localhost:27017
`)
		cfg, err := Load(Options{})
		require.NoError(t, err)

		assert.True(t, cfg.IsProduction())
		assert.Equal(t, "json", cfg.Log.Format)
		assert.Equal(t, "8081", cfg.App.Port)
		assert.Equal(t, "https://api.example.com/b/1/latest", cfg.Remote.URL)
		assert.Equal(t, "secret", cfg.Remote.MasterKey)
		assert.Equal(t, 30*time.Second, cfg.Remote.PollInterval)
		assert.Equal(t, []string{"users", "invoices"}, cfg.Remote.KnownEntities)
		assert.Equal(t, "mongo", cfg.Store.Driver)
	})

	t.Run("env overrides file", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "settings.json")
		write(t, path, `{"app": {"port": "7000"}, "store": {"driver": "memory"}}`)
		t.Setenv("DYNADMIN_APP_PORT", "9000")
		t.Setenv("DYNADMIN_STORE_DRIVER", "Postgres")
		t.Setenv("DYNADMIN_STORE_URI", "postgres://u:p@localhost/db")
		t.Setenv("DYNADMIN_HTTP_CORS_ALLOW_ORIGINS", "http://a.test, http://b.test")

		cfg, err := Load(Options{File: path})
		require.NoError(t, err)
		assert.Equal(t, "9000", cfg.App.Port)
		assert.Equal(t, "postgres", cfg.Store.Driver)
		assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.HTTP.CORSAllowOrigins)
	})

	t.Run("dotenv file", func(t *testing.T) {
		dir := isolate(t)
		envFile := filepath.Join(dir, "local.env")
		write(t, envFile, "DYNADMIN_REMOTE_URL=file:///tmp/entities.yaml\nDYNADMIN_LOG_LEVEL=debug\n")
		t.Cleanup(func() {
			os.Unsetenv("DYNADMIN_REMOTE_URL")
			os.Unsetenv("DYNADMIN_LOG_LEVEL")
		})

		cfg, err := Load(Options{EnvFile: envFile})
		require.NoError(t, err)
		assert.Equal(t, "file:///tmp/entities.yaml", cfg.Remote.URL)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("flags win", func(t *testing.T) {
		isolate(t)
		t.Setenv("DYNADMIN_APP_PORT", "9000")

		fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
		fs.String("port", "", "")
		fs.String("store", "", "")
		require.NoError(t, fs.Parse([]string{"--port", "6000"}))

		cfg, err := Load(Options{Flags: fs})
		require.NoError(t, err)
		assert.Equal(t, "6000", cfg.App.Port)
		assert.Equal(t, "memory", cfg.Store.Driver)
	})

	t.Run("explicit file must exist", func(t *testing.T) {
		dir := isolate(t)
		_, err := Load(Options{File: filepath.Join(dir, "missing.yaml")})
		assert.Error(t, err)
	})
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"DYNADMIN_STORE_DRIVER": "redis"}, "Store.Driver"},
		{"mongo without uri", map[string]string{"DYNADMIN_STORE_DRIVER": "mongo"}, "Store.URI"},
		{"bad env", map[string]string{"DYNADMIN_APP_ENV": "staging"}, "App.Env"},
		{"bad port", map[string]string{"DYNADMIN_APP_PORT": "http"}, "App.Port"},
		{"tiny poll", map[string]string{"DYNADMIN_REMOTE_POLL_INTERVAL": "10ms"}, "Remote.PollInterval"},
		{"bad level", map[string]string{"DYNADMIN_LOG_LEVEL": "trace"}, "Log.Level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
