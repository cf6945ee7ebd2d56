package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DYNADMIN_STORE_DRIVER.
const EnvPrefix = "DYNADMIN"

type Config struct {
	App    AppConfig
	Log    LogConfig
	Remote RemoteConfig
	Store  StoreConfig
	HTTP   HTTPConfig
}

type AppConfig struct {
	Name string `validate:"required"`
	Env  string `validate:"oneof=development production test"`
	Port string `validate:"required,numeric"`
}

// LogConfig: Output is stdout, stderr or a file path (rotated).
type LogConfig struct {
	Level      string `validate:"oneof=debug info warn error"`
	Format     string `validate:"oneof=json console"`
	Output     string `validate:"required"`
	MaxSizeMB  int    `validate:"gte=0"`
	MaxBackups int    `validate:"gte=0"`
	MaxAgeDays int    `validate:"gte=0"`
}

// RemoteConfig describes where the entity configuration lives: an http(s)
// URL, a file:// URL or a plain path.
type RemoteConfig struct {
	URL           string        `validate:"required"`
	PublishURL    string        `validate:"omitempty,url"`
	MasterKey     string
	AccessKey     string
	PollInterval  time.Duration `validate:"min=1s"`
	Timeout       time.Duration `validate:"min=1s"`
	KnownEntities []string
}

type StoreConfig struct {
	Driver         string        `validate:"oneof=memory mongo postgres"`
	URI            string        `validate:"required_unless=Driver memory"`
	Database       string
	ConnectTimeout time.Duration `validate:"min=1s"`
	MaxPoolSize    int           `validate:"gte=0"`
}

type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	ShutdownTimeout  time.Duration
	MaxBodySize      int64 `validate:"gt=0"`
	CORSAllowOrigins []string
}

// Options tells Load where to look. Empty File searches ./config.* and
// ./config/config.*; empty EnvFile reads ./.env when present.
type Options struct {
	File    string
	EnvFile string
	// Flags are bound by FlagKeys; unchanged flags never override file or env values.
	Flags *pflag.FlagSet
}

// FlagKeys maps CLI flag names to configuration keys.
var FlagKeys = map[string]string{
	"port":       "app.port",
	"env":        "app.env",
	"log-level":  "log.level",
	"log-format": "log.format",
	"config-url": "remote.url",
	"poll":       "remote.poll_interval",
	"store":      "store.driver",
	"store-uri":  "store.uri",
	"database":   "store.database",
}

// Load reads configuration with the priority flags > environment (including
// .env) > config file > built-in defaults, then validates it.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// .env не перекрывает уже выставленные переменные
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range FlagKeys {
			f := opts.Flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Output:     v.GetString("log.output"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		Remote: RemoteConfig{
			URL:           v.GetString("remote.url"),
			PublishURL:    v.GetString("remote.publish_url"),
			MasterKey:     v.GetString("remote.master_key"),
			AccessKey:     v.GetString("remote.access_key"),
			PollInterval:  v.GetDuration("remote.poll_interval"),
			Timeout:       v.GetDuration("remote.timeout"),
			KnownEntities: stringList(v, "remote.known_entities"),
		},
		Store: StoreConfig{
			Driver:         strings.ToLower(v.GetString("store.driver")),
			URI:            v.GetString("store.uri"),
			Database:       v.GetString("store.database"),
			ConnectTimeout: v.GetDuration("store.connect_timeout"),
			MaxPoolSize:    v.GetInt("store.max_pool_size"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			ShutdownTimeout:  v.GetDuration("http.shutdown_timeout"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: stringList(v, "http.cors_allow_origins"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stringList accepts a list from a file or a comma separated env value.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "dynadmin"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "5000"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
		if cfg.App.Env == "production" {
			cfg.Log.Format = "json"
		}
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}
	if cfg.Remote.URL == "" {
		cfg.Remote.URL = "file://config/entities.json"
	}
	if cfg.Remote.PollInterval == 0 {
		cfg.Remote.PollInterval = 60 * time.Second
	}
	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = 15 * time.Second
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}
	if cfg.Store.Database == "" {
		cfg.Store.Database = "dynadmin"
	}
	if cfg.Store.ConnectTimeout == 0 {
		cfg.Store.ConnectTimeout = 10 * time.Second
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 30 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		// экспорт бывает долгим
		cfg.HTTP.WriteTimeout = 5 * time.Minute
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20
	}
	if len(cfg.HTTP.CORSAllowOrigins) == 0 {
		cfg.HTTP.CORSAllowOrigins = []string{"*"}
	}
}

var validate = validator.New()

// Validate checks the struct tags and reports every failing field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.ActualTag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// IsProduction reports whether app.env is production.
func (c *Config) IsProduction() bool { return c.App.Env == "production" }

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string { return ":" + c.App.Port }
