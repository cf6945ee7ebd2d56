package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dynadmin/internal/config"
	"dynadmin/internal/logger"
)

type rootOptions struct {
	configFile string
	envFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "dynadmin",
		Short:         "Admin CRUD API for entities described by a remote configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	root.CompletionOptions.HiddenDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configFile, "config", "c", "", "config file (default ./config.{yaml,json,toml})")
	pf.StringVar(&opts.envFile, "env-file", "", "dotenv file (default ./.env)")
	pf.String("port", "", "HTTP port")
	pf.String("env", "", "environment: development, production or test")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("log-format", "", "log format: json or console")
	pf.String("config-url", "", "entity configuration URL (http(s)://, file:// or a path)")
	pf.Duration("poll", 0, "configuration poll interval")
	pf.String("store", "", "store driver: memory, mongo or postgres")
	pf.String("store-uri", "", "store connection URI")
	pf.String("database", "", "database name (mongo)")

	root.AddCommand(newServeCmd(opts), newSchemaCmd(opts))
	return root
}

// load reads the configuration with the command's flags on top.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(config.Options{File: o.configFile, EnvFile: o.envFile, Flags: cmd.Flags()})
}

func loggerConfig(cfg *config.Config) logger.Config {
	return logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
}
