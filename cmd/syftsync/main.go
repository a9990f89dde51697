package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/openmined/syftsync/internal/config"
	"github.com/openmined/syftsync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flag name -> config key
var flagKeys = map[string]string{
	"http-addr": "http_addr",
	"state-dir": "state_dir",
	"storage":   "storage",
	"interval":  "interval",
	"log-file":  "log_file",
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "syftsync",
		Short:   "Bidirectional file sync between local folders and cloud storage",
		Version: version.Detailed(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			// all good now, errors from here on are not usage errors
			cmd.SilenceUsage = true
			return runDaemon(cmd, cfg)
		},
	}

	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("state-dir", "d", config.DefaultStateDir, "Directory for the sync journal and lock file")
	rootCmd.Flags().String("storage", config.StorageSqlite, "Journal storage (sqlite or memory)")
	rootCmd.Flags().DurationP("interval", "i", config.DefaultInterval, "Pause between sync passes")
	rootCmd.Flags().String("log-file", config.DefaultLogFile, "Log file")
	rootCmd.Flags().BoolP("verbose", "v", false, "Log debug messages to stdout")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Config file")
	rootCmd.PersistentFlags().StringP("http-addr", "a", config.DefaultHTTPAddr, "Status server address")

	rootCmd.AddCommand(
		newStatusCmd(),
		newWatchCmd(),
		newStateCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig layers flags over SYFTSYNC_* env (optionally from .env) over the
// YAML config file over defaults. The result is not validated.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	configPath := cmd.Flag("config").Value.String()
	if env := os.Getenv(config.EnvPrefix + "_CONFIG"); env != "" && !cmd.Flag("config").Changed {
		configPath = env
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	defaults := config.Default()
	v.SetDefault("state_dir", defaults.StateDir)
	v.SetDefault("storage", defaults.Storage)
	v.SetDefault("http_addr", defaults.HTTPAddr)
	v.SetDefault("http_token", "")
	v.SetDefault("interval", defaults.Interval)
	v.SetDefault("log_file", config.DefaultLogFile)

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	for flag, key := range flagKeys {
		if f := cmd.Flag(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	cfg := config.Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode '%s': %w", configPath, err)
	}
	cfg.Path = configPath
	return cfg, nil
}
