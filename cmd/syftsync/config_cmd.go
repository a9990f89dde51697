package main

import (
	"fmt"

	"github.com/openmined/syftsync/internal/config"
	"github.com/openmined/syftsync/internal/utils"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		Long:  "Merge the config file, SYFTSYNC_* environment and flags, validate the result and print it with secrets masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cmd.SilenceUsage = true

			out, err := yaml.Marshal(masked(cfg))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", gray.Render("# config:"), cfg.Path)
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// masked copies cfg with provider credentials blanked out.
func masked(cfg *config.Config) *config.Config {
	out := *cfg
	out.HTTPToken = utils.MaskSecret(cfg.HTTPToken)
	out.Providers = make(map[string]*config.ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		cp := *p
		cp.AccessKey = utils.MaskSecret(cp.AccessKey)
		cp.SecretKey = utils.MaskSecret(cp.SecretKey)
		out.Providers[name] = &cp
	}
	return &out
}
