package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/openmined/regionsync/internal/config"
	"github.com/openmined/regionsync/internal/utils"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with the default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultConfigPath
			if len(args) == 1 {
				path = args[0]
			} else if p, _ := cmd.Flags().GetString("config"); p != "" {
				path = p
			}
			path, err := utils.ResolvePath(path)
			if err != nil {
				return err
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green.Render("wrote"), path)
			fmt.Fprintln(cmd.OutOrStdout(), gray.Render("set worlds_dir and the remote section, then run `regionsync test-connection`"))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}

			masked := *cfg
			utils.MaskSecrets(
				&masked.Remote.Password,
				&masked.Remote.PrivateKeyPassphrase,
				&masked.Remote.SecretKey,
				&masked.ControlPlane.Token,
			)

			if cfg.Path != "" {
				fmt.Fprintln(cmd.OutOrStdout(), gray.Render("# "+cfg.Path))
			}
			data, err := yaml.Marshal(masked.AsMap())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
