package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/tandem/config"
)

var configInitFlags struct {
	global bool
	force  bool
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and write configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadWithFlags(cmd.Flags())
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file locations and environment variables",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "global:  %s\n", config.GlobalPath())
		fmt.Fprintf(out, "project: %s\n", config.ProjectPath())
		keys := config.Keys()
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "env:     %s\n", config.EnvName(k))
		}
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to a config file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, write := config.ProjectPath(), config.WriteProject
		if configInitFlags.global {
			path, write = config.GlobalPath(), config.WriteGlobal
		}
		if _, err := os.Stat(path); err == nil && !configInitFlags.force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		cfg, err := config.LoadWithFlags(cmd.Flags())
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := write(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitFlags.global, "global", false, "Write the global config instead of the project config")
	configInitCmd.Flags().BoolVar(&configInitFlags.force, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
}
