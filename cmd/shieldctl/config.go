package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ccoin/shielded/internal/config"
)

var force bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration operations",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil && !force {
			return fmt.Errorf("%s exists, use --force to overwrite", configPath)
		}
		if err := config.Save(configPath, config.Default()); err != nil {
			return err
		}
		fmt.Printf("Wrote %s; set rpc.programId and rpc.treeAccount before use.\n", configPath)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("%s is valid (hasher %s, source %s, backend %s)\n",
			configPath, cfg.Hasher, cfg.Source, cfg.Storage.Backend)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configCheckCmd)
	rootCmd.AddCommand(configCmd)
}
