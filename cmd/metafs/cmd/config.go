package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javi11/metafs/internal/config"
)

const maskedSecret = "********"

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage the configuration file",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE:  runConfigShow,
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE:  runConfigValidate,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with default values",
		RunE:  runConfigInit,
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(showCmd, validateCmd, initCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	masked := cfg.DeepCopy()
	if masked.WebDAV.Password != "" {
		masked.WebDAV.Password = maskedSecret
	}
	if masked.Metadata.PostgresDSN != "" {
		masked.Metadata.PostgresDSN = maskedSecret
	}

	out, err := yaml.Marshal(masked)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.LoadConfig(configFile); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(configFile); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", configFile)
	}

	if err := config.SaveToFile(config.DefaultConfig(), configFile); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote default configuration to %s\n", configFile)
	return nil
}
