package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/17512819719/ComfyUI-Web-Service-sub001/pkg/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect cluster configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Load, validate and print a cluster config",
	Long:  `Loads a cluster configuration file, runs full validation, and prints the effective configuration with defaults applied.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a cluster config without printing it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func configPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "config.yaml"
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := config.Load(configPath(args)); err != nil {
		return err
	}
	fmt.Println("Configuration is valid")
	return nil
}
