package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	coordinatorURL string
	outputFormat   string
	cfgFile        string
	apiToken       string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "clusterctl",
	Short: "CLI for the ComfyUI compute cluster",
	Long:  `clusterctl inspects and manages the ComfyUI distributed compute cluster: nodes, health, and configuration.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&coordinatorURL, "coordinator", "", "coordinator API URL (default from config or http://localhost:8190)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "cluster API token (default from COMFY_CLUSTER_TOKEN)")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("coordinator_url", "CLUSTER_COORDINATOR_URL")
	viper.BindEnv("cluster_token", "COMFY_CLUSTER_TOKEN")

	if err := viper.ReadInConfig(); err == nil {
		if coordinatorURL == "" && viper.GetString("coordinator_url") != "" {
			coordinatorURL = viper.GetString("coordinator_url")
		}
	}
	if apiToken == "" {
		apiToken = viper.GetString("cluster_token")
	}

	if coordinatorURL == "" {
		coordinatorURL = "http://localhost:8190"
	}
}

// GetCoordinatorURL returns the configured coordinator URL without a trailing slash
func GetCoordinatorURL() string {
	return strings.TrimRight(coordinatorURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetAPIToken returns the cluster token, empty when auth is disabled
func GetAPIToken() string {
	return apiToken
}
