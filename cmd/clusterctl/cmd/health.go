package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show aggregate cluster health",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

type healthResponse struct {
	Status       string                `json:"status"`
	Mode         string                `json:"mode"`
	HealthyNodes int                   `json:"healthy_nodes"`
	TotalNodes   int                   `json:"total_nodes"`
	Nodes        map[string]nodeHealth `json:"nodes"`
	LiveTasks    int                   `json:"live_tasks"`
}

type nodeHealth struct {
	Status string `json:"status"`
	URL    string `json:"url"`
	Load   string `json:"load"`
	Error  string `json:"error,omitempty"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	var health healthResponse
	if err := getJSON("/health", &health); err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(health, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Status:     %s\n", health.Status)
	fmt.Printf("Mode:       %s\n", health.Mode)
	fmt.Printf("Live tasks: %d\n", health.LiveTasks)

	if health.Mode == "distributed" {
		fmt.Printf("Nodes:      %d/%d healthy\n\n", health.HealthyNodes, health.TotalNodes)

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Node", "Status", "URL", "Load", "Error")
		for id, n := range health.Nodes {
			table.Append(id, n.Status, n.URL, n.Load, n.Error)
		}
		table.Render()
	}
	return nil
}
