package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// nodesCmd represents the nodes command
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage compute nodes",
	Long:  `Commands for listing and inspecting compute nodes in the cluster.`,
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered nodes",
	RunE:  runNodesList,
}

var nodesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-node dispatch counters",
	RunE:  runNodesStats,
}

var nodesRemoveCmd = &cobra.Command{
	Use:   "remove <node-id>",
	Short: "Remove a node from the registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodesRemove,
}

func init() {
	rootCmd.AddCommand(nodesCmd)
	nodesCmd.AddCommand(nodesListCmd)
	nodesCmd.AddCommand(nodesStatsCmd)
	nodesCmd.AddCommand(nodesRemoveCmd)
}

type nodeInfo struct {
	ID                  string   `json:"id"`
	Host                string   `json:"host"`
	Port                int      `json:"port"`
	Capabilities        []string `json:"capabilities"`
	MaxConcurrent       int      `json:"max_concurrent"`
	CurrentLoad         int      `json:"current_load"`
	Health              string   `json:"health"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	Origin              string   `json:"origin"`
}

type nodeStats struct {
	NodeID      string `json:"node_id"`
	Assigned    int64  `json:"assigned"`
	Succeeded   int64  `json:"succeeded"`
	Failed      int64  `json:"failed"`
	MeanLatency int64  `json:"mean_latency"`
}

func apiRequest(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, GetCoordinatorURL()+path, nil)
	if err != nil {
		return nil, err
	}
	if token := GetAPIToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

func getJSON(path string, out interface{}) error {
	resp, err := apiRequest(http.MethodGet, path)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func runNodesList(cmd *cobra.Command, args []string) error {
	var nodes []nodeInfo
	if err := getJSON("/nodes", &nodes); err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(nodes, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(nodes) == 0 {
		fmt.Println("No nodes registered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Address", "Health", "Load", "Capabilities", "Origin")
	for _, n := range nodes {
		table.Append(
			n.ID,
			fmt.Sprintf("%s:%d", n.Host, n.Port),
			n.Health,
			fmt.Sprintf("%d/%d", n.CurrentLoad, n.MaxConcurrent),
			strings.Join(n.Capabilities, ","),
			n.Origin,
		)
	}
	table.Render()
	fmt.Printf("\nTotal nodes: %d\n", len(nodes))
	return nil
}

func runNodesStats(cmd *cobra.Command, args []string) error {
	var stats []nodeStats
	if err := getJSON("/nodes/stats", &stats); err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(stats) == 0 {
		fmt.Println("No dispatch activity yet")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Node", "Assigned", "Succeeded", "Failed", "Mean latency")
	for _, s := range stats {
		table.Append(
			s.NodeID,
			fmt.Sprintf("%d", s.Assigned),
			fmt.Sprintf("%d", s.Succeeded),
			fmt.Sprintf("%d", s.Failed),
			time.Duration(s.MeanLatency).Round(time.Millisecond).String(),
		)
	}
	table.Render()
	return nil
}

func runNodesRemove(cmd *cobra.Command, args []string) error {
	resp, err := apiRequest(http.MethodDelete, "/nodes/"+args[0])
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	fmt.Printf("Node %s removed\n", args[0])
	return nil
}
