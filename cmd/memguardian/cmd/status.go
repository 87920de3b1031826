package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/bobmatnyc/memguardian/pkg/dashboard"
)

var statusFile string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last exported guardian snapshot",
	Long: `Reads a snapshot file written by the guardian's export loop and
renders it. Point --file at the configured dashboard export path.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusFile, "file", "f", "", "snapshot file written by the guardian (JSON)")
	statusCmd.MarkFlagRequired("file")
}

func runStatus(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(statusFile)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var m dashboard.Metrics
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}

	if outputFormat == "json" {
		fmt.Println(string(data))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")

	table.Append([]string{"Snapshot Time", m.TimestampISO})
	table.Append([]string{"Memory State", m.Memory.State})
	table.Append([]string{"Current Memory", fmt.Sprintf("%.1f MB", m.Memory.CurrentMB)})
	table.Append([]string{"Peak Memory", fmt.Sprintf("%.1f MB", m.Memory.PeakMB)})
	table.Append([]string{"Average Memory", fmt.Sprintf("%.1f MB", m.Memory.AverageMB)})
	table.Append([]string{"Process State", m.Process.State})
	table.Append([]string{"Process Uptime", fmt.Sprintf("%.2f h", m.Process.UptimeHours)})
	table.Append([]string{"Total Restarts", fmt.Sprintf("%d", m.Restarts.Total)})
	table.Append([]string{"Recent Restarts", fmt.Sprintf("%d", m.Restarts.Recent)})
	table.Append([]string{"Health", m.Health.Status})
	table.Append([]string{"Degradation", m.Health.DegradationLevel})
	table.Append([]string{"Degraded Features", fmt.Sprintf("%d", m.Health.DegradedFeatures)})

	table.Render()
	return nil
}
