package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "memguardian",
	Short: "Self-healing memory supervisor for a long-running process",
	Long: `memguardian supervises one long-running external process, samples its
memory usage, classifies pressure against configured thresholds and restarts
the process under a protected policy when it crosses the emergency limit.
Session state survives restarts and a circuit breaker prevents restart storms.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.memguardian/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "text", "output format: text, json or yaml")
}
