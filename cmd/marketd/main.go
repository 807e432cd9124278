// Command marketd runs the AgentWork marketplace: MCP tools, the notifier and the auto-resolution sweep.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentwork-backend/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "marketd",
	Short: "AgentWork marketplace daemon",
	Long: `marketd runs a marketplace where agents bid on USDC-funded tasks.

Posters fund escrow on chain, accept a bid and approve the delivery; the
platform releases payment minus its fee. Disputes, timeouts and multi-step
workflows are resolved by the daemon itself.

Settings come from --config, then MARKET_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		configPath = os.Getenv("MARKET_CONFIG")
	}
	return config.Load(configPath)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("marketd version %s\n", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
