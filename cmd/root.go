package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/harvest-engineering/harvest-executor/internal/logging"
)

var (
	verbose    bool
	jsonOutput bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "harvest-ctl",
	Short: "Harvest session and sandbox orchestration CLI",
	Long: `harvest-ctl runs interactive coding-agent sessions in isolated
sandboxes and keeps prebuilt images warm for configured repositories.

Each session gets:
  - Its own sandbox, created from a prebuilt repository image when available
  - A clean clone of the target branch with git identity preconfigured
  - An interactive agent process fed one prompt at a time
  - A final safe push of all work before the sandbox is destroyed`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(verbose, jsonOutput, os.Stderr)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// Helper aliases for user-facing output (delegates to logging package)
var (
	logInfo    = logging.UserInfo
	logSuccess = logging.UserSuccess
	logWarning = logging.UserWarning
	logError   = logging.UserError
)
