// Command taskmem inspects task memory and runs the executor event server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/taskmem/config"
	"github.com/vinayprograms/taskmem/logging"
)

var (
	configPath string
	logLevel   string
	agentID    string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "taskmem",
	Short: "Task memory lifecycle engine",
	Long: `taskmem tracks agent tasks from creation through progress to completion,
archiving finished tasks into a bounded, searchable per-agent archive.

Configuration is read from --config, ./taskmem.toml or
~/.config/taskmem/taskmem.toml, in that order.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, path, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		level := cfg.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		logger = logging.New()
		logger.SetOutput(cmd.ErrOrStderr())
		logger.SetLevel(logging.ParseLevel(level))
		if path != "" {
			logger.Debug("config loaded", map[string]interface{}{"path": path})
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to taskmem.toml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(classifyCmd, tasksCmd, archiveCmd, searchCmd, watchCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// requireAgent is a PreRunE for commands scoped to one agent.
func requireAgent(cmd *cobra.Command, args []string) error {
	if agentID == "" {
		return fmt.Errorf("--agent is required")
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
