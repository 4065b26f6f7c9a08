package main

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rivet-gg/actorrepl/config"
	"github.com/rivet-gg/actorrepl/internal/logging"
)

var version = "dev"

var (
	configPath string
	logLevel   string
	managerURL string
	logJSON    bool
)

var rootCmd = &cobra.Command{
	Use:   "actorrepl",
	Short: "Evaluate code against remote actors",
	Long: `actorrepl runs JavaScript and TypeScript snippets with a remote actor's RPCs
in scope and reports console output, results and errors.

Snippets are module bodies: top-level await and return are allowed and the
value of a trailing expression is returned. Every requested RPC is available
as actor.<name>(...args) and, when its name is a valid identifier, as a
top-level function.

Configuration is read from --config, then ACTORREPL_MANAGER_URL and
ACTORREPL_LOG_LEVEL, then flags.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON")
	rootCmd.PersistentFlags().StringVar(&managerURL, "manager-url", "", "Actor manager base URL")

	rootCmd.AddCommand(createRunCmd())
	rootCmd.AddCommand(createReplCmd())
	rootCmd.AddCommand(createServeCmd())
	rootCmd.AddCommand(createMCPCmd())
}

// loadConfig loads the configuration and applies persistent flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON = logJSON
	}
	if flags.Changed("manager-url") {
		cfg.ManagerURL = strings.TrimSpace(managerURL)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs go to w so that stdout stays
// reserved for command output.
func newLogger(cfg config.Config, w io.Writer) *logging.Logger {
	logCfg := cfg.Logging()
	logCfg.Output = w
	return logging.New(logCfg)
}
