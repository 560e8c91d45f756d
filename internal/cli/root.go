package cli

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/rollupd/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagTimeout   time.Duration

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking ROLLUPD_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("ROLLUPD_SERVER"); s != "" {
		return s
	}
	return "http://localhost:4000"
}

// NewRootCmd creates the root cobra command for the rollup CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rollup",
		Short: "rollup controls a rollupd pre-aggregation server",
		Long:  "rollup triggers scheduled refreshes, builds pre-aggregations and runs queries against rollupd.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, flagTimeout, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "rollupd server URL (or ROLLUPD_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")
	root.PersistentFlags().DurationVar(&flagTimeout, "http-timeout", 0, "Per-request HTTP timeout (0 waits indefinitely)")

	root.AddCommand(
		newHealthCmd(),
		newRefreshCmd(),
		newPartitionsCmd(),
		newBuildCmd(),
		newJobsCmd(),
		newLoadCmd(),
		newConnectionsCmd(),
	)

	return root
}
