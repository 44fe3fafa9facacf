// Package cmd implements the coap-endpoint commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/config"
	"github.com/pion/logging"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFlag   string
	logLevelFlag string
	timeoutFlag  time.Duration

	// Loaded by PersistentPreRunE
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "coap-endpoint",
	Short: "CoAP endpoint with reliable messaging, observe and DNS-SD",
	Long: `coap-endpoint serves CoAP resources over UDP or acts as a client.

Settings are read from .env, the --config YAML file and COAP_ environment
variables, later sources overriding earlier ones.

Use "coap-endpoint [command] --help" for more information about a command.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "",
		"Log level: trace, debug, info, warn, error, disabled (env: COAP_LOG_LEVEL)")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second,
		"Timeout of client operations")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(discoverCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
		if _, err := cfg.Level(); err != nil {
			return err
		}
	}
	return nil
}

// getContext returns a context bounded by --timeout.
func getContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeoutFlag)
}

// startClient starts a node on an ephemeral port for client commands.
func startClient(ctx context.Context) (*coap.Node, error) {
	node, err := coap.NewNode(coap.NodeConfig{
		ListenAddress: ":0",
		TokenLength:   cfg.TokenLength,
		EmptyAckDelay: cfg.EmptyAckDelay,
		LoggerFactory: cfg.LoggerFactory(),
	})
	if err != nil {
		return nil, err
	}
	if err := node.Start(ctx); err != nil {
		return nil, err
	}
	return node, nil
}

func newLogger(name string) logging.LeveledLogger {
	return cfg.LoggerFactory().NewLogger(name)
}
