package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/node"
)

var (
	dataDir    string
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "spaces",
	Short: "Replicated, permissioned spaces over a peer-to-peer swarm",
	Long: `A node hosting spaces: append-only feeds replicated between authenticated members,
with a control log of membership credentials and a data log of database mutations
merged in causal order.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", node.DefaultDataDir, "Node data directory")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info or error (overrides config)")
}

// loadConfig reads the node config and applies flags that override it
func loadConfig(cmd *cobra.Command) (*node.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(dataDir, node.DefaultConfigFile)
	}
	config, err := node.LoadConfig(path, dataDir)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("data-dir") {
		config.DataDir = dataDir
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	level, err := logger.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	return config, nil
}
