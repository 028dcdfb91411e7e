package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/node"
)

var (
	address     string
	port        string
	seeds       []string
	metricsAddr string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a spaces node",
	Long: `Start a node serving every space in its data dir over the gRPC swarm network.

Examples:
  # Start a node
  spaces start --data-dir=./alice --port=50051

  # Start a node that dials a peer and exposes Prometheus metrics
  spaces start --data-dir=./bob --port=50052 --seeds=127.0.0.1:50051 --metrics-addr=127.0.0.1:9090`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	addNetworkFlags(startCmd)
}

func addNetworkFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&address, "address", "a", node.DefaultAddress, "Address to bind the server to")
	cmd.Flags().StringVarP(&port, "port", "p", node.DefaultPort, "Port to bind the server to")
	cmd.Flags().StringSliceVarP(&seeds, "seeds", "s", []string{}, "Peer addresses dialed for every space (comma-separated)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

// networkConfig loads the config and applies the network flags that were set
func networkConfig(cmd *cobra.Command) (*node.Config, error) {
	config, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("address") {
		config.Address = address
	}
	if flags.Changed("port") {
		config.Port = port
	}
	if flags.Changed("seeds") {
		config.Seeds = seeds
	}
	if flags.Changed("metrics-addr") {
		config.MetricsAddr = metricsAddr
	}
	return config, config.Validate()
}

func runStart(cmd *cobra.Command, args []string) error {
	// Initialize logger for non-interactive mode (write to stdout)
	logger.Init("", true)

	config, err := networkConfig(cmd)
	if err != nil {
		return err
	}
	n, err := node.New(config)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(cmd.Context()); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	logger.Infof("identity %s listening on %s", n.Identity(), n.Addr())

	waitForSignal(cmd.Context())
	logger.Info("Shutting down...")
	return n.Stop()
}

// waitForSignal blocks until SIGINT, SIGTERM or ctx is done
func waitForSignal(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}
