package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/node"
	"github.com/adamgarcia4/goLearning/spaces/space"
)

var (
	joinControl string
	joinData    string
	joinTimeout time.Duration
)

var joinCmd = &cobra.Command{
	Use:   "join <space-key>",
	Short: "Join a space another member admitted this node to",
	Long: `Joining takes two steps. Without feed keys, join creates them and prints the
admit command a member of the space runs:

  spaces join <space-key>

With the keys, join starts the node, fetches the admission credential from the
swarm, opens the space and keeps serving it:

  spaces join <space-key> --control=<key> --data=<key> --seeds=127.0.0.1:50051`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func init() {
	rootCmd.AddCommand(joinCmd)
	addNetworkFlags(joinCmd)
	joinCmd.Flags().StringVar(&joinControl, "control", "", "Control feed key printed by the first step")
	joinCmd.Flags().StringVar(&joinData, "data", "", "Data feed key printed by the first step")
	joinCmd.Flags().DurationVar(&joinTimeout, "timeout", space.DefaultAdmissionTimeout, "How long to wait for a host")
}

func runJoin(cmd *cobra.Command, args []string) error {
	spaceKey, err := keys.ParsePublicKey(args[0])
	if err != nil {
		return err
	}
	if joinControl == "" && joinData == "" {
		return withOfflineNode(cmd, func(ctx context.Context, n *node.Node) error {
			control, data, err := n.Manager().NewFeedKeys()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ask a member of the space to run:\n\n  spaces space admit %s %s --control=%s --data=%s\n\nthen run:\n\n  spaces join %s --control=%s --data=%s\n",
				spaceKey, n.Identity(), control, data, spaceKey, control, data)
			return nil
		})
	}

	control, err := keys.ParsePublicKey(joinControl)
	if err != nil {
		return fmt.Errorf("--control: %w", err)
	}
	data, err := keys.ParsePublicKey(joinData)
	if err != nil {
		return fmt.Errorf("--data: %w", err)
	}

	logger.Init("", true)
	config, err := networkConfig(cmd)
	if err != nil {
		return err
	}
	n, err := node.New(config)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := n.Start(ctx); err != nil {
		return err
	}

	// a space joined on an earlier run is reopened from metadata by Start
	if _, err := n.Manager().Space(spaceKey); err == nil {
		logger.Infof("space %s already joined", spaceKey)
	} else {
		s, err := n.Manager().JoinSpace(ctx, space.JoinParams{
			SpaceKey:       spaceKey,
			ControlFeedKey: control,
			DataFeedKey:    data,
			Timeout:        joinTimeout,
		})
		if err != nil {
			_ = n.Stop()
			return fmt.Errorf("failed to join %s: %w", spaceKey.Truncate(), err)
		}
		logger.Infof("joined space %s", s.Key())
	}

	waitForSignal(ctx)
	logger.Info("Shutting down...")
	return n.Stop()
}
