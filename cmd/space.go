package cmd

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adamgarcia4/goLearning/spaces/credentials"
	"github.com/adamgarcia4/goLearning/spaces/keys"
	"github.com/adamgarcia4/goLearning/spaces/logger"
	"github.com/adamgarcia4/goLearning/spaces/network"
	"github.com/adamgarcia4/goLearning/spaces/node"
	"github.com/adamgarcia4/goLearning/spaces/space"
)

var (
	admitControl string
	admitData    string
	admitRole    string
	admitName    string
)

var spaceCmd = &cobra.Command{
	Use:   "space",
	Short: "Manage the spaces of a stopped node",
	Long: `Operate on the spaces in a node's data dir without joining the network.
Credentials written here replicate the next time the node starts.`,
}

var spaceCreateCmd = &cobra.Command{
	Use:   "create <display-name>",
	Short: "Create a space owned by this node's identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineNode(cmd, func(ctx context.Context, n *node.Node) error {
			s, err := n.Manager().CreateSpace(ctx, args[0])
			if err != nil {
				return err
			}
			if err := s.WaitUntilReady(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.Key())
			return nil
		})
	},
}

var spaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List spaces and their members",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOfflineNode(cmd, func(ctx context.Context, n *node.Node) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SPACE\tOPEN\tMEMBERS\tFEEDS\tEPOCH")
			for _, s := range n.Manager().Spaces() {
				if s.IsOpen() {
					_ = s.WaitUntilReady(ctx)
				}
				sm := s.StateMachine()
				epoch := "-"
				if applied := s.DataPipeline().EpochState().Applied; applied != nil {
					if e, ok := applied.Assertion.(credentials.Epoch); ok {
						epoch = fmt.Sprint(e.Number)
					}
				}
				fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%s\n", s.Key(), s.IsOpen(), len(sm.Members()), len(sm.Feeds()), epoch)
			}
			return w.Flush()
		})
	},
}

var spaceEpochCmd = &cobra.Command{
	Use:   "epoch <space-key>",
	Short: "Snapshot the space database and issue a new epoch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spaceKey, err := keys.ParsePublicKey(args[0])
		if err != nil {
			return err
		}
		return withOfflineNode(cmd, func(ctx context.Context, n *node.Node) error {
			s, err := readySpace(ctx, n, spaceKey)
			if err != nil {
				return err
			}
			cred, err := s.CreateEpoch(ctx)
			if err != nil {
				return err
			}
			epoch := cred.Assertion.(credentials.Epoch)
			fmt.Fprintf(cmd.OutOrStdout(), "epoch %d at timeframe %v\n", epoch.Number, epoch.Timeframe)
			return nil
		})
	},
}

var spaceAdmitCmd = &cobra.Command{
	Use:   "admit <space-key> <identity-key>",
	Short: "Admit a member with its device and feed keys",
	Long: `Admit a member. The joining node prints the exact command with its feed keys:

  spaces join <space-key>`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		spaceKey, err := keys.ParsePublicKey(args[0])
		if err != nil {
			return err
		}
		identity, err := keys.ParsePublicKey(args[1])
		if err != nil {
			return err
		}
		control, err := keys.ParsePublicKey(admitControl)
		if err != nil {
			return fmt.Errorf("--control: %w", err)
		}
		data, err := keys.ParsePublicKey(admitData)
		if err != nil {
			return fmt.Errorf("--data: %w", err)
		}
		role, err := parseRole(admitRole)
		if err != nil {
			return err
		}
		return withOfflineNode(cmd, func(ctx context.Context, n *node.Node) error {
			s, err := readySpace(ctx, n, spaceKey)
			if err != nil {
				return err
			}
			creds, err := s.AdmitMember(ctx, space.AdmitParams{
				Identity:       identity,
				ControlFeedKey: control,
				DataFeedKey:    data,
				Role:           role,
				DisplayName:    admitName,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admitted %s as %s (%d credentials)\n", identity.Truncate(), role, len(creds))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(spaceCmd)
	spaceCmd.AddCommand(spaceCreateCmd, spaceListCmd, spaceEpochCmd, spaceAdmitCmd)

	spaceAdmitCmd.Flags().StringVar(&admitControl, "control", "", "Member control feed key")
	spaceAdmitCmd.Flags().StringVar(&admitData, "data", "", "Member data feed key")
	spaceAdmitCmd.Flags().StringVar(&admitRole, "role", "editor", "Member role: reader, editor, admin")
	spaceAdmitCmd.Flags().StringVar(&admitName, "name", "", "Member display name")
	_ = spaceAdmitCmd.MarkFlagRequired("control")
	_ = spaceAdmitCmd.MarkFlagRequired("data")
}

// withOfflineNode runs fn against the data dir on an in-process network
func withOfflineNode(cmd *cobra.Command, fn func(context.Context, *node.Node) error) error {
	logger.Init("", true)
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	net := network.NewMemoryNetwork()
	defer net.Close()

	n, err := node.New(config, node.WithNetwork(net))
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
	runErr := fn(ctx, n)
	if err := n.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func readySpace(ctx context.Context, n *node.Node, spaceKey keys.PublicKey) (*space.Space, error) {
	s, err := n.Manager().Space(spaceKey)
	if err != nil {
		return nil, err
	}
	if err := s.WaitUntilReady(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func parseRole(s string) (credentials.Role, error) {
	for _, role := range []credentials.Role{credentials.RoleReader, credentials.RoleEditor, credentials.RoleAdmin} {
		if strings.EqualFold(s, role.String()) {
			return role, nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}
