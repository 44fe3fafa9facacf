package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping <host[:port]>",
	Short: "Check that an endpoint is alive",
	Long: `Send a CoAP ping (an empty confirmable message) and print the
round-trip time.

Examples:
  coap-endpoint ping 127.0.0.1
  coap-endpoint ping coap://[::1]:5683`,
	Args: cobra.ExactArgs(1),
	RunE: runPing,
}

func runPing(cmd *cobra.Command, args []string) error {
	peer, err := parsePeer(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := getContext(cmd)
	defer cancel()

	node, err := startClient(ctx)
	if err != nil {
		return err
	}
	defer node.Stop()

	rtt, err := node.Ping(ctx, peer)
	if err != nil {
		return fmt.Errorf("ping %s: %w", peer, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", peer, rtt)
	return nil
}
