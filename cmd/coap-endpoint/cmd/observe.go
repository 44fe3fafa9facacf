package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/backkem/coap/pkg/message"
	"github.com/spf13/cobra"
)

var countFlag int

var observeCmd = &cobra.Command{
	Use:   "observe <coap://host[:port]/path>",
	Short: "Observe a resource",
	Long: `Register as an observer and print every notification until
interrupted, or until --count notifications were received.

Examples:
  coap-endpoint observe coap://127.0.0.1/counter
  coap-endpoint observe coap://127.0.0.1/counter --count 5`,
	Args: cobra.ExactArgs(1),
	RunE: runObserve,
}

func init() {
	observeCmd.Flags().IntVarP(&countFlag, "count", "n", 0, "Stop after this many notifications (0 = unlimited)")
}

func runObserve(cmd *cobra.Command, args []string) error {
	peer, path, err := parseTarget(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := startClient(ctx)
	if err != nil {
		return err
	}
	defer node.Stop()

	out := cmd.OutOrStdout()
	received := 0
	err = node.Observe(ctx, peer, path, func(resp *message.Message) bool {
		received++
		printResponse(out, resp)
		return countFlag <= 0 || received < countFlag
	})
	if err != nil {
		return fmt.Errorf("observe %s: %w", args[0], err)
	}
	return nil
}
