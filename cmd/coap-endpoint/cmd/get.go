package cmd

import (
	"fmt"
	"io"

	"github.com/backkem/coap/pkg/message"
	"github.com/spf13/cobra"
)

var nonFlag bool

var getCmd = &cobra.Command{
	Use:   "get <coap://host[:port]/path>",
	Short: "Send a GET request",
	Long: `Send a GET request and print the response.

Examples:
  coap-endpoint get coap://127.0.0.1/echo
  coap-endpoint get coap://[::1]:5683/.well-known/core --non`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().BoolVar(&nonFlag, "non", false, "Send a non-confirmable request")
}

func runGet(cmd *cobra.Command, args []string) error {
	peer, path, err := parseTarget(args[0])
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

	resp, err := node.Get(ctx, peer, path, !nonFlag)
	if err != nil {
		return fmt.Errorf("GET %s: %w", args[0], err)
	}
	printResponse(cmd.OutOrStdout(), resp)
	return nil
}

// printResponse writes the code, the Observe value if any, and the payload.
func printResponse(w io.Writer, resp *message.Message) {
	header := resp.Code.String()
	if seq, ok := resp.Observe(); ok {
		header += fmt.Sprintf(" (observe %d)", seq)
	}
	if cf, ok := resp.ContentFormat(); ok {
		header += " " + cf.String()
	}
	fmt.Fprintln(w, header)
	if len(resp.Payload) > 0 {
		fmt.Fprintln(w, string(resp.Payload))
	}
}
