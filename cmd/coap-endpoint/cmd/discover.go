package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/backkem/coap/pkg/discovery"
	"github.com/spf13/cobra"
)

var (
	rtFlag string
	rdFlag bool
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Browse for CoAP endpoints over mDNS",
	Long: `Browse DNS-SD for _coap._udp (or _core-rd._udp with --rd) and print
every instance found within --timeout.

Examples:
  coap-endpoint discover --timeout 3s
  coap-endpoint discover --rt temperature`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().StringVar(&rtFlag, "rt", "", "Only endpoints advertising this resource type")
	discoverCmd.Flags().BoolVar(&rdFlag, "rd", false, "Browse for resource directories")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	resolver, err := discovery.NewResolver(discovery.ResolverConfig{
		BrowseTimeout: timeoutFlag,
		LoggerFactory: cfg.LoggerFactory(),
	})
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}

	serviceType := discovery.ServiceTypeEndpoint
	if rdFlag {
		serviceType = discovery.ServiceTypeResourceDirectory
	}

	ctx, cancel := getContext(cmd)
	defer cancel()

	var results <-chan discovery.ResolvedService
	if rtFlag != "" {
		results, err = resolver.BrowseResourceType(ctx, serviceType, rtFlag)
	} else {
		results, err = resolver.Browse(ctx, serviceType)
	}
	if err != nil {
		return err
	}

	found := 0
	start := time.Now()
	for svc := range results {
		found++
		printService(cmd.OutOrStdout(), svc)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d %s found in %s\n", found, serviceType.ServiceString(), time.Since(start).Round(time.Millisecond))
	return nil
}

func printService(w io.Writer, svc discovery.ResolvedService) {
	addr := "-"
	if peer, err := svc.PeerAddress(); err == nil {
		addr = "coap://" + peer.String()
	}
	fmt.Fprintf(w, "%s\t%s", svc.InstanceName, addr)
	if svc.TXT != nil {
		fmt.Fprintf(w, "%s", svc.TXT.Path)
		if len(svc.TXT.ResourceTypes) > 0 {
			fmt.Fprintf(w, "\trt=%s", strings.Join(svc.TXT.ResourceTypes, ","))
		}
	}
	fmt.Fprintln(w)
}
