package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var (
	listenFlag   string
	intervalFlag time.Duration
	mdnsFlag     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a CoAP endpoint with demo resources",
	Long: `Run a CoAP endpoint until interrupted.

Resources:
  /echo       echoes the request payload
  /counter    observable, incremented every publish interval

Prometheus metrics and a health check are served on the metrics address.

Examples:
  coap-endpoint serve
  coap-endpoint serve --listen :5683 --interval 1s --mdns`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "UDP listen address (env: COAP_LISTEN_ADDRESS)")
	serveCmd.Flags().DurationVar(&intervalFlag, "interval", 0, "Publish interval of /counter (env: COAP_PUBLISH_INTERVAL)")
	serveCmd.Flags().BoolVar(&mdnsFlag, "mdns", false, "Advertise _coap._udp over mDNS (env: COAP_MDNS_ENABLED)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if listenFlag != "" {
		cfg.ListenAddress = listenFlag
	}
	if intervalFlag > 0 {
		cfg.PublishInterval = intervalFlag
	}
	if mdnsFlag {
		cfg.MDNS.Enabled = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := newLogger("coap-endpoint")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	node, err := coap.NewNode(coap.NodeConfig{
		ListenAddress: cfg.ListenAddress,
		TokenLength:   cfg.TokenLength,
		EmptyAckDelay: cfg.EmptyAckDelay,
		Advertise:     cfg.MDNS.Enabled,
		Advertiser: discovery.AdvertiserConfig{
			InstanceName: cfg.MDNS.InstanceName,
		},
		ResourceTypes: cfg.MDNS.ResourceTypes,
		LoggerFactory: cfg.LoggerFactory(),
		Metrics:       metrics.New(metrics.DefaultNamespace, reg),
		OnStateChanged: func(s coap.NodeState) {
			log.Infof("State changed: %s", s)
		},
	})
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	count := &counter{}
	if err := node.HandleResource("/echo", coap.HandlerFunc(echo), coap.ResourceOptions{
		ResourceType: "echo",
		Title:        "Echo",
	}); err != nil {
		return err
	}
	if err := node.HandleResource("/counter", count, coap.ResourceOptions{
		ResourceType: "counter",
		Title:        "Counter",
		Observable:   true,
	}); err != nil {
		return err
	}

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	printEndpointInfo(cmd, node)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(cfg.PublishInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := node.Publish("/counter", count.next())
				if err != nil {
					log.Warnf("publish /counter: %v", err)
					continue
				}
				log.Debugf("published /counter to %d observers", n)
			}
		}
	})

	if cfg.MetricsAddress != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddress,
			Handler:           newHTTPHandler(reg, node),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Infof("metrics listening on %s", cfg.MetricsAddress)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down...")
		if err := node.Stop(); err != nil {
			return fmt.Errorf("stop node: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func printEndpointInfo(cmd *cobra.Command, node *coap.Node) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "========================================")
	fmt.Fprintln(out, "          CoAP Endpoint Ready")
	fmt.Fprintln(out, "========================================")
	fmt.Fprintf(out, "Listening:      %s\n", node.LocalAddr())
	if name := node.InstanceName(); name != "" {
		fmt.Fprintf(out, "mDNS instance:  %s\n", name)
	}
	if cfg.MetricsAddress != "" {
		fmt.Fprintf(out, "Metrics:        http://%s/metrics\n", cfg.MetricsAddress)
	}
	fmt.Fprintf(out, "Publishing:     /counter every %s\n", cfg.PublishInterval)
	fmt.Fprintln(out, "========================================")
}
