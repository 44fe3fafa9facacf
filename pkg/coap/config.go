package coap

import (
	"net"
	"time"

	"github.com/backkem/coap/pkg/discovery"
	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/metrics"
	"github.com/pion/logging"
)

// NodeConfig configures a Node.
type NodeConfig struct {
	// ListenAddress is the UDP address to bind. Default ":5683".
	// Ignored when Conn is set.
	ListenAddress string

	// Conn is an optional pre-bound PacketConn, used by tests.
	Conn net.PacketConn

	// TokenLength and EmptyAckDelay are passed to the exchange endpoint.
	// Zero values select the endpoint defaults; exchange.EmptyTokenLength
	// selects empty tokens.
	TokenLength   int
	EmptyAckDelay time.Duration

	// Scheduler and Random override the endpoint's time and randomness.
	Scheduler exchange.Scheduler
	Random    exchange.RandomSource

	// Advertise enables DNS-SD advertisement of _coap._udp on Start.
	Advertise bool

	// Advertiser configures the DNS-SD advertiser. Port defaults to the
	// bound UDP port.
	Advertiser discovery.AdvertiserConfig

	// ResourceTypes are advertised in addition to the rt= values of the
	// registered resources.
	ResourceTypes []string

	// LoggerFactory for creating loggers. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Metrics is optional instrumentation shared by all layers.
	Metrics *metrics.Metrics

	// OnStateChanged is called after every state transition.
	OnStateChanged func(NodeState)
}

// Validate checks the configuration.
func (c *NodeConfig) Validate() error {
	if c.TokenLength < exchange.EmptyTokenLength || c.TokenLength > message.MaxTokenLength {
		return exchange.ErrInvalidTokenLength
	}
	if c.EmptyAckDelay < 0 || c.EmptyAckDelay >= exchange.AckTimeout {
		return exchange.ErrInvalidEmptyAckDelay
	}
	if c.Advertiser.Port < 0 || c.Advertiser.Port > 65535 {
		return discovery.ErrInvalidPort
	}
	return nil
}

func (c *NodeConfig) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":5683"
	}
}
