package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
)

// DefaultPort is the default CoAP port (RFC 7252 Section 6.1).
const DefaultPort = 5683

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-bound PacketConn. When set, Network and
	// ListenAddr are ignored.
	Conn net.PacketConn

	// Network is "udp" (default), "udp4" or "udp6".
	Network string

	// ListenAddr is the address to bind, e.g. ":5683". Default ":0".
	ListenAddr string

	// MaxMessageSize bounds both directions. Larger outbound messages are
	// rejected and larger inbound datagrams are dropped.
	// Default message.MaxUDPMessageSize (RFC 7252 Section 4.6).
	MaxMessageSize int

	// MessageHandler is called for each received datagram. Required.
	MessageHandler MessageHandler

	// LoggerFactory for creating loggers. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// UDPStats counts datagrams handled by a UDP transport.
type UDPStats struct {
	Received uint64
	Sent     uint64
	Dropped  uint64
}

// UDP sends and receives CoAP datagrams over a single PacketConn.
type UDP struct {
	conn    net.PacketConn
	handler MessageHandler
	maxSize int
	log     logging.LeveledLogger

	mu      sync.RWMutex
	started bool
	closed  bool
	done    chan struct{}
	loop    sync.WaitGroup

	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

// NewUDP creates a UDP transport, binding a socket unless config.Conn is set.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.MessageHandler == nil {
		return nil, ErrNoHandler
	}

	u := &UDP{
		conn:    config.Conn,
		handler: config.MessageHandler,
		maxSize: config.MaxMessageSize,
		done:    make(chan struct{}),
	}
	if u.maxSize <= 0 {
		u.maxSize = message.MaxUDPMessageSize
	}
	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("coap-transport")
	}

	if u.conn == nil {
		network := config.Network
		switch network {
		case "":
			network = "udp"
		case "udp", "udp4", "udp6":
		default:
			return nil, ErrInvalidNetwork
		}
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		conn, err := net.ListenPacket(network, addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	return u, nil
}

// Start launches the read loop.
func (u *UDP) Start() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrClosed
	}
	if u.started {
		return ErrAlreadyStarted
	}
	u.started = true

	if u.log != nil {
		u.log.Infof("listening on %s", u.conn.LocalAddr())
	}
	u.loop.Add(1)
	go u.readLoop()
	return nil
}

// Stop closes the socket and waits for the read loop to return. A stopped
// transport cannot be restarted.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	close(u.done)
	u.mu.Unlock()

	// The deadline unblocks ReadFrom on conns whose Close does not.
	u.conn.SetReadDeadline(time.Now())
	err := u.conn.Close()
	u.loop.Wait()

	if u.log != nil {
		st := u.Stats()
		u.log.Infof("closed %s (received %d, sent %d, dropped %d)",
			u.conn.LocalAddr(), st.Received, st.Sent, st.Dropped)
	}
	return err
}

// Send writes one encoded message to peer.
func (u *UDP) Send(data []byte, peer PeerAddress) error {
	u.mu.RLock()
	closed := u.closed
	u.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !peer.IsValid() {
		return ErrInvalidAddress
	}
	if len(data) > u.maxSize {
		return ErrMessageTooLarge
	}

	if _, err := u.conn.WriteTo(data, peer.UDPAddr()); err != nil {
		if u.log != nil {
			u.log.Debugf("write to %s: %v", peer, err)
		}
		return err
	}
	u.sent.Add(1)
	if u.log != nil {
		u.log.Tracef("-> %s %d bytes", peer, len(data))
	}
	return nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Stats returns the datagram counters.
func (u *UDP) Stats() UDPStats {
	return UDPStats{
		Received: u.received.Load(),
		Sent:     u.sent.Load(),
		Dropped:  u.dropped.Load(),
	}
}

func (u *UDP) stopping() bool {
	select {
	case <-u.done:
		return true
	default:
		return false
	}
}

func (u *UDP) readLoop() {
	defer u.loop.Done()

	// One spare byte tells an oversized datagram from one of exactly maxSize.
	buf := make([]byte, u.maxSize+1)

	for {
		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			if u.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			if u.log != nil {
				u.log.Warnf("read: %v", err)
			}
			continue
		}
		if n == 0 {
			continue
		}
		if n > u.maxSize {
			u.dropped.Add(1)
			if u.log != nil {
				u.log.Debugf("dropping oversized datagram from %v", addr)
			}
			continue
		}

		peer, err := PeerAddressFromNetAddr(addr)
		if err != nil {
			u.dropped.Add(1)
			if u.log != nil {
				u.log.Debugf("dropping datagram: %v", err)
			}
			continue
		}

		u.received.Add(1)
		if u.log != nil {
			u.log.Tracef("<- %s %d bytes", peer, n)
		}
		u.handler(&ReceivedMessage{
			Data:     append([]byte(nil), buf[:n]...),
			PeerAddr: peer,
		})
	}
}
