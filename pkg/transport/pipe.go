package transport

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// NetworkCondition describes how a Pipe mistreats datagrams. It applies
// to both directions.
type NetworkCondition struct {
	// DropRate is the probability (0..1) that a datagram is lost.
	DropRate float64

	// DelayMin and DelayMax bound a uniformly distributed delay added to
	// every datagram. The writer blocks for the delay.
	DelayMin time.Duration
	DelayMax time.Duration

	// DuplicateRate is the probability (0..1) that a datagram arrives twice.
	DuplicateRate float64

	// ReorderRate is the probability (0..1) that a datagram is held back
	// for ReorderDelay while later datagrams overtake it.
	ReorderRate  float64
	ReorderDelay time.Duration
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess delivers queued datagrams from a background goroutine.
	// Without it, tests call Tick or Process. Default true.
	AutoProcess bool

	// ProcessInterval is the delivery period when AutoProcess is on.
	// Default 1ms.
	ProcessInterval time.Duration
}

// DefaultPipeConfig returns a config with auto-processing every 1ms.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{AutoProcess: true, ProcessInterval: time.Millisecond}
}

// Pipe is an in-memory datagram link between two endpoints, built on
// pion's test.Bridge. Endpoint 0 appears as 127.0.0.1:5683 and endpoint 1
// as 127.0.0.2:5683.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	ticker          sync.WaitGroup

	// held tracks datagrams delayed for reordering.
	held sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	connsOnce sync.Once
	conns     [2]*PipePacketConn
}

// NewPipe creates a pipe with DefaultPipeConfig.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a pipe.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		processInterval: config.ProcessInterval,
	}
	if p.processInterval <= 0 {
		p.processInterval = time.Millisecond
	}
	if config.AutoProcess {
		p.SetAutoProcess(true)
	}
	return p
}

func (p *Pipe) runTicker(stop <-chan struct{}) {
	defer p.ticker.Done()
	t := time.NewTicker(p.processInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			p.bridge.Tick()
		}
	}
}

// SetAutoProcess turns background delivery on or off. Turning it off
// waits for the delivery goroutine to exit.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	if p.closed || p.autoProcess == enabled {
		p.mu.Unlock()
		return
	}
	p.autoProcess = enabled
	if enabled {
		p.stopCh = make(chan struct{})
		p.ticker.Add(1)
		go p.runTicker(p.stopCh)
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.mu.Unlock()
	p.ticker.Wait()
}

// AutoProcess reports whether background delivery is on.
func (p *Pipe) AutoProcess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoProcess
}

// SetCondition replaces the network condition.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	p.condition = cond
	p.mu.Unlock()
}

// Condition returns the current network condition.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// DropNext loses the next n datagrams written by endpoint from.
func (p *Pipe) DropNext(from, n int) {
	p.bridge.DropNextNWrites(from, n)
}

// Filter drops every datagram written by endpoint from for which keep
// returns false. A nil keep removes the filter.
func (p *Pipe) Filter(from int, keep func(data []byte) bool) {
	p.bridge.Filter(from, keep)
}

// FilterMessages is Filter on decoded CoAP messages. Datagrams that do not
// decode are kept.
func (p *Pipe) FilterMessages(from int, keep func(m *message.Message) bool) {
	if keep == nil {
		p.bridge.Filter(from, nil)
		return
	}
	p.bridge.Filter(from, func(data []byte) bool {
		m, err := message.Decode(data)
		if err != nil {
			return true
		}
		return keep(m)
	})
}

// Pending returns the number of datagrams written by endpoint from and not
// yet delivered.
func (p *Pipe) Pending(from int) int {
	return p.bridge.Len(from)
}

// Tick hands at most one queued datagram per direction to a waiting
// reader and returns how many were handed over.
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process ticks until no waiting reader takes a datagram and returns how
// many were handed over.
func (p *Pipe) Process() int {
	total := 0
	for n := p.Tick(); n > 0; n = p.Tick() {
		total += n
	}
	return total
}

// Close stops background delivery, waits for held datagrams and closes
// both ends. Closing twice is a no-op.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		p.autoProcess = false
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.ticker.Wait()
	p.held.Wait()

	// Ends already closed through their PipePacketConn report an error here.
	p.bridge.GetConn0().Close()
	p.bridge.GetConn1().Close()
	return nil
}

// fate decides what happens to one datagram under cond.
func (p *Pipe) fate(cond NetworkCondition) (drop, dup, reorder bool, delay time.Duration) {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()

	drop = cond.DropRate > 0 && p.rng.Float64() < cond.DropRate
	dup = cond.DuplicateRate > 0 && p.rng.Float64() < cond.DuplicateRate
	reorder = cond.ReorderRate > 0 && cond.ReorderDelay > 0 && p.rng.Float64() < cond.ReorderRate
	if cond.DelayMax > 0 {
		delay = cond.DelayMin
		if span := cond.DelayMax - cond.DelayMin; span > 0 {
			delay += time.Duration(p.rng.Int63n(int64(span)))
		}
	}
	return drop, dup, reorder, delay
}

// Pipe endpoint addresses, on DefaultPort so peer keys look like real UDP
// peers.
var pipeAddrs = [2]*net.UDPAddr{
	{IP: net.IPv4(127, 0, 0, 1), Port: DefaultPort},
	{IP: net.IPv4(127, 0, 0, 2), Port: DefaultPort},
}

// PipePacketConn is one end of a Pipe as a net.PacketConn, so the UDP
// transport runs unchanged over it. Every write goes to the other end
// regardless of the address argument.
type PipePacketConn struct {
	conn    net.Conn
	localID int
	pipe    *Pipe
}

var _ net.PacketConn = (*PipePacketConn)(nil)

// PacketConns returns the two ends of the pipe. Repeated calls return the
// same pair.
func (p *Pipe) PacketConns() (*PipePacketConn, *PipePacketConn) {
	p.connsOnce.Do(func() {
		p.conns[0] = &PipePacketConn{conn: p.bridge.GetConn0(), localID: 0, pipe: p}
		p.conns[1] = &PipePacketConn{conn: p.bridge.GetConn1(), localID: 1, pipe: p}
	})
	return p.conns[0], p.conns[1]
}

// ReadFrom reads one datagram; addr is always the other end.
func (c *PipePacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.conn.Read(b)
	return n, pipeAddrs[1-c.localID], err
}

// WriteTo sends b to the other end under the pipe's network condition.
// Lost datagrams report success, as on a real network.
func (c *PipePacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	drop, dup, reorder, delay := c.pipe.fate(c.pipe.Condition())
	if drop {
		return len(b), nil
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if reorder {
		held := append([]byte(nil), b...)
		c.pipe.held.Add(1)
		time.AfterFunc(c.pipe.Condition().ReorderDelay, func() {
			defer c.pipe.held.Done()
			c.conn.Write(held)
		})
		return len(b), nil
	}
	if dup {
		if _, err := c.conn.Write(b); err != nil {
			return 0, err
		}
	}
	return c.conn.Write(b)
}

// Close closes this end.
func (c *PipePacketConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns this end's address.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return pipeAddrs[c.localID]
}

// PeerAddr returns the address of the other end, as seen by this end.
func (c *PipePacketConn) PeerAddr() PeerAddress {
	p, _ := PeerAddressFromNetAddr(pipeAddrs[1-c.localID])
	return p
}

func (c *PipePacketConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *PipePacketConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// UDPPair is two started UDP transports joined by a Pipe.
//
//	pair, _ := transport.NewUDPPair([2]transport.MessageHandler{h0, h1}, nil)
//	defer pair.Close()
//	pair.UDP(0).Send(data, pair.PeerAddress(1))
type UDPPair struct {
	pipe *Pipe
	udps [2]*UDP
}

// NewUDPPair creates and starts two UDP transports over a fresh pipe.
func NewUDPPair(handlers [2]MessageHandler, loggerFactory logging.LoggerFactory) (*UDPPair, error) {
	pair := &UDPPair{pipe: NewPipe()}
	c0, c1 := pair.pipe.PacketConns()

	for i, conn := range [2]net.PacketConn{c0, c1} {
		u, err := NewUDP(UDPConfig{
			Conn:           conn,
			MessageHandler: handlers[i],
			LoggerFactory:  loggerFactory,
		})
		if err != nil {
			pair.Close()
			return nil, err
		}
		pair.udps[i] = u
		if err := u.Start(); err != nil {
			pair.Close()
			return nil, err
		}
	}
	return pair, nil
}

// UDP returns transport 0 or 1, or nil for any other id.
func (p *UDPPair) UDP(id int) *UDP {
	if id != 0 && id != 1 {
		return nil
	}
	return p.udps[id]
}

// PeerAddress returns the address other endpoints use to reach transport id.
func (p *UDPPair) PeerAddress(id int) PeerAddress {
	if id != 0 && id != 1 {
		return PeerAddress{}
	}
	a, _ := PeerAddressFromNetAddr(pipeAddrs[id])
	return a
}

// Pipe returns the underlying pipe, to change network conditions.
func (p *UDPPair) Pipe() *Pipe {
	return p.pipe
}

// Close stops both transports and the pipe.
func (p *UDPPair) Close() error {
	for _, u := range p.udps {
		if u != nil {
			u.Stop()
		}
	}
	return p.pipe.Close()
}
