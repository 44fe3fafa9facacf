package coap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/backkem/coap/pkg/exchange"
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/observe"
	"github.com/backkem/coap/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// result is the outcome of one exchange.
type result struct {
	resp *message.Message
	err  error
}

// call collects the first outcome of a request. Later outcomes are dropped.
type call struct {
	done chan result
	once sync.Once
}

func newCall() *call {
	return &call{done: make(chan result, 1)}
}

func (c *call) finish(r result) {
	c.once.Do(func() { c.done <- r })
}

func (c *call) HandleResponse(resp *message.Message, peer transport.PeerAddress) {
	c.finish(result{resp: resp})
}

func (c *call) HandleReset() {
	c.finish(result{err: ErrReset})
}

func (c *call) HandleTransmissionTimeout() {
	c.finish(result{err: ErrTransmissionTimeout})
}

// running returns the endpoint and the node context, or ErrNotStarted.
func (n *Node) running() (*exchange.Endpoint, context.Context, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ep := n.endpoint.Load()
	if n.state != NodeStateRunning || ep == nil {
		return nil, nil, ErrNotStarted
	}
	return ep, n.ctx, nil
}

// wait blocks until the call completes, ctx ends or the node stops.
func wait(ctx, nodeCtx context.Context, c *call) (*message.Message, error) {
	select {
	case r := <-c.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-nodeCtx.Done():
		return nil, ErrNotStarted
	}
}

// Do sends req to peer and waits for the response.
//
// Cancelling ctx abandons the wait; the exchange itself runs on until it
// completes or its message ID retires.
func (n *Node) Do(ctx context.Context, req *message.Message, peer transport.PeerAddress) (*message.Message, error) {
	ep, nodeCtx, err := n.running()
	if err != nil {
		return nil, err
	}

	c := newCall()
	if err := ep.SendRequest(req, c, peer); err != nil {
		return nil, err
	}
	return wait(ctx, nodeCtx, c)
}

// Get fetches path from peer. confirmable selects CON over NON.
func (n *Node) Get(ctx context.Context, peer transport.PeerAddress, path string, confirmable bool) (*message.Message, error) {
	typ := message.NonConfirmable
	if confirmable {
		typ = message.Confirmable
	}
	return n.Do(ctx, message.NewRequest(typ, codes.GET, path), peer)
}

// Ping checks that peer is alive (RFC 7252 Section 4.3) and returns the
// round-trip time. A peer answering with an empty ACK instead of RST is
// also alive.
func (n *Node) Ping(ctx context.Context, peer transport.PeerAddress) (time.Duration, error) {
	ep, nodeCtx, err := n.running()
	if err != nil {
		return 0, err
	}

	start := time.Now()
	p := &pingCall{call: newCall()}
	if err := ep.SendPing(p, peer); err != nil {
		return 0, err
	}
	if _, err := wait(ctx, nodeCtx, p.call); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// pingCall treats RST and empty ACK as a pong.
type pingCall struct {
	*call
}

func (p *pingCall) HandleReset() {
	p.finish(result{})
}

func (p *pingCall) HandleEmptyAck() {
	p.finish(result{})
}

// NotificationFunc receives the notifications of an observation. Returning
// false ends the observation. It runs on the node's receive path and
// should not block.
type NotificationFunc func(resp *message.Message) bool

// Observe registers interest in path on peer (RFC 7641) and calls fn for
// the first response and every fresh notification after it. It blocks
// until fn returns false, ctx ends, the peer ends the observation or the
// node stops. A nil error means fn or ctx ended it.
//
// Ending the observation releases the token locally; the next notification
// is answered with RST, which removes the observer on the server.
func (n *Node) Observe(ctx context.Context, peer transport.PeerAddress, path string, fn NotificationFunc) error {
	ep, nodeCtx, err := n.running()
	if err != nil {
		return err
	}

	req := message.NewRequest(message.Confirmable, codes.GET, path)
	req.SetObserve(observe.Register)

	o := &observation{call: newCall(), path: path, fn: fn, keep: true}
	if err := ep.SendRequest(req, o, peer); err != nil {
		return err
	}

	_, err = wait(ctx, nodeCtx, o.call)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = nil
	}
	if token := o.currentToken(); token != nil {
		ep.StopObservation(peer, token)
	}
	return err
}

// observation adapts a NotificationFunc to the dispatcher's observation
// capabilities.
type observation struct {
	*call
	path string
	fn   NotificationFunc

	mu     sync.Mutex
	token  message.Token
	filter observe.FreshnessFilter
	keep   bool
}

func (o *observation) currentToken() message.Token {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.token
}

func (o *observation) HandleResponse(resp *message.Message, peer transport.PeerAddress) {
	o.mu.Lock()
	o.token = append(message.Token(nil), resp.Token...)
	seq, isNotification := resp.Observe()
	fresh := !isNotification || o.filter.Accept(seq, time.Now())
	o.mu.Unlock()

	if !fresh {
		return
	}

	keep := o.fn(resp)

	switch {
	case resp.IsError():
		o.finish(result{err: fmt.Errorf("coap: observe %s: %v", o.path, resp.Code)})
	case !resp.IsUpdateNotification():
		o.finish(result{err: ErrNotObservable})
	case !keep:
		o.finish(result{})
	}

	o.mu.Lock()
	o.keep = keep
	o.mu.Unlock()
}

func (o *observation) ContinueObservation() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.keep
}
