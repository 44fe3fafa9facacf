package exchange

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	"github.com/pion/transport/v3/test"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// udpEndpoints runs a client (index 0) and a server (index 1) endpoint over
// a transport.UDPPair with the real scheduler. The returned func stops
// everything and must run before goroutine leak checks.
func udpEndpoints(t *testing.T, serve serveFunc) (client *Endpoint, serverPeer transport.PeerAddress, stop func()) {
	t.Helper()

	var eps [2]atomic.Pointer[Endpoint]
	handler := func(i int) transport.MessageHandler {
		return func(m *transport.ReceivedMessage) {
			if ep := eps[i].Load(); ep != nil {
				ep.HandleMessage(m)
			}
		}
	}

	pair, err := transport.NewUDPPair([2]transport.MessageHandler{handler(0), handler(1)}, testLoggerFactory())
	if err != nil {
		t.Fatalf("NewUDPPair() error = %v", err)
	}

	client, err = NewEndpoint(EndpointConfig{
		Sender:        pair.UDP(0),
		LoggerFactory: testLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("NewEndpoint(client) error = %v", err)
	}
	var srv atomic.Pointer[Endpoint]
	server, err := NewEndpoint(EndpointConfig{
		Sender: pair.UDP(1),
		RequestHandler: RequestHandlerFunc(func(req *message.Message, peer transport.PeerAddress) {
			serve(srv.Load(), req, peer)
		}),
		LoggerFactory: testLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("NewEndpoint(server) error = %v", err)
	}
	srv.Store(server)
	eps[0].Store(client)
	eps[1].Store(server)

	stop = func() {
		client.Close()
		server.Close()
		pair.Close()
	}
	return client, pair.PeerAddress(1), stop
}

func TestEndpointOverUDP(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	client, serverPeer, stop := udpEndpoints(t, echo)
	defer stop()
	h := newRecordingHandler()

	if err := client.SendRequest(get("/udp"), h, serverPeer); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for response")
	}

	snap := h.snapshot()
	if len(snap.responses) != 1 || string(snap.responses[0].Payload) != "/udp" {
		t.Errorf("responses = %v, want one /udp", snap.responses)
	}
	if client.PendingRequests() != 0 {
		t.Errorf("PendingRequests() = %d, want 0", client.PendingRequests())
	}
}

func TestEndpointPingOverUDP(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	client, serverPeer, stop := udpEndpoints(t, func(*Endpoint, *message.Message, transport.PeerAddress) {})
	defer stop()
	h := newRecordingHandler()

	if err := client.SendPing(h, serverPeer); err != nil {
		t.Fatalf("SendPing() error = %v", err)
	}
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pong")
	}
	if got := h.snapshot().resets; got != 1 {
		t.Errorf("resets = %d, want 1", got)
	}
}

func TestEndpointSeparateResponseOverUDP(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	client, serverPeer, stop := udpEndpoints(t, func(server *Endpoint, req *message.Message, peer transport.PeerAddress) {
		token := req.Token
		go func() {
			// Past the empty-ACK delay, so the response is separate.
			time.Sleep(DefaultEmptyAckDelay + 200*time.Millisecond)
			resp := &message.Message{Type: message.Confirmable, Code: codes.Content, Token: token, Payload: []byte("done")}
			server.WriteResponse(resp, peer)
		}()
	})
	defer stop()
	h := newRecordingHandler()

	client.SendRequest(get("/slow"), h, serverPeer)

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for separate response")
	}

	snap := h.snapshot()
	if snap.emptyAcks != 1 {
		t.Errorf("empty ACKs = %d, want 1", snap.emptyAcks)
	}
	if len(snap.responses) != 1 || snap.responses[0].Type != message.Confirmable {
		t.Errorf("responses = %v, want one CON", snap.responses)
	}
}
