// Package coap assembles a running CoAP endpoint from the lower layers.
//
// A Node owns a UDP transport, an exchange.Endpoint, an observe.Registry and
// optionally a DNS-SD advertiser. Server code registers resources with Handle
// and HandleObservable and pushes state with Publish; client code uses Get,
// Do, Observe and Ping, which block until the exchange completes or the
// context ends.
//
// Basic usage:
//
//	node, err := coap.NewNode(coap.NodeConfig{ListenAddress: ":5683"})
//	node.Handle("/hello", coap.HandlerFunc(func(req *coap.Request) *coap.Response {
//		return coap.Text(codes.Content, "hello")
//	}))
//	err = node.Start(ctx)
//	defer node.Stop()
package coap
