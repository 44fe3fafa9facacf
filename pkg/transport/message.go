// Package transport carries CoAP datagrams between endpoints.
//
// A UDP transport runs one read loop per socket and hands each datagram to
// its MessageHandler on that loop, so the exchange layer sees the datagrams
// of a socket one at a time and in arrival order. Pipe and PipePacketConn
// provide the same path over an in-memory network for tests.
package transport

// ReceivedMessage is one inbound datagram, still encoded.
type ReceivedMessage struct {
	Data     []byte
	PeerAddr PeerAddress
}

// MessageHandler receives every datagram read by a transport. It runs on
// the read loop: while it runs, no further datagram of that socket is read.
type MessageHandler func(msg *ReceivedMessage)
