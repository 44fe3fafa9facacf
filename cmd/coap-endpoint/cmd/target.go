package cmd

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/backkem/coap/pkg/transport"
)

var errInvalidTarget = errors.New("target must look like coap://host[:port]/path")

// parseTarget splits a coap:// URL into the peer and the resource path.
// The port defaults to 5683 and the path to "/".
func parseTarget(raw string) (transport.PeerAddress, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return transport.PeerAddress{}, "", fmt.Errorf("%w: %v", errInvalidTarget, err)
	}
	if u.Scheme != "coap" || u.Hostname() == "" {
		return transport.PeerAddress{}, "", errInvalidTarget
	}

	port := u.Port()
	if port == "" {
		port = strconv.Itoa(transport.DefaultPort)
	}
	peer, err := transport.PeerAddressFromString(net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return transport.PeerAddress{}, "", fmt.Errorf("%w: %v", errInvalidTarget, err)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	return peer, path, nil
}

// parsePeer accepts "host", "host:port" or a coap:// URL.
func parsePeer(raw string) (transport.PeerAddress, error) {
	if u, err := url.Parse(raw); err == nil && u.Scheme == "coap" {
		peer, _, err := parseTarget(raw)
		return peer, err
	}
	if _, _, err := net.SplitHostPort(raw); err != nil {
		raw = net.JoinHostPort(raw, strconv.Itoa(transport.DefaultPort))
	}
	return transport.PeerAddressFromString(raw)
}
