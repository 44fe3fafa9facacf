// coap-endpoint runs a CoAP endpoint or talks to one.
//
// Usage:
//
//	coap-endpoint serve                       # demo server with /echo and /counter
//	coap-endpoint get coap://[::1]/echo       # one request
//	coap-endpoint observe coap://host/counter # follow notifications
//	coap-endpoint ping host:5683              # CoAP ping
//	coap-endpoint discover                    # browse _coap._udp over mDNS
//
// Configuration comes from a .env file, an optional YAML file (--config)
// and COAP_ environment variables.
package main

import (
	"fmt"
	"os"

	"github.com/backkem/coap/cmd/coap-endpoint/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
