package cmd

import (
	"strconv"
	"sync/atomic"

	"github.com/backkem/coap/pkg/coap"
	"github.com/backkem/coap/pkg/observe"
	gocoap "github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// echo answers with the request payload, or with the requester's address
// when the payload is empty.
func echo(req *coap.Request) *coap.Response {
	if len(req.Payload) == 0 {
		return coap.Text(codes.Content, req.Peer.String())
	}
	format := uint16(gocoap.TextPlain)
	if cf, ok := req.ContentFormat(); ok {
		format = uint16(cf)
	}
	return &coap.Response{
		Code:          codes.Content,
		ContentFormat: &format,
		Payload:       append([]byte(nil), req.Payload...),
	}
}

// counter is an observable resource that counts publish ticks.
type counter struct {
	value atomic.Uint64
}

func (c *counter) ServeCoAP(req *coap.Request) *coap.Response {
	if req.Code != codes.GET {
		return &coap.Response{Code: codes.MethodNotAllowed}
	}
	return coap.Text(codes.Content, strconv.FormatUint(c.value.Load(), 10))
}

// next advances the counter and returns the notification to publish.
func (c *counter) next() observe.Status {
	v := c.value.Add(1)
	format := uint16(gocoap.TextPlain)
	return observe.Status{
		Code:          codes.Content,
		ContentFormat: &format,
		Payload:       []byte(strconv.FormatUint(v, 10)),
	}
}
