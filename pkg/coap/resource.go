package coap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
	gocoap "github.com/plgd-dev/go-coap/v3/message"
)

// WellKnownCore is the resource discovery path (RFC 6690 Section 4).
const WellKnownCore = "/.well-known/core"

// Request is an inbound request delivered to a resource handler.
type Request struct {
	*message.Message

	// Peer is the requesting endpoint.
	Peer transport.PeerAddress

	ctx context.Context
}

// Context is cancelled when the node stops.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Response is a handler's answer. The node fills in type, token and
// message ID.
type Response struct {
	Code          message.Code
	ContentFormat *uint16
	Payload       []byte
}

// Text builds a text/plain response.
func Text(code message.Code, s string) *Response {
	format := uint16(gocoap.TextPlain)
	return &Response{Code: code, ContentFormat: &format, Payload: []byte(s)}
}

// Handler serves requests for one resource.
//
// Handlers run on their own goroutine. A handler that takes longer than the
// empty-ACK delay makes the endpoint acknowledge the request first and send
// the response separately.
type Handler interface {
	ServeCoAP(req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req *Request) *Response

// ServeCoAP calls f(req).
func (f HandlerFunc) ServeCoAP(req *Request) *Response {
	return f(req)
}

// ResourceOptions describe a resource in /.well-known/core.
type ResourceOptions struct {
	// ResourceType is the rt= attribute.
	ResourceType string

	// Interface is the if= attribute.
	Interface string

	// Title is a human-readable description.
	Title string

	// Observable resources accept Observe registrations on GET.
	Observable bool
}

type resource struct {
	path    string
	handler Handler
	opts    ResourceOptions
}

// router maps Uri-Path strings to resources. Matching is exact.
type router struct {
	mu        sync.RWMutex
	resources map[string]*resource
}

func newRouter() *router {
	return &router{resources: make(map[string]*resource)}
}

func (r *router) add(path string, h Handler, opts ResourceOptions) error {
	if h == nil {
		return ErrNoHandler
	}
	if !strings.HasPrefix(path, "/") {
		return ErrInvalidPath
	}
	path = normalizePath(path)
	if path == "/" || path == WellKnownCore {
		return ErrInvalidPath
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[path]; exists {
		return fmt.Errorf("%w: %s", ErrPathInUse, path)
	}
	r.resources[path] = &resource{path: path, handler: h, opts: opts}
	return nil
}

func (r *router) remove(path string) bool {
	path = normalizePath(path)

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.resources[path]
	delete(r.resources, path)
	return ok
}

func (r *router) lookup(path string) *resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resources[path]
}

// sorted returns the resources ordered by path.
func (r *router) sorted() []*resource {
	r.mu.RLock()
	out := make([]*resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// resourceTypes returns the distinct rt= values, sorted.
func (r *router) resourceTypes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, res := range r.sorted() {
		rt := res.opts.ResourceType
		if rt != "" && !seen[rt] {
			seen[rt] = true
			out = append(out, rt)
		}
	}
	sort.Strings(out)
	return out
}

// linkFormat renders the CoRE Link Format listing (RFC 6690 Section 2).
func (r *router) linkFormat() string {
	var b strings.Builder
	for i, res := range r.sorted() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString("<" + res.path + ">")
		if res.opts.ResourceType != "" {
			fmt.Fprintf(&b, ";rt=%q", res.opts.ResourceType)
		}
		if res.opts.Interface != "" {
			fmt.Fprintf(&b, ";if=%q", res.opts.Interface)
		}
		if res.opts.Title != "" {
			fmt.Fprintf(&b, ";title=%q", res.opts.Title)
		}
		if res.opts.Observable {
			b.WriteString(";obs")
		}
	}
	return b.String()
}

// normalizePath maps "/a/b/" and "a//b" to the form message.Path produces.
func normalizePath(path string) string {
	m := &message.Message{}
	m.SetPath(path)
	return m.Path()
}
