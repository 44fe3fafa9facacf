package exchange

import (
	"github.com/backkem/coap/pkg/message"
	"github.com/backkem/coap/pkg/transport"
)

// inboundContext carries one decoded message through the pipeline.
type inboundContext struct {
	msg  *message.Message
	peer transport.PeerAddress
}

// Stage is one step of inbound processing. It returns Stop once the message
// has been fully handled.
type Stage func(ctx *inboundContext) Verdict

// pipeline runs stages in order until one returns Stop.
type pipeline []Stage

func (p pipeline) run(ctx *inboundContext) {
	for _, stage := range p {
		if stage(ctx) == Stop {
			return
		}
	}
}

// inboundPipeline builds the stages of an Endpoint:
//
//	empty messages (ping, empty ACK, RST)
//	-> piggy-backed ACK matching
//	-> request deduplication and delivery
//	-> response deduplication and dispatch
//	-> drop
func (e *Endpoint) inboundPipeline() pipeline {
	return pipeline{
		e.stageEmpty,
		e.stageAcknowledgement,
		e.stageRequest,
		e.stageResponse,
		e.stageDrop,
	}
}

// stageEmpty handles messages with code 0.00 (RFC 7252 Section 4.1).
func (e *Endpoint) stageEmpty(ctx *inboundContext) Verdict {
	msg := ctx.msg
	if !msg.IsEmpty() {
		if msg.Type == message.Reset {
			// RST must be empty; match it anyway.
			e.handleReset(ctx)
			return Stop
		}
		return Continue
	}

	switch msg.Type {
	case message.Confirmable:
		// CoAP ping: answer with RST.
		e.log.Tracef("ping %d from %s", msg.MessageID, ctx.peer)
		e.sendMessage(message.NewReset(msg.MessageID), ctx.peer)
	case message.Acknowledgement:
		ev, ok := e.engine.HandleAck(ctx.peer, msg.MessageID)
		if !ok {
			e.log.Debugf("unmatched empty ACK %d from %s", msg.MessageID, ctx.peer)
			return Stop
		}
		e.routeEvent(ev)
	case message.Reset:
		e.handleReset(ctx)
	default:
		e.log.Debugf("empty NON %d from %s dropped", msg.MessageID, ctx.peer)
	}
	return Stop
}

func (e *Endpoint) handleReset(ctx *inboundContext) {
	ev, ok := e.engine.HandleReset(ctx.peer, ctx.msg.MessageID)
	if !ok {
		e.log.Debugf("unmatched RST %d from %s", ctx.msg.MessageID, ctx.peer)
		return
	}
	e.metrics.ResetReceived()
	e.routeEvent(ev)
}

// stageAcknowledgement matches a piggy-backed response to its exchange. The
// response itself is routed by the response stage.
func (e *Endpoint) stageAcknowledgement(ctx *inboundContext) Verdict {
	if ctx.msg.Type != message.Acknowledgement {
		return Continue
	}
	if !ctx.msg.IsResponse() {
		e.log.Debugf("ACK %d from %s with code %v dropped", ctx.msg.MessageID, ctx.peer, ctx.msg.Code)
		return Stop
	}
	e.engine.HandleAck(ctx.peer, ctx.msg.MessageID)
	return Continue
}

// stageRequest deduplicates requests and hands new ones to the application.
func (e *Endpoint) stageRequest(ctx *inboundContext) Verdict {
	if !ctx.msg.IsRequest() {
		return Continue
	}
	if ctx.msg.Type != message.Confirmable && ctx.msg.Type != message.NonConfirmable {
		return Continue
	}
	if e.AcceptInboundRequest(ctx.msg, ctx.peer) == RequestDuplicate {
		return Stop
	}
	if e.requests == nil {
		e.log.Debugf("no request handler, %v %s from %s dropped", ctx.msg.Code, ctx.msg.Path(), ctx.peer)
		return Stop
	}
	safeCall(e.log, "HandleRequest", func() { e.requests.HandleRequest(ctx.msg, ctx.peer) })
	return Stop
}

// stageResponse routes responses to the dispatcher. Separate responses are
// ACKed on every copy but delivered once; strays and declined notifications
// sent as CON or NON are answered with RST.
func (e *Endpoint) stageResponse(ctx *inboundContext) Verdict {
	msg := ctx.msg
	if !msg.IsResponse() {
		return Continue
	}

	if !e.dedup.AcceptResponse(msg, ctx.peer) {
		if msg.IsConfirmable() {
			e.sendEmptyAck(msg.MessageID, ctx.peer)
		}
		return Stop
	}

	verdict := e.dispatcher.HandleResponse(msg, ctx.peer)

	if msg.Type == message.Acknowledgement {
		// Nothing to answer; a stray piggy-backed response is ignored.
		return Stop
	}

	switch verdict {
	case ResponseDelivered:
		if msg.IsConfirmable() {
			e.sendEmptyAck(msg.MessageID, ctx.peer)
		}
	case ResponseStray, ResponseStopObservation:
		// Later copies must be answered with RST too, not ACKed as duplicates.
		e.dedup.ForgetResponse(msg, ctx.peer)
		e.sendMessage(message.NewReset(msg.MessageID), ctx.peer)
	}
	return Stop
}

// stageDrop discards anything not handled above (reserved code classes).
func (e *Endpoint) stageDrop(ctx *inboundContext) Verdict {
	e.log.Debugf("%s %v from %s dropped", ctx.msg.Type, ctx.msg.Code, ctx.peer)
	return Stop
}
