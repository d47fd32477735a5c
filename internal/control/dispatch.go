package control

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Sender writes a single outbound Message frame. Implementations must be
// safe to call from the dispatcher goroutine and from any caller issuing an
// outbound request concurrently (spec §4.4: the manager copies a channel
// handle under lock, then writes without holding it).
type Sender interface {
	Send(Message) error
}

// Dispatch routes one inbound message to the correlator (responses) or to a
// registry handler (requests, events), recovering from any handler panic so
// a single bad handler tears down at most the connection it ran on, never
// the daemon (spec §7). Frames must be handed to Dispatch strictly in
// arrival order per connection; Dispatch itself performs no concurrency of
// its own beyond what a handler chooses to do.
func Dispatch(reg *Registry, corr *Correlator, msg Message, ctx Context, source string, sender Sender) {
	switch msg.Kind {
	case KindResponse:
		corr.Complete(msg)

	case KindRequest:
		dispatchRequest(reg, msg, ctx, source, sender)

	case KindEvent:
		dispatchEvent(reg, msg, ctx, source)

	default:
		log.WithFields(log.Fields{"kind": msg.Kind, "source": source}).Warn("control: message with unknown kind")
	}
}

func dispatchRequest(reg *Registry, msg Message, ctx Context, source string, sender Sender) {
	handler, ok := reg.RequestHandler(msg.Type)
	if !ok {
		respondError(msg.ID, sender, Errorf(KindUnknownSelector, "no handler for request type %q", msg.Type))
		return
	}

	payload, err := safeInvokeRequest(handler, ctx, source, msg.Payload)
	resp, buildErr := NewResponse(msg.ID, payload, err)
	if buildErr != nil {
		log.WithError(buildErr).Error("control: failed to build response")
		return
	}
	if sendErr := sender.Send(resp); sendErr != nil {
		log.WithError(sendErr).WithField("type", msg.Type).Warn("control: failed to send response")
	}
}

func dispatchEvent(reg *Registry, msg Message, ctx Context, source string) {
	handler, ok := reg.EventHandler(msg.Type)
	if !ok {
		log.WithFields(log.Fields{"type": msg.Type, "source": source}).Debug("control: no handler for event type")
		return
	}
	safeInvokeEvent(handler, ctx, source, msg.Payload)
}

func respondError(id string, sender Sender, err error) {
	if id == "" {
		log.WithError(err).Debug("control: error with no correlation id, logging only")
		return
	}
	resp, buildErr := NewResponse(id, nil, err)
	if buildErr != nil {
		log.WithError(buildErr).Error("control: failed to build error response")
		return
	}
	if sendErr := sender.Send(resp); sendErr != nil {
		log.WithError(sendErr).Warn("control: failed to send error response")
	}
}

func safeInvokeRequest(handler RequestHandler, ctx Context, source string, payload []byte) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, source, payload)
}

func safeInvokeEvent(handler EventHandler, ctx Context, source string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("control: event handler panicked")
		}
	}()
	handler(ctx, source, payload)
}
