package control

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Correlator tracks requests awaiting a response on one connection. It
// implements the core invariant: every pending request has exactly one
// producer (the waiter) and at most one completer (the first matching
// response). A later-arriving response for an ID no longer pending is
// logged and dropped (spec §9: intentional, not accidental).
type result struct {
	msg Message
	err error
}

type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan result
}

// NewCorrelator returns an empty correlator for one connection.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]chan result)}
}

// NewWaiter registers a waiter for id before the caller sends the
// corresponding request frame, so a response racing the send can never be
// missed.
func (c *Correlator) NewWaiter(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = make(chan result, 1)
}

// Wait blocks until a response for id arrives (or has already arrived) or
// ctx is done. On return the waiter is removed, so a later response for the
// same ID is dropped silently by Complete.
func (c *Correlator) Wait(ctx context.Context, id string) (Message, error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return Message{}, Errorf(KindFatal, "no waiter registered for id %s", id)
	}
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return Message{}, ErrTimeout
	}
}

// Complete delivers msg to the waiter for msg.ID, if any is still pending.
// It reports whether a waiter was found so callers can log unmatched
// responses without surfacing them anywhere else.
func (c *Correlator) Complete(msg Message) bool {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		select {
		case ch <- result{msg: msg}:
		default:
			ok = false // already completed or failed; Wait has not collected it yet
		}
	}
	c.mu.Unlock()

	if !ok {
		log.WithField("id", msg.ID).Debug("control: response for unknown or expired correlation id dropped")
		return false
	}
	return true
}

// CloseAll fails every currently pending waiter with ErrTransportClosed,
// used when the underlying connection dies (spec §4.2, §4.4).
func (c *Correlator) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ch := range c.pending {
		log.WithField("id", id).Debug("control: failing pending waiter, transport closed")
		select {
		case ch <- result{err: ErrTransportClosed}:
		default:
		}
	}
}
