package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/multisock/multisock/types"
)

// Push is one outbound message awaiting a status-correlated reply. A reply
// arrives either from the server, matched by reference, or synthetically: a
// timeout reply when the timer fires first, or an immediate ok reply for a
// leave on a dead transport.
//
// A Push is owned by its channel: its state is guarded by the channel's
// mutex, and at most one reply is delivered per send attempt. Resend starts a
// fresh attempt with a fresh reference.
type Push struct {
	channel *Channel
	event   string
	payload types.Payload
	timeout time.Duration

	ref      string
	refEvent string
	sent     bool
	received *types.Message
	timer    *time.Timer
	handlers map[string]func(types.Message)
	attempt  *pushAttempt

	// lastReply is the terminal reply of the most recently completed attempt.
	// Unlike received it survives a reset, so a waiter arriving between the
	// reset and the next send still observes the outcome; it is cleared when
	// a new attempt is transmitted.
	lastReply *types.Message
}

// pushAttempt is the completion latch of one send attempt. Trigger writes msg
// and closes done; once written, msg is never cleared, so a goroutine awaiting
// this attempt observes its reply even after the push is reset for the next
// attempt. A reset before any reply closes done with msg still nil, telling
// waiters to re-arm on the new attempt.
type pushAttempt struct {
	done chan struct{}
	msg  *types.Message
}

func newPush(c *Channel, event string, payload types.Payload, timeout time.Duration) *Push {
	if timeout <= 0 {
		timeout = c.transport.PushTimeout()
	}
	return &Push{
		channel:  c,
		event:    event,
		payload:  payload,
		timeout:  timeout,
		handlers: make(map[string]func(types.Message)),
		attempt:  &pushAttempt{done: make(chan struct{})},
	}
}

// Event returns the event kind this push transmits.
func (p *Push) Event() string {
	return p.event
}

// Ref returns the correlation reference of the current send attempt, or ""
// if the push was not sent yet.
func (p *Push) Ref() string {
	p.channel.mu.Lock()
	defer p.channel.mu.Unlock()
	return p.ref
}

// OnReply registers a callback for a specific reply status. Callbacks are
// independent per status; re-registering for the same status replaces the
// previous callback. If a reply with this status was already received, the
// callback is invoked immediately.
func (p *Push) OnReply(status string, fn func(types.Message)) *Push {
	c := p.channel
	c.mu.Lock()
	p.handlers[status] = fn
	var immediate *types.Message
	if p.received != nil && p.received.Status() == status {
		immediate = p.received
	}
	c.mu.Unlock()
	if immediate != nil {
		fn(*immediate)
	}
	return p
}

// Send allocates a correlation reference if absent, transmits the push
// through the channel's transport and arms the timeout timer.
func (p *Push) Send() {
	p.channel.mu.Lock()
	p.sendLocked()
	p.channel.mu.Unlock()
}

// Resend cancels any pending timer, clears the previous attempt and sends
// again with a new timeout. Used to restart a join attempt.
func (p *Push) Resend(timeout time.Duration) {
	p.channel.mu.Lock()
	if timeout > 0 {
		p.timeout = timeout
	}
	p.resetLocked()
	p.sendLocked()
	p.channel.mu.Unlock()
}

// Trigger delivers a reply to this push: it cancels the timer, marks the
// push received and invokes the callback bound to the reply status, if any.
// Replies after the first one for the same attempt are dropped.
func (p *Push) Trigger(msg types.Message) {
	c := p.channel
	c.mu.Lock()
	if p.received != nil {
		c.mu.Unlock()
		return
	}
	if c.closed && p.sent {
		// A transmitted push abandoned by close completes no callback.
		c.mu.Unlock()
		return
	}
	p.cancelTimeoutLocked()
	if p.refEvent != "" {
		delete(c.waiters, p.refEvent)
	}
	p.received = &msg
	p.lastReply = &msg
	a := p.attempt
	a.msg = &msg
	fn := p.handlers[msg.Status()]
	if msg.Status() == types.StatusTimeout {
		c.metrics.PushTimeouts.Add(1)
	}
	c.mu.Unlock()

	close(a.done)
	if fn != nil {
		fn(msg)
	}
}

// CancelTimeout cancels the pending timer without invoking any callback.
func (p *Push) CancelTimeout() {
	p.channel.mu.Lock()
	p.cancelTimeoutLocked()
	p.channel.mu.Unlock()
}

// Reset cancels the pending timer and clears the current attempt without
// invoking any callback. Used when abandoning a push before a fresh attempt
// or on channel close.
func (p *Push) Reset() {
	p.channel.mu.Lock()
	p.resetLocked()
	p.channel.mu.Unlock()
}

// HasReceived reports whether a reply with the given status was received for
// the current attempt.
func (p *Push) HasReceived(status string) bool {
	p.channel.mu.Lock()
	defer p.channel.mu.Unlock()
	return p.received != nil && p.received.Status() == status
}

// Wait blocks until the push receives a reply or ctx is done. An ok reply is
// returned as is; an error reply is returned together with a
// types.ChannelError and a timeout reply together with ErrPushTimeout.
func (p *Push) Wait(ctx context.Context) (types.Message, error) {
	c := p.channel
	c.mu.Lock()
	reply := p.lastReply
	a := p.attempt
	c.mu.Unlock()

	for reply == nil {
		select {
		case <-a.done:
		case <-ctx.Done():
			return types.Message{}, ctx.Err()
		}
		c.mu.Lock()
		switch {
		case a.msg != nil:
			reply = a.msg
		case p.lastReply != nil:
			reply = p.lastReply
		default:
			// The attempt was reset before completing; follow the new one.
			a = p.attempt
		}
		c.mu.Unlock()
	}

	msg := *reply
	switch msg.Status() {
	case types.StatusOK:
		return msg, nil
	case types.StatusTimeout:
		return msg, ErrPushTimeout{Topic: c.topic, Event: p.event}
	default:
		return msg, types.ChannelError{
			Topic:  c.topic,
			Reason: fmt.Sprintf("push %s: %s reply", p.event, msg.Status()),
		}
	}
}

// The *Locked methods below require the channel mutex to be held.

func (p *Push) sendLocked() {
	c := p.channel
	if p.received != nil && p.received.Status() == types.StatusTimeout {
		// A timed out attempt must be reset before it can be resent.
		return
	}
	if p.ref == "" {
		p.ref = c.transport.MakeRef()
		p.refEvent = types.ReplyEvent(p.ref)
	}
	p.lastReply = nil
	c.waiters[p.refEvent] = waiterEntry{
		deliver: p.Trigger,
		fail:    func(error) {}, // abandoned replies surface as a timeout
		cancel:  p.cancelTimeoutLocked,
	}
	p.startTimeoutLocked()
	p.sent = true
	msg := types.Message{
		Topic:   c.topic,
		Event:   p.event,
		Payload: p.payload,
		Ref:     p.ref,
		JoinRef: c.joinRefLocked(),
	}
	if err := c.transport.Send(msg); err != nil {
		c.logger.Error("failed to send push", "event", p.event, "ref", p.ref, "err", err)
	}
	c.metrics.Pushes.Add(1)
}

func (p *Push) startTimeoutLocked() {
	if p.timer != nil {
		p.timer.Stop()
	}
	topic := p.channel.topic
	p.timer = time.AfterFunc(p.timeout, func() {
		p.Trigger(types.ReplyMessage(topic, types.StatusTimeout, nil))
	})
}

func (p *Push) cancelTimeoutLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Push) resetLocked() {
	p.cancelTimeoutLocked()
	if p.refEvent != "" {
		delete(p.channel.waiters, p.refEvent)
	}
	if p.attempt.msg == nil {
		// Release waiters blocked on an attempt that never completed;
		// they re-arm on the new attempt's latch.
		close(p.attempt.done)
	}
	p.ref = ""
	p.refEvent = ""
	p.received = nil
	p.sent = false
	p.attempt = &pushAttempt{done: make(chan struct{})}
}
