// Package channel implements the per-topic join/leave/rejoin state machine of
// a multiplexed pub/sub connection. Many channels share one transport; each
// has its own lifecycle, its own request/reply correlation and its own
// automatic recovery when the connection or a join attempt fails.
package channel

import (
	"time"

	"github.com/multisock/multisock/libs/async"
	"github.com/multisock/multisock/libs/log"
	cmtsync "github.com/multisock/multisock/libs/sync"
	"github.com/multisock/multisock/types"
)

// Capacity of the event stream buffer for each channel.
const defaultEventBufferCap = 64

// Reply is the completion of a one-shot waiter: either the next inbound
// message of the awaited kind, or the error the channel failed with first.
type Reply struct {
	Message types.Message
	Err     error
}

type waiterEntry struct {
	deliver func(types.Message)
	fail    func(error)
	// cancel stops the waiter's timeout timer; called with the channel mutex
	// held when the channel closes.
	cancel func()
}

type handlerEntry struct {
	ref int
	fn  func(types.Message)
}

// Channel is a single topic multiplexed over a shared transport.
//
// All state is guarded by one mutex; user callbacks (event handlers, push
// reply callbacks) are invoked off-lock, and event stream delivery is
// serialized through a per-channel runner so that nothing for a given channel
// runs interleaved.
type Channel struct {
	mu cmtsync.Mutex

	topic     string
	params    types.Payload
	transport Transport
	timeout   time.Duration

	state       State
	closed      bool
	joinedOnce  bool
	joinPush    *Push
	rejoinTimer *time.Timer
	pushBuffer  []*Push
	waiters     map[string]waiterEntry

	handlers    map[string][]handlerEntry
	anyHandlers []handlerEntry
	nextHandler int
	cancels     []func()

	runner  *async.Runner
	logger  log.Logger
	metrics *Metrics
}

// Option configures a Channel at construction.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(l log.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithMetrics sets the channel metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// New creates a channel for the given topic on the given transport and binds
// its transport subscriptions. Channels are normally constructed by the
// transport layer (socket.Channel); use New directly with custom transports.
func New(topic string, params types.Payload, transport Transport, opts ...Option) *Channel {
	c := &Channel{
		topic:     topic,
		params:    params,
		transport: transport,
		timeout:   transport.PushTimeout(),
		state:     Closed,
		waiters:   make(map[string]waiterEntry),
		handlers:  make(map[string][]handlerEntry),
		logger:    log.NewNopLogger(),
		metrics:   NopMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.runner = async.NewRunner(defaultEventBufferCap, func(r any, stack []byte) {
		c.logger.Error("channel callback panicked", "err", r, "stack", string(stack))
	})
	c.cancels = []func(){
		transport.OnMessage(topic, c.onInbound),
		transport.OnConnError(c.onTransportError),
		transport.OnOpen(c.onTransportOpen),
	}
	return c
}

// SetLogger sets the channel logger.
func (c *Channel) SetLogger(l log.Logger) {
	c.mu.Lock()
	c.logger = l
	c.mu.Unlock()
}

// Topic returns the channel topic.
func (c *Channel) Topic() string { return c.topic }

// Params returns the parameters sent with the join push.
func (c *Channel) Params() types.Payload { return c.params }

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Timeout returns the channel timeout used for joins, rejoin scheduling and
// as the default push timeout.
func (c *Channel) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// SetTimeout changes the channel timeout.
func (c *Channel) SetTimeout(d time.Duration) {
	c.mu.Lock()
	if d > 0 {
		c.timeout = d
	}
	c.mu.Unlock()
}

// JoinRef returns the reference of the current join attempt, or "" before the
// first attempt. It defines the active join epoch: inbound lifecycle messages
// carrying a different epoch are discarded.
func (c *Channel) JoinRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinRefLocked()
}

// IsJoined reports whether the channel is currently joined.
func (c *Channel) IsJoined() bool { return c.State() == Joined }

// IsClosed reports whether the channel was closed.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Join sends the join push for this channel and returns it for the caller to
// await. It is callable once per channel lifetime; subsequent calls return
// ErrAlreadyJoined with no state side effect. The optional timeout becomes
// the channel timeout.
func (c *Channel) Join(timeout ...time.Duration) (*Push, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed{Topic: c.topic}
	}
	if c.joinedOnce {
		c.mu.Unlock()
		return nil, ErrAlreadyJoined{Topic: c.topic}
	}
	c.joinedOnce = true
	if len(timeout) > 0 && timeout[0] > 0 {
		c.timeout = timeout[0]
	}
	c.joinPush = newPush(c, types.EventJoin, c.params, c.timeout)
	c.rejoinLocked()
	p := c.joinPush
	c.mu.Unlock()
	return p, nil
}

// PushEvent sends an event to the server. If the channel is joined and the
// transport connected the push is transmitted immediately; otherwise it is
// buffered and flushed, in order, as soon as the channel joins. Join must
// have been called first.
func (c *Channel) PushEvent(event string, payload types.Payload, timeout ...time.Duration) (*Push, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed{Topic: c.topic}
	}
	if !c.joinedOnce {
		c.mu.Unlock()
		return nil, ErrNeverJoined{Topic: c.topic}
	}
	d := c.timeout
	if len(timeout) > 0 && timeout[0] > 0 {
		d = timeout[0]
	}
	p := newPush(c, event, payload, d)
	if c.canPushLocked() {
		p.sendLocked()
	} else {
		c.pushBuffer = append(c.pushBuffer, p)
		c.metrics.BufferedPushes.Set(float64(len(c.pushBuffer)))
	}
	c.mu.Unlock()
	return p, nil
}

// Leave leaves the channel: the server stops sending events for the topic
// and the channel shuts down once the leave is acknowledged or times out. If
// the transport is disconnected or the channel was never joined, the leave
// resolves ok immediately without transmitting.
func (c *Channel) Leave(timeout ...time.Duration) *Push {
	c.mu.Lock()
	d := c.timeout
	if len(timeout) > 0 && timeout[0] > 0 {
		d = timeout[0]
	}
	p := newPush(c, types.EventLeave, nil, d)
	if c.closed {
		c.mu.Unlock()
		p.Trigger(types.ReplyMessage(c.topic, types.StatusOK, nil))
		return p
	}
	c.cancelRejoinTimerLocked()
	if c.joinPush != nil {
		c.joinPush.cancelTimeoutLocked()
	}
	c.setStateLocked(Leaving)
	onClose := func(types.Message) {
		c.logger.Debug("leave acknowledged")
		c.Close()
	}
	p.handlers[types.StatusOK] = onClose
	p.handlers[types.StatusTimeout] = onClose
	canSend := c.joinedOnce && c.transport.IsConnected()
	if canSend {
		p.sendLocked()
		c.mu.Unlock()
		return p
	}
	c.mu.Unlock()
	p.Trigger(types.ReplyMessage(c.topic, types.StatusOK, nil))
	return p
}

// Close shuts the channel down: every live timer is cancelled, transport
// subscriptions are torn down, the event stream is closed and the transport
// deregisters the channel. Close is idempotent. A closed channel cannot
// rejoin; create a new instance instead.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelRejoinTimerLocked()
	if c.joinPush != nil {
		c.joinPush.cancelTimeoutLocked()
	}
	for _, p := range c.pushBuffer {
		p.cancelTimeoutLocked()
	}
	c.pushBuffer = nil
	c.metrics.BufferedPushes.Set(0)
	for _, w := range c.waiters {
		if w.cancel != nil {
			w.cancel()
		}
	}
	c.waiters = make(map[string]waiterEntry)
	cancels := c.cancels
	c.cancels = nil
	c.setStateLocked(Closed)
	c.mu.Unlock()

	for _, off := range cancels {
		off()
	}
	c.runner.Stop()
	c.transport.Remove(c)
	c.logger.Debug("channel closed")
}

// Trigger publishes a message on the channel's event stream. It is a no-op
// once the channel is closed.
func (c *Channel) Trigger(msg types.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	fns := c.handlersForLocked(msg.Event)
	c.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	c.runner.Enqueue(func() {
		for _, fn := range fns {
			fn(msg)
		}
	})
}

// TriggerError surfaces an error on the channel: it publishes a generic
// error message on the event stream, fails every pending waiter, moves the
// channel to Errored and, while the transport stays connected, schedules a
// rejoin. It is idempotent: a channel that is already errored, leaving or
// closed is left untouched.
func (c *Channel) TriggerError(err error) {
	c.mu.Lock()
	// A never-joined channel sits in Closed without the closed flag set; it
	// has no join attempt to fail and must stay untouched.
	if c.closed || c.state == Closed || c.state == Errored || c.state == Leaving {
		c.mu.Unlock()
		return
	}
	fails := make([]func(error), 0, len(c.waiters))
	for k, w := range c.waiters {
		delete(c.waiters, k)
		if w.fail != nil {
			fails = append(fails, w.fail)
		}
	}
	joinInFlight := c.state == Joining && c.joinPush != nil
	c.setStateLocked(Errored)
	if joinInFlight {
		c.joinPush.resetLocked()
	}
	if c.transport.IsConnected() {
		c.startRejoinTimerLocked()
	}
	msg := types.ErrorMessage(c.topic, err)
	fns := c.handlersForLocked(msg.Event)
	c.mu.Unlock()

	cerr := types.ChannelError{Topic: c.topic, Reason: "channel error", Source: err}
	for _, f := range fails {
		f(cerr)
	}
	if len(fns) > 0 {
		c.runner.Enqueue(func() {
			for _, fn := range fns {
				fn(msg)
			}
		})
	}
	c.logger.Warn("channel errored", "err", err)
}

// OnPushReply registers a one-shot waiter resolved or failed exactly once by
// the next inbound message of the given event kind. Registering a second
// waiter for the same kind replaces the first, whose reply channel never
// completes; this mirrors the replace-on-conflict behavior of the protocol
// this library speaks.
func (c *Channel) OnPushReply(event string) <-chan Reply {
	ch := make(chan Reply, 1)
	c.mu.Lock()
	c.waiters[event] = waiterEntry{
		deliver: func(m types.Message) { ch <- Reply{Message: m} },
		fail:    func(err error) { ch <- Reply{Err: err} },
	}
	c.mu.Unlock()
	return ch
}

// On subscribes fn to messages of the given event kind published on the
// channel's event stream. The returned ref cancels the subscription through
// Off.
func (c *Channel) On(event string, fn func(types.Message)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	c.handlers[event] = append(c.handlers[event], handlerEntry{ref: c.nextHandler, fn: fn})
	return c.nextHandler
}

// OnMessage subscribes fn to every message published on the channel's event
// stream.
func (c *Channel) OnMessage(fn func(types.Message)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	c.anyHandlers = append(c.anyHandlers, handlerEntry{ref: c.nextHandler, fn: fn})
	return c.nextHandler
}

// Off cancels the subscription identified by ref for the given event kind.
// Use event "" for subscriptions made through OnMessage.
func (c *Channel) Off(event string, ref int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if event == "" {
		c.anyHandlers = removeHandler(c.anyHandlers, ref)
		return
	}
	c.handlers[event] = removeHandler(c.handlers[event], ref)
}

func removeHandler(hs []handlerEntry, ref int) []handlerEntry {
	out := hs[:0]
	for _, h := range hs {
		if h.ref != ref {
			out = append(out, h)
		}
	}
	return out
}

// --- internal protocol logic ---

// onInbound handles one inbound message for this topic. Messages from a
// superseded join attempt are dropped before dispatch.
func (c *Channel) onInbound(msg types.Message) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if msg.JoinRef != "" && types.IsLifecycleEvent(msg.Event) && msg.JoinRef != c.joinRefLocked() {
		c.metrics.StaleMessages.Add(1)
		c.mu.Unlock()
		c.logger.Debug("dropping stale message", "event", msg.Event, "join_ref", msg.JoinRef)
		return
	}

	closing := false
	switch msg.Event {
	case types.EventClose:
		c.cancelRejoinTimerLocked()
		closing = true
	case types.EventError:
		if c.state != Leaving {
			if c.state == Joining && c.joinPush != nil {
				c.joinPush.resetLocked()
			}
			c.setStateLocked(Errored)
			if c.transport.IsConnected() {
				c.startRejoinTimerLocked()
			}
		}
	case types.EventReply:
		// Republish under the correlated event kind so that the matching
		// waiter, and only it, observes the reply.
		msg.Event = types.ReplyEvent(msg.Ref)
	}

	var deliver func(types.Message)
	if w, ok := c.waiters[msg.Event]; ok {
		delete(c.waiters, msg.Event)
		deliver = w.deliver
	}
	c.mu.Unlock()

	if deliver != nil {
		deliver(msg)
	}
	c.Trigger(msg)
	if closing {
		c.logger.Debug("channel closed by server")
		c.Close()
	}
}

// onTransportError handles the transport's connection error broadcast. There
// is no point rejoining a dead link, so only the rejoin timer is cancelled;
// the transport additionally fails the channel through TriggerError.
func (c *Channel) onTransportError(error) {
	c.mu.Lock()
	c.cancelRejoinTimerLocked()
	c.mu.Unlock()
}

// onTransportOpen handles the transport's connection open broadcast: an
// errored channel re-attempts its join immediately instead of waiting for
// the rejoin timer.
func (c *Channel) onTransportOpen() {
	c.mu.Lock()
	c.cancelRejoinTimerLocked()
	if !c.closed && c.state == Errored {
		c.rejoinLocked()
	}
	c.mu.Unlock()
}

// rejoinLocked runs one join attempt: fresh reply handlers, fresh reference,
// fresh timeout. Skipped while leaving or before the first Join.
func (c *Channel) rejoinLocked() {
	if c.joinPush == nil || c.state == Leaving {
		return
	}
	c.setStateLocked(Joining)
	p := c.joinPush
	p.handlers[types.StatusOK] = c.handleJoinOK
	p.handlers[types.StatusError] = c.handleJoinError
	p.handlers[types.StatusTimeout] = c.handleJoinTimeout
	p.timeout = c.timeout
	p.resetLocked()
	p.sendLocked()
}

func (c *Channel) handleJoinOK(types.Message) {
	c.mu.Lock()
	if c.closed || c.state == Leaving {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(Joined)
	c.cancelRejoinTimerLocked()
	buffered := c.pushBuffer
	c.pushBuffer = nil
	for _, p := range buffered {
		p.sendLocked()
	}
	c.metrics.BufferedPushes.Set(0)
	c.metrics.Joins.With("status", types.StatusOK).Add(1)
	c.mu.Unlock()
	c.logger.Debug("joined")
}

func (c *Channel) handleJoinError(msg types.Message) {
	c.mu.Lock()
	if c.closed || c.state == Leaving {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(Errored)
	c.metrics.Joins.With("status", types.StatusError).Add(1)
	if c.transport.IsConnected() {
		c.startRejoinTimerLocked()
	}
	c.mu.Unlock()
	c.logger.Warn("join rejected", "response", msg.Response())
}

func (c *Channel) handleJoinTimeout(types.Message) {
	c.mu.Lock()
	if c.state != Joining {
		c.mu.Unlock()
		return
	}
	c.metrics.Joins.With("status", types.StatusTimeout).Add(1)
	// Best-effort leave for the attempt the server may still complete.
	leave := newPush(c, types.EventLeave, nil, c.timeout)
	leave.sendLocked()
	c.joinPush.resetLocked()
	c.setStateLocked(Errored)
	if c.transport.IsConnected() {
		c.startRejoinTimerLocked()
	}
	c.mu.Unlock()
	c.logger.Warn("join timed out")
}

func (c *Channel) startRejoinTimerLocked() {
	c.cancelRejoinTimerLocked()
	c.rejoinTimer = time.AfterFunc(c.timeout, c.onRejoinTimer)
}

func (c *Channel) cancelRejoinTimerLocked() {
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
		c.rejoinTimer = nil
	}
}

func (c *Channel) onRejoinTimer() {
	c.mu.Lock()
	c.rejoinTimer = nil
	if c.closed || !c.transport.IsConnected() {
		c.mu.Unlock()
		return
	}
	c.metrics.Rejoins.Add(1)
	c.rejoinLocked()
	c.mu.Unlock()
}

func (c *Channel) canPushLocked() bool {
	return c.state == Joined && c.transport.IsConnected()
}

func (c *Channel) joinRefLocked() string {
	if c.joinPush != nil {
		return c.joinPush.ref
	}
	return ""
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.logger.Debug("state change", "from", c.state.String(), "to", s.String())
	c.state = s
}

func (c *Channel) handlersForLocked(event string) []func(types.Message) {
	var fns []func(types.Message)
	for _, h := range c.handlers[event] {
		fns = append(fns, h.fn)
	}
	for _, h := range c.anyHandlers {
		fns = append(fns, h.fn)
	}
	return fns
}
