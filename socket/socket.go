// Package socket provides the websocket transport channels multiplex over:
// one shared connection, per-topic routing of inbound messages, reference
// allocation and connection lifecycle broadcasts.
//
// The socket deliberately has no automatic reconnection, backoff or
// heartbeats. Reconnect policy belongs to the application: call Connect again
// after a connection loss and errored channels rejoin on their own.
package socket

import (
	"context"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/multisock/multisock/channel"
	"github.com/multisock/multisock/libs/log"
	cmtsync "github.com/multisock/multisock/libs/sync"
	"github.com/multisock/multisock/types"
)

// Socket is a shared websocket connection multiplexing many channels. It
// implements channel.Transport.
type Socket struct {
	id     string
	addr   string
	config Config
	dialer websocket.Dialer

	mu        cmtsync.RWMutex
	logger    log.Logger
	conn      *websocket.Conn
	connected bool
	sendCh    chan types.Message
	quit      chan struct{}
	channels  []*channel.Channel
	msgSubs   map[string]map[int]func(types.Message)
	openSubs  map[int]func()
	errSubs   map[int]func(error)
	nextSub   int
	metrics   *channel.Metrics

	ref atomic.Uint64
}

var _ channel.Transport = (*Socket)(nil)

// Option configures a Socket at construction.
type Option func(*Socket)

// WithLogger sets the socket logger. Channels constructed by this socket
// derive their loggers from it.
func WithLogger(l log.Logger) Option {
	return func(s *Socket) { s.logger = l }
}

// WithChannelMetrics sets the metrics handed to channels constructed by this
// socket.
func WithChannelMetrics(m *channel.Metrics) Option {
	return func(s *Socket) { s.metrics = m }
}

// New creates a socket for the given ws:// or wss:// address. http(s)
// schemes are rewritten to their websocket counterparts. The socket starts
// disconnected; call Connect.
func New(addr string, config Config, opts ...Option) (*Socket, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, ErrInvalidAddress{Addr: addr, Source: err}
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, ErrInvalidAddress{Addr: addr, Source: errUnsupportedScheme(u.Scheme)}
	}
	config = config.FillDefaults()
	s := &Socket{
		id:     uuid.NewString(),
		addr:   u.String(),
		config: config,
		dialer: websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
		},
		logger:   log.NewNopLogger(),
		msgSubs:  make(map[string]map[int]func(types.Message)),
		openSubs: make(map[int]func()),
		errSubs:  make(map[int]func(error)),
		metrics:  channel.NopMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("socket_id", s.id)
	return s, nil
}

type errUnsupportedScheme string

func (e errUnsupportedScheme) Error() string {
	return "unsupported scheme: " + string(e)
}

// SetLogger sets the socket logger.
func (s *Socket) SetLogger(l log.Logger) {
	s.mu.Lock()
	s.logger = l.With("socket_id", s.id)
	s.mu.Unlock()
}

// ID returns the socket session id.
func (s *Socket) ID() string { return s.id }

// Addr returns the resolved websocket address.
func (s *Socket) Addr() string { return s.addr }

// Connect dials the server and starts the read and write routines. Connected
// channels are notified through the open broadcast; errored channels rejoin
// immediately. Connecting an already connected socket is a no-op.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.RLock()
	if s.connected {
		s.mu.RUnlock()
		return nil
	}
	s.mu.RUnlock()

	conn, resp, err := s.dialer.DialContext(ctx, s.addr, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return ErrDial{Addr: s.addr, Source: err}
	}

	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.connected = true
	s.sendCh = make(chan types.Message, s.config.SendQueueCapacity)
	s.quit = make(chan struct{})
	go s.readRoutine(conn)
	go s.writeRoutine(conn, s.sendCh, s.quit)
	s.mu.Unlock()

	s.logger.Info("connected", "addr", s.addr)
	s.notifyOpen()
	return nil
}

// Close tears the connection down. Registered channels observe the close as a
// connection error: they move to errored and rejoin on the next Connect.
// Closing a disconnected socket is a no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.conn = nil
	s.connected = false
	quit := s.quit
	chans := make([]*channel.Channel, len(s.channels))
	copy(chans, s.channels)
	errFns := make([]func(error), 0, len(s.errSubs))
	for _, fn := range s.errSubs {
		errFns = append(errFns, fn)
	}
	s.mu.Unlock()

	close(quit)
	err := conn.Close()
	s.logger.Info("disconnected", "addr", s.addr)

	for _, fn := range errFns {
		fn(ErrSocketClosed{})
	}
	for _, ch := range chans {
		ch.TriggerError(ErrSocketClosed{})
	}
	return err
}

// IsConnected implements channel.Transport.
func (s *Socket) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// PushTimeout implements channel.Transport.
func (s *Socket) PushTimeout() time.Duration {
	return s.config.PushTimeout
}

// MakeRef implements channel.Transport. References are unique per socket and
// monotonically increasing.
func (s *Socket) MakeRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// Send implements channel.Transport: it enqueues one outbound message for
// the write routine. It fails when disconnected or when the send queue is
// full; write failures surface as connection errors.
func (s *Socket) Send(msg types.Message) error {
	s.mu.RLock()
	if !s.connected {
		s.mu.RUnlock()
		return ErrNotConnected{}
	}
	sendCh := s.sendCh
	s.mu.RUnlock()

	select {
	case sendCh <- msg:
		return nil
	default:
		return ErrSendQueueFull{}
	}
}

// Channel creates a channel for the given topic multiplexed over this
// socket and registers it. The channel binds its transport subscriptions
// immediately; call Join on it to start the lifecycle.
func (s *Socket) Channel(topic string, params types.Payload) *channel.Channel {
	s.mu.RLock()
	logger := s.logger.With("topic", topic)
	metrics := s.metrics
	s.mu.RUnlock()

	ch := channel.New(topic, params, s,
		channel.WithLogger(logger),
		channel.WithMetrics(metrics),
	)
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return ch
}

// Remove implements channel.Transport: it deregisters a closed channel.
func (s *Socket) Remove(ch *channel.Channel) {
	s.mu.Lock()
	for i, c := range s.channels {
		if c == ch {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Channels returns the currently registered channels.
func (s *Socket) Channels() []*channel.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*channel.Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

// OnMessage implements channel.Transport.
func (s *Socket) OnMessage(topic string, fn func(types.Message)) (off func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	m := s.msgSubs[topic]
	if m == nil {
		m = make(map[int]func(types.Message))
		s.msgSubs[topic] = m
	}
	m[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if m := s.msgSubs[topic]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(s.msgSubs, topic)
			}
		}
		s.mu.Unlock()
	}
}

// OnOpen implements channel.Transport.
func (s *Socket) OnOpen(fn func()) (off func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.openSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.openSubs, id)
		s.mu.Unlock()
	}
}

// OnConnError implements channel.Transport.
func (s *Socket) OnConnError(fn func(error)) (off func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.errSubs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.errSubs, id)
		s.mu.Unlock()
	}
}

func (s *Socket) notifyOpen() {
	s.mu.RLock()
	fns := make([]func(), 0, len(s.openSubs))
	for _, fn := range s.openSubs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

// readRoutine decodes inbound frames and routes them by topic until the
// connection fails or is closed.
func (s *Socket) readRoutine(conn *websocket.Conn) {
	for {
		var msg types.Message
		if err := conn.ReadJSON(&msg); err != nil {
			s.connectionLost(conn, err)
			return
		}
		s.route(msg)
	}
}

func (s *Socket) writeRoutine(conn *websocket.Conn, sendCh <-chan types.Message, quit <-chan struct{}) {
	for {
		select {
		case msg := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.connectionLost(conn, err)
				return
			}
		case <-quit:
			return
		}
	}
}

func (s *Socket) route(msg types.Message) {
	s.mu.RLock()
	var fns []func(types.Message)
	for _, fn := range s.msgSubs[msg.Topic] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	if len(fns) == 0 {
		s.logger.Debug("dropping message for unknown topic", "topic", msg.Topic, "event", msg.Event)
		return
	}
	for _, fn := range fns {
		fn(msg)
	}
}

// connectionLost handles a read or write failure: it tears the connection
// down, broadcasts the error and fails every registered channel. Only the
// first failure for a given connection wins; Close races are ignored.
func (s *Socket) connectionLost(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		// Already torn down, or torn down by Close.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected = false
	quit := s.quit
	chans := make([]*channel.Channel, len(s.channels))
	copy(chans, s.channels)
	errFns := make([]func(error), 0, len(s.errSubs))
	for _, fn := range s.errSubs {
		errFns = append(errFns, fn)
	}
	s.mu.Unlock()

	close(quit)
	conn.Close()
	s.logger.Error("connection lost", "addr", s.addr, "err", err)

	// Broadcast first so channels stop their rejoin timers, then fail each
	// channel so pending waiters observe the error.
	for _, fn := range errFns {
		fn(err)
	}
	for _, ch := range chans {
		ch.TriggerError(err)
	}
}
