package channel_test

import (
	"fmt"
	"sync"
	"time"

	"github.com/multisock/multisock/channel"
	"github.com/multisock/multisock/types"
)

// fakeTransport is an in-memory channel.Transport that records outbound
// messages and lets tests drive inbound delivery and connection lifecycle
// broadcasts.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	timeout   time.Duration
	refs      int
	sent      []types.Message
	msgFns    map[string][]func(types.Message)
	openFns   []func()
	errFns    []func(error)
	removed   []*channel.Channel
	cancels   int
}

var _ channel.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		timeout:   time.Second,
		msgFns:    make(map[string][]func(types.Message)),
	}
}

func (t *fakeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) PushTimeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

func (t *fakeTransport) MakeRef() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs++
	return fmt.Sprintf("%d", t.refs)
}

func (t *fakeTransport) Send(msg types.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) OnMessage(topic string, fn func(types.Message)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgFns[topic] = append(t.msgFns[topic], fn)
	return t.cancelFn()
}

func (t *fakeTransport) OnOpen(fn func()) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openFns = append(t.openFns, fn)
	return t.cancelFn()
}

func (t *fakeTransport) OnConnError(fn func(error)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errFns = append(t.errFns, fn)
	return t.cancelFn()
}

// cancelFn requires t.mu to be held.
func (t *fakeTransport) cancelFn() func() {
	return func() {
		t.mu.Lock()
		t.cancels++
		t.mu.Unlock()
	}
}

func (t *fakeTransport) Remove(ch *channel.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = append(t.removed, ch)
}

func (t *fakeTransport) setConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
}

// deliver routes one inbound message to the topic's subscribers, the way the
// socket's read routine would.
func (t *fakeTransport) deliver(msg types.Message) {
	t.mu.Lock()
	fns := append([]func(types.Message){}, t.msgFns[msg.Topic]...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (t *fakeTransport) fireOpen() {
	t.mu.Lock()
	fns := append([]func(){}, t.openFns...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *fakeTransport) fireConnError(err error) {
	t.mu.Lock()
	fns := append([]func(error){}, t.errFns...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (t *fakeTransport) sentMessages() []types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.Message{}, t.sent...)
}

func (t *fakeTransport) lastSent() (types.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return types.Message{}, false
	}
	return t.sent[len(t.sent)-1], true
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) removedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.removed)
}

// reply builds the server's reply to the given outbound message.
func reply(req types.Message, status string, response types.Payload) types.Message {
	msg := types.ReplyMessage(req.Topic, status, response)
	msg.Event = types.EventReply
	msg.Ref = req.Ref
	msg.JoinRef = req.JoinRef
	return msg
}
