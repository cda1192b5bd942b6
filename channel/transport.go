package channel

import (
	"time"

	"github.com/multisock/multisock/types"
)

// Transport is the shared connection a Channel multiplexes over. The socket
// package provides the websocket implementation; tests provide fakes.
//
// A transport is read-mostly shared across channels: channels query the
// connection state, allocate references and enqueue outbound sends, but never
// mutate transport-global state except to deregister themselves on close.
type Transport interface {
	// IsConnected reports whether the underlying connection is usable.
	IsConnected() bool

	// PushTimeout returns the default timeout applied to pushes whose
	// caller did not pick one.
	PushTimeout() time.Duration

	// MakeRef allocates a reference unique within this transport. It is
	// used to correlate replies and to identify join epochs.
	MakeRef() string

	// Send enqueues one outbound message. Sending is fire-and-forget:
	// delivery failures surface as connection errors, not here.
	Send(msg types.Message) error

	// OnMessage subscribes fn to inbound messages for the given topic.
	// The returned func cancels the subscription.
	OnMessage(topic string, fn func(types.Message)) (off func())

	// OnOpen subscribes fn to connection open broadcasts.
	OnOpen(fn func()) (off func())

	// OnConnError subscribes fn to connection error broadcasts.
	OnConnError(fn func(error)) (off func())

	// Remove deregisters a channel that has closed.
	Remove(ch *Channel)
}
