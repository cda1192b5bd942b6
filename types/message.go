package types

// Reserved event kinds. Every other event kind is application defined.
const (
	EventJoin  = "join"
	EventLeave = "leave"
	EventClose = "close"
	EventError = "error"
	EventReply = "reply"
)

// Reply statuses carried in a reply payload under the "status" key.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Payload is an opaque key-value map carried by a Message.
type Payload = map[string]any

// Message is a single frame exchanged with the server. It is treated as an
// immutable value: routing looks at Topic, Event, Ref and JoinRef, everything
// else is opaque to this library.
type Message struct {
	// Topic is the logical channel namespace this message belongs to.
	Topic string `json:"topic"`
	// Event is the event kind, either reserved or application defined.
	Event string `json:"event"`
	// Payload is the application payload.
	Payload Payload `json:"payload,omitempty"`
	// Ref is the correlation reference of the request this message replies
	// to, or the reference of an outbound request.
	Ref string `json:"ref,omitempty"`
	// JoinRef is the reference of the join attempt this message belongs to.
	// Replies from a superseded join attempt carry a stale JoinRef and are
	// discarded by the channel.
	JoinRef string `json:"join_ref,omitempty"`
}

// Status returns the reply status carried in the payload, or "" if the
// message is not a reply.
func (m Message) Status() string {
	s, _ := m.Payload["status"].(string)
	return s
}

// Response returns the application response carried in a reply payload, or
// nil if there is none.
func (m Message) Response() Payload {
	r, _ := m.Payload["response"].(Payload)
	return r
}

// ReplyEvent returns the event kind a correlated reply is republished under.
// A waiter registered for ReplyEvent(ref) observes the reply to the request
// sent with that reference.
func ReplyEvent(ref string) string {
	return EventReply + ":" + ref
}

// ReplyMessage builds a reply-shaped message for the given status. It is used
// to synthesize timeout replies and the immediate ok reply of a leave on a
// disconnected transport.
func ReplyMessage(topic, status string, response Payload) Message {
	if response == nil {
		response = Payload{}
	}
	return Message{
		Topic:   topic,
		Payload: Payload{"status": status, "response": response},
	}
}

// IsLifecycleEvent reports whether event is one of the reserved
// lifecycle/status kinds subject to the stale join epoch filter.
func IsLifecycleEvent(event string) bool {
	switch event {
	case EventJoin, EventLeave, EventClose, EventError, EventReply:
		return true
	}
	return false
}

// ErrorMessage wraps a transport-level error into the generic error message a
// channel publishes on its event stream.
func ErrorMessage(topic string, err error) Message {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return Message{
		Topic:   topic,
		Event:   EventError,
		Payload: Payload{"reason": reason},
	}
}
