package channel

import "fmt"

// ErrAlreadyJoined is returned by Join when it was already called on this
// channel instance. Join is callable once per lifetime; create a new channel
// to join again.
type ErrAlreadyJoined struct {
	Topic string
}

func (e ErrAlreadyJoined) Error() string {
	return fmt.Sprintf("channel %s: already joined", e.Topic)
}

// ErrNeverJoined is returned by PushEvent when Join was never called.
type ErrNeverJoined struct {
	Topic string
}

func (e ErrNeverJoined) Error() string {
	return fmt.Sprintf("channel %s: push before join", e.Topic)
}

// ErrChannelClosed is returned when operating on a closed channel.
type ErrChannelClosed struct {
	Topic string
}

func (e ErrChannelClosed) Error() string {
	return fmt.Sprintf("channel %s: closed", e.Topic)
}

// ErrPushTimeout is returned by Push.Wait when no reply arrived within the
// push timeout.
type ErrPushTimeout struct {
	Topic string
	Event string
}

func (e ErrPushTimeout) Error() string {
	return fmt.Sprintf("channel %s: push %s timed out", e.Topic, e.Event)
}
