package types

import "fmt"

// ChannelError is the generic error observed through a channel: a failed or
// timed out reply, or a transport failure surfaced on the event stream.
type ChannelError struct {
	Topic  string
	Reason string
	Source error
}

func (e ChannelError) Error() string {
	if e.Source != nil {
		return fmt.Sprintf("channel %s: %s: %v", e.Topic, e.Reason, e.Source)
	}
	return fmt.Sprintf("channel %s: %s", e.Topic, e.Reason)
}

func (e ChannelError) Unwrap() error {
	return e.Source
}
