package channel

// State is the lifecycle state of a Channel. A channel holds exactly one
// state at a time; Closed is terminal.
type State uint8

const (
	Closed State = iota
	Joining
	Joined
	Errored
	Leaving
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Errored:
		return "errored"
	case Leaving:
		return "leaving"
	default:
		return "unknown"
	}
}
