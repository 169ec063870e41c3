package pubsub

// State is the lifecycle state of a Publisher or Subscriber.
type State int

const (
	StateUnstarted State = iota
	StateStarted
	StateStopped
	StateClosed
)

// String returns the lower case state name.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type transition int

const (
	opStart transition = iota
	opStop
	opClose
)

func (t transition) String() string {
	switch t {
	case opStart:
		return "start"
	case opStop:
		return "stop"
	default:
		return "close"
	}
}

// transitions lists, per operation, the states it may be applied in and the
// state it leads to.
var transitions = map[transition]map[State]State{
	opStart: {
		StateUnstarted: StateStarted,
		StateStopped:   StateStarted,
		StateClosed:    StateStarted,
	},
	opStop: {
		StateStarted: StateStopped,
	},
	opClose: {
		StateStarted: StateClosed,
		StateStopped: StateClosed,
	},
}

var rejections = map[transition]Code{
	opStart: CodeAlreadyStarted,
	opStop:  CodeNotStarted,
	opClose: CodeNotConnected,
}

// next returns the state op leads to from, or the StateError rejecting it.
func next(from State, op transition) (State, error) {
	to, ok := transitions[op][from]
	if !ok {
		return from, &StateError{Code: rejections[op], Op: op.String(), State: from}
	}
	return to, nil
}
