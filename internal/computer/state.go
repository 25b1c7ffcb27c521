package computer

// State is the power state of a computer.
type State int

// Computer states.
const (
	// StateOff - the computer is not running.
	StateOff State = iota

	// StateStarting - the computer is loading its BIOS.
	StateStarting

	// StateOn - the computer is running.
	StateOn

	// StateBlinking - the computer stopped with an error, which stays on its
	// terminal until it is turned off or on again.
	StateBlinking
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateStarting:
		return "starting"
	case StateOn:
		return "on"
	case StateBlinking:
		return "blinking"
	default:
		return "unknown"
	}
}

// IsRunning returns true while the computer's program can receive events.
func (s State) IsRunning() bool {
	return s == StateStarting || s == StateOn
}
