package model

// State is the position of a message in the per-run pipeline. Transitions only
// move forward; any failure jumps straight to StateTerminal.
type State int

const (
	StateListed State = iota
	StateFetched
	StateExtracted
	StatePromptReady
	StateCompleted
	StateReplied
	StateTerminal
)

var stateNames = [...]string{
	StateListed:      "listed",
	StateFetched:     "fetched",
	StateExtracted:   "extracted",
	StatePromptReady: "prompt-ready",
	StateCompleted:   "completed",
	StateReplied:     "replied",
	StateTerminal:    "terminal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Next returns the state following s. StateTerminal is absorbing.
func (s State) Next() State {
	if s >= StateTerminal {
		return StateTerminal
	}
	return s + 1
}
