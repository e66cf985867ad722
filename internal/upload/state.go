package upload

// State is a step of the per-file upload pipeline.
type State int

const (
	Selected State = iota
	Planning
	AwaitingCredentials
	Transferring
	Completing
	Done
	Failed
)

var stateNames = [...]string{
	Selected:            "selected",
	Planning:            "planning",
	AwaitingCredentials: "awaiting-credentials",
	Transferring:        "transferring",
	Completing:          "completing",
	Done:                "done",
	Failed:              "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}
