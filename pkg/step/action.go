package step

import "fmt"

// Action is the stepping command chosen for the current stop.
type Action uint8

const (
	StepOver Action = iota
	StepIn
	Continue
	SourceStepIn
	SourceStepOver
	SourceStepOut
)

var actionNames = [...]string{
	StepOver:       "step-over",
	StepIn:         "step-in",
	Continue:       "continue",
	SourceStepIn:   "source-step-in",
	SourceStepOver: "source-step-over",
	SourceStepOut:  "source-step-out",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("Action(%d)", uint8(a))
}

// ParseAction returns the action called name, using the names accepted by
// the step-actions configuration key.
func ParseAction(name string) (Action, error) {
	for i, n := range actionNames {
		if n == name {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("unknown step action %q", name)
}
