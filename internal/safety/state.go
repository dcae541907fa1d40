// Package safety implements the capital-safety gate: a finite-state machine
// that decides whether trading is currently permitted, driven by capital
// triggers and collaborator failure reports. It is the single source of truth
// consulted before any order is placed.
package safety

import (
	"encoding/json"
	"errors"
	"fmt"
)

// State is the operating state of the safety gate.
type State int

const (
	StateNormal State = iota
	StateDegraded
	StateRecovery
	StateSafeMode
	StateEmergencyHalt
)

var stateNames = map[State]string{
	StateNormal:        "normal",
	StateDegraded:      "degraded",
	StateRecovery:      "recovery",
	StateSafeMode:      "safe_mode",
	StateEmergencyHalt: "emergency_halt",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState converts a persisted state name back to a State.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateNormal, fmt.Errorf("unknown safety state %q", name)
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseState(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// allowedTransitions is the closed edge table. Anything not listed here is an
// invalid transition and is rejected without changing state.
var allowedTransitions = map[State][]State{
	StateNormal:        {StateDegraded, StateSafeMode, StateEmergencyHalt},
	StateDegraded:      {StateNormal, StateRecovery, StateSafeMode, StateEmergencyHalt},
	StateRecovery:      {StateNormal, StateDegraded, StateSafeMode, StateEmergencyHalt},
	StateSafeMode:      {StateRecovery, StateEmergencyHalt},
	StateEmergencyHalt: {StateRecovery},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Severity is a discrete capital-risk level.
type Severity int

const (
	SeveritySafe Severity = iota
	SeverityCaution
	SeverityWarning
	SeverityDanger
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeveritySafe:     "safe",
	SeverityCaution:  "caution",
	SeverityWarning:  "warning",
	SeverityDanger:   "danger",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity converts a configured severity name to a Severity.
func ParseSeverity(name string) (Severity, error) {
	for s, n := range severityNames {
		if n == name {
			return s, nil
		}
	}
	return SeveritySafe, fmt.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Operation is the kind of trading action being gated.
type Operation int

const (
	OpEntry Operation = iota
	OpExit
	OpModify
)

func (o Operation) String() string {
	switch o {
	case OpEntry:
		return "entry"
	case OpExit:
		return "exit"
	case OpModify:
		return "modify"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// ParseOperation converts an API operation string to an Operation.
func ParseOperation(name string) (Operation, error) {
	switch name {
	case "entry":
		return OpEntry, nil
	case "exit":
		return OpExit, nil
	case "modify":
		return OpModify, nil
	default:
		return OpEntry, fmt.Errorf("unknown operation %q", name)
	}
}

// ErrInvalidTransition is returned when a requested state edge is not in the
// allowed table. The machine never coerces an invalid edge into a valid one.
var ErrInvalidTransition = errors.New("invalid safety state transition")
