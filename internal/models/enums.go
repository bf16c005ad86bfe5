package models

import "fmt"

// PolicyState is the lifecycle state of a policy record. States only move
// forward: None -> Registered -> Validated -> Insured -> Closed.
type PolicyState uint8

const (
	StateNone PolicyState = iota
	StateRegistered
	StateValidated
	StateInsured
	StateClosed
)

var policyStateNames = map[PolicyState]string{
	StateNone:       "none",
	StateRegistered: "registered",
	StateValidated:  "validated",
	StateInsured:    "insured",
	StateClosed:     "closed",
}

func (s PolicyState) String() string {
	if name, ok := policyStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// IsOpen reports whether a policy in this state counts towards open exposure.
func (s PolicyState) IsOpen() bool {
	return s == StateRegistered || s == StateValidated || s == StateInsured
}

func (s PolicyState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PolicyState) UnmarshalText(text []byte) error {
	for state, name := range policyStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("%w: unknown policy state %q", ErrInvalidArgument, text)
}
