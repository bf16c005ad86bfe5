package insurance

import (
	"crop-ledger/internal/gatekeeper"
	"crop-ledger/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

type Action string

const (
	ActionRegister Action = "register"
	ActionValidate Action = "validate"
	ActionActivate Action = "activate"
)

// transition is one row of the policy state machine. A call is admitted only
// if the record is in From, the caller holds Role and the season is open.
type transition struct {
	Role    common.Hash
	From    models.PolicyState
	To      models.PolicyState
	Payable bool
	// reason reported when the record is in the wrong state
	StateReason string
}

var transitions = map[Action]transition{
	ActionRegister: {
		Role:    gatekeeper.FarmerRole,
		From:    models.StateNone,
		To:      models.StateRegistered,
		Payable: true,
	},
	ActionValidate: {
		Role:        gatekeeper.GovernmentRole,
		From:        models.StateRegistered,
		To:          models.StateValidated,
		Payable:     true,
		StateReason: "Contract must be in registered state",
	},
	ActionActivate: {
		Role:        gatekeeper.InsurerRole,
		From:        models.StateValidated,
		To:          models.StateInsured,
		StateReason: "Contract must be in validated state",
	},
}

// NextState returns the state a policy in from moves to under action.
func NextState(action Action, from models.PolicyState) (models.PolicyState, bool) {
	t, ok := transitions[action]
	if !ok || t.From != from {
		return from, false
	}
	return t.To, true
}
