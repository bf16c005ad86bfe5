package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Change is one persisted side effect of a committed call. The repository
// applies the changes of a call in order, inside a single transaction.
type Change interface {
	isChange()
}

type BalanceChange struct {
	Account common.Address
	Balance *big.Int
}

type RoleChange struct {
	Role  common.Hash
	Admin common.Hash
}

type RoleMemberChange struct {
	Role    common.Hash
	Account common.Address
	Member  bool
}

type SeasonChange struct {
	Oracle common.Address
	Season uint16
	Open   bool
}

type EscrowChange struct {
	Vault  common.Address
	Payee  common.Address
	Amount *big.Int
}

type PolicyChange struct {
	Contract common.Address
	Policy   Policy
}

type SwitchChange struct {
	Contract common.Address
	Active   bool
}

func (BalanceChange) isChange()    {}
func (RoleChange) isChange()       {}
func (RoleMemberChange) isChange() {}
func (SeasonChange) isChange()     {}
func (EscrowChange) isChange()     {}
func (PolicyChange) isChange()     {}
func (SwitchChange) isChange()     {}

// LedgerSnapshot is the full persisted state, used to restore components at
// startup. Rows reuse the change shapes.
type LedgerSnapshot struct {
	Balances []BalanceChange
	Roles    []RoleChange
	Members  []RoleMemberChange
	Seasons  []SeasonChange
	Escrow   []EscrowChange
	Policies []PolicyChange
	Switches []SwitchChange
}
