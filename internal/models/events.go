package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type EventName string

const (
	EventInsuranceRequested EventName = "InsuranceRequested"
	EventInsuranceValidated EventName = "InsuranceValidated"
	EventInsuranceActivated EventName = "InsuranceActivated"
	EventRefundEscrowed     EventName = "RefundEscrowed"
	EventLiquidityProvided  EventName = "LiquidityProvided"
	EventLiquidityWithdrawn EventName = "LiquidityWithdrawn"
	EventContractSwitched   EventName = "ContractSwitched"
	EventSeasonOpened       EventName = "SeasonOpened"
	EventSeasonClosed       EventName = "SeasonClosed"
	EventOracleFunded       EventName = "OracleFunded"
	EventRoleAdded          EventName = "RoleAdded"
	EventRoleAssigned       EventName = "RoleAssigned"
	EventRoleRevoked        EventName = "RoleRevoked"
	EventDeposited          EventName = "Deposited"
	EventWithdrawn          EventName = "Withdrawn"
)

// Event is a notification emitted by a committed ledger call. Data holds one
// of the payload structs below.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Name      EventName      `json:"name"`
	Contract  common.Address `json:"contract"`
	Data      any            `json:"data"`
	EmittedAt time.Time      `json:"emitted_at"`
}

func NewEvent(contract common.Address, name EventName, data any) Event {
	return Event{
		ID:        uuid.New(),
		Name:      name,
		Contract:  contract,
		Data:      data,
		EmittedAt: time.Now(),
	}
}

type InsuranceRequested struct {
	Season uint16         `json:"season"`
	Region common.Hash    `json:"region"`
	FarmID common.Hash    `json:"farm_id"`
	Size   uint64         `json:"size"`
	Fee    *big.Int       `json:"fee"`
	Farmer common.Address `json:"farmer"`
	Key    common.Hash    `json:"key"`
}

type InsuranceValidated struct {
	Season      uint16         `json:"season"`
	Region      common.Hash    `json:"region"`
	FarmID      common.Hash    `json:"farm_id"`
	TotalStaked *big.Int       `json:"total_staked"`
	Government  common.Address `json:"government"`
	Key         common.Hash    `json:"key"`
}

type InsuranceActivated struct {
	Season  uint16         `json:"season"`
	Region  common.Hash    `json:"region"`
	FarmID  common.Hash    `json:"farm_id"`
	Insurer common.Address `json:"insurer"`
	Key     common.Hash    `json:"key"`
}

type RefundEscrowed struct {
	Payee  common.Address `json:"payee"`
	Amount *big.Int       `json:"amount"`
}

type LiquidityMoved struct {
	Insurer common.Address `json:"insurer"`
	Amount  *big.Int       `json:"amount"`
}

type ContractSwitched struct {
	Active bool           `json:"active"`
	By     common.Address `json:"by"`
}

type SeasonToggled struct {
	Season uint16         `json:"season"`
	Keeper common.Address `json:"keeper"`
	Fee    *big.Int       `json:"fee"`
}

type OracleFunded struct {
	From   common.Address `json:"from"`
	Amount *big.Int       `json:"amount"`
}

type RoleAdded struct {
	Role      common.Hash    `json:"role"`
	AdminRole common.Hash    `json:"admin_role"`
	By        common.Address `json:"by"`
}

type RoleAssignment struct {
	Role    common.Hash    `json:"role"`
	Account common.Address `json:"account"`
	By      common.Address `json:"by"`
}

type EscrowMovement struct {
	Payee  common.Address `json:"payee"`
	Amount *big.Int       `json:"amount"`
}
