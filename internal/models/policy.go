package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ============================================================================
// INSURANCE POLICY RECORD
// ============================================================================

type Policy struct {
	Key          common.Hash    `json:"key"`
	FarmID       common.Hash    `json:"farm_id"`
	State        PolicyState    `json:"state"`
	Insuree      common.Address `json:"insuree"`
	Government   common.Address `json:"government"`
	Insurer      common.Address `json:"insurer"`
	Size         uint64         `json:"size"`
	Region       common.Hash    `json:"region"`
	Season       uint16         `json:"season"`
	TotalStaked  *big.Int       `json:"total_staked"`
	Compensation *big.Int       `json:"compensation"`
	// Sequence orders registrations so open lists can be rebuilt on load.
	Sequence uint64 `json:"-"`
}

// EmptyPolicy is what every accessor returns for a key in state None.
func EmptyPolicy() Policy {
	return Policy{TotalStaked: new(big.Int), Compensation: new(big.Int)}
}

// Clone returns a deep copy so callers never alias ledger-owned amounts.
func (p Policy) Clone() Policy {
	c := p
	c.TotalStaked = cloneAmount(p.TotalStaked)
	c.Compensation = cloneAmount(p.Compensation)
	return c
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// RegionKey identifies the (season, region) bucket of open and closed policies.
type RegionKey struct {
	Season uint16
	Region common.Hash
}
