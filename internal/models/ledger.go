package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerSummary is the aggregate view of the insurance pool.
type LedgerSummary struct {
	Insurance          common.Address `json:"insurance"`
	Gatekeeper         common.Address `json:"gatekeeper"`
	Oracle             common.Address `json:"oracle"`
	Active             bool           `json:"active"`
	TotalOpenSize      uint64         `json:"total_open_size"`
	TotalOpenContracts uint64         `json:"total_open_contracts"`
	MinimumAmount      *big.Int       `json:"minimum_amount"`
	Balance            *big.Int       `json:"balance"`
	PremiumPerArea     *big.Int       `json:"premium_per_area"`
	HalfPremiumPerArea *big.Int       `json:"half_premium_per_area"`
	KeeperFee          *big.Int       `json:"keeper_fee"`
	OracleFee          *big.Int       `json:"oracle_fee"`
	OracleKeeperFee    *big.Int       `json:"oracle_keeper_fee"`
	OpenSeasons        []uint16       `json:"open_seasons"`
}

// PolicyBookSnapshot is the archive document written to object storage.
type PolicyBookSnapshot struct {
	TakenAt  time.Time     `json:"taken_at"`
	Summary  LedgerSummary `json:"summary"`
	Policies []Policy      `json:"policies"`
}
