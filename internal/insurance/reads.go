package insurance

import (
	"context"
	"crop-ledger/internal/escrow"
	"crop-ledger/internal/models"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

func (i *Insurance) Address() common.Address {
	return i.addr
}

func (i *Insurance) Owner() common.Address {
	return i.owner
}

func (i *Insurance) Escrow() *escrow.Escrow {
	return i.escrow
}

// GetContractKey derives the policy key. It does not touch ledger state.
func (i *Insurance) GetContractKey(season uint16, region, farmID common.Hash) common.Hash {
	return models.ContractKey(season, region, farmID)
}

// GetContract returns the policy record, or the all-zero record when none
// exists for the key.
func (i *Insurance) GetContract(ctx context.Context, season uint16, region, farmID common.Hash) models.Policy {
	return i.GetContractByKey(ctx, models.ContractKey(season, region, farmID))
}

func (i *Insurance) GetContractByKey(ctx context.Context, key common.Hash) models.Policy {
	out := models.EmptyPolicy()
	i.host.Read(ctx, func() {
		if p, ok := i.policies[key]; ok {
			out = p.Clone()
		}
	})
	out.Sequence = 0
	return out
}

func (i *Insurance) GetNumberOpenContracts(ctx context.Context, season uint16, region common.Hash) uint64 {
	var n uint64
	i.host.Read(ctx, func() {
		n = uint64(len(i.open[models.RegionKey{Season: season, Region: region}]))
	})
	return n
}

func (i *Insurance) GetNumberClosedContracts(ctx context.Context, season uint16, region common.Hash) uint64 {
	var n uint64
	i.host.Read(ctx, func() {
		n = i.closed[models.RegionKey{Season: season, Region: region}]
	})
	return n
}

// GetOpenContractsAt returns the key at index in the open list of (season,
// region). An out of range index reports false.
func (i *Insurance) GetOpenContractsAt(ctx context.Context, season uint16, region common.Hash, index uint64) (common.Hash, bool) {
	var (
		key common.Hash
		ok  bool
	)
	i.host.Read(ctx, func() {
		keys := i.open[models.RegionKey{Season: season, Region: region}]
		if index < uint64(len(keys)) {
			key, ok = keys[index], true
		}
	})
	return key, ok
}

func (i *Insurance) TotalOpenSize(ctx context.Context) uint64 {
	var n uint64
	i.host.Read(ctx, func() { n = i.book.totalOpenSize })
	return n
}

func (i *Insurance) TotalOpenContracts(ctx context.Context) uint64 {
	var n uint64
	i.host.Read(ctx, func() { n = i.book.totalOpenContracts })
	return n
}

func (i *Insurance) MinimumAmount(ctx context.Context) *big.Int {
	var out *big.Int
	i.host.Read(ctx, func() { out = i.minimumAmount() })
	return out
}

// GetBalance is the pool balance held by the contract.
func (i *Insurance) GetBalance(ctx context.Context) *big.Int {
	return i.host.BalanceOf(ctx, i.addr)
}

func (i *Insurance) IsActive(ctx context.Context) bool {
	var active bool
	i.host.Read(ctx, func() { active = i.active })
	return active
}

func (i *Insurance) PremiumPerArea() *big.Int {
	return new(big.Int).Set(i.premiumPerArea)
}

func (i *Insurance) HalfPremiumPerArea() *big.Int {
	return new(big.Int).Set(i.halfPremium)
}

func (i *Insurance) KeeperFee() *big.Int {
	return new(big.Int).Set(i.keeperFee)
}

// PendingRefund is the refund parked in escrow for account.
func (i *Insurance) PendingRefund(ctx context.Context, account common.Address) *big.Int {
	return i.escrow.DepositsOf(ctx, account)
}

// Policies lists every record in registration order.
func (i *Insurance) Policies(ctx context.Context) []models.Policy {
	var out []models.Policy
	i.host.Read(ctx, func() {
		out = make([]models.Policy, 0, len(i.policies))
		for _, p := range i.policies {
			out = append(out, p.Clone())
		}
	})
	sort.Slice(out, func(a, b int) bool { return out[a].Sequence < out[b].Sequence })
	return out
}
