package insurance

import "math/big"

// Liquidity must cover every open policy at 2.5x its full two-sided premium.
var (
	coverageNumerator   = big.NewInt(25)
	coverageDenominator = big.NewInt(10)
)

// book holds the global exposure counters. It is only mutated through the
// journaled helpers on Insurance so a failed call restores it.
type book struct {
	totalOpenSize      uint64
	totalOpenContracts uint64
	sequence           uint64
}

// MinimumAmount is the liquidity the pool must hold for the given exposure:
// openContracts*keeperFee + totalOpenSize*premiumPerArea*25/10.
func MinimumAmount(keeperFee, premiumPerArea *big.Int, openContracts, totalOpenSize uint64) *big.Int {
	reserve := new(big.Int).Mul(keeperFee, new(big.Int).SetUint64(openContracts))
	cover := new(big.Int).Mul(premiumPerArea, new(big.Int).SetUint64(totalOpenSize))
	cover.Mul(cover, coverageNumerator)
	cover.Quo(cover, coverageDenominator)
	return reserve.Add(reserve, cover)
}

// premiumFor is the half premium owed by one party for size area units.
func premiumFor(halfPremium *big.Int, size uint64) *big.Int {
	return new(big.Int).Mul(halfPremium, new(big.Int).SetUint64(size))
}
