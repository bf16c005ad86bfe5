package oracle

import (
	"context"
	"crop-ledger/internal/chain"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Facade is the stable entry point in front of the core. It forwards season
// toggles with the original caller and exposes the reads Insurance relies on.
type Facade struct {
	addr common.Address
	core *Core
}

func NewFacade(host *chain.Host, core *Core, deployer common.Address) *Facade {
	return &Facade{addr: host.Deploy(deployer), core: core}
}

func (f *Facade) Address() common.Address {
	return f.addr
}

func (f *Facade) Core() *Core {
	return f.core
}

func (f *Facade) OpenSeason(ctx context.Context, msg chain.Msg, season uint16) error {
	return f.core.OpenSeason(ctx, msg, season)
}

func (f *Facade) CloseSeason(ctx context.Context, msg chain.Msg, season uint16) error {
	return f.core.CloseSeason(ctx, msg, season)
}

func (f *Facade) IsSeasonOpen(ctx context.Context, season uint16) bool {
	return f.core.IsSeasonOpen(ctx, season)
}

func (f *Facade) OracleFee() *big.Int {
	return f.core.OracleFee()
}

func (f *Facade) KeeperFee() *big.Int {
	return f.core.KeeperFee()
}

func sortSeasons(seasons []uint16) {
	sort.Slice(seasons, func(i, j int) bool { return seasons[i] < seasons[j] })
}
