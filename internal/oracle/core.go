// Package oracle gates policy transitions on season windows. Keepers open and
// close seasons through the facade and earn a flat fee per toggle, paid out
// of the core's balance into its escrow.
package oracle

import (
	"context"
	"crop-ledger/internal/chain"
	"crop-ledger/internal/escrow"
	"crop-ledger/internal/gatekeeper"
	"crop-ledger/internal/models"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// RoleReader is the read-only view of the role graph the oracle needs.
type RoleReader interface {
	HasRole(ctx context.Context, role common.Hash, account common.Address) bool
}

// Fees are fixed at deployment.
type Fees struct {
	OracleFee *big.Int
	KeeperFee *big.Int
}

type Core struct {
	host    *chain.Host
	addr    common.Address
	roles   RoleReader
	escrow  *escrow.Escrow
	fees    Fees
	seasons map[uint16]bool
}

func NewCore(host *chain.Host, roles RoleReader, deployer common.Address, fees Fees) *Core {
	c := &Core{
		host:    host,
		addr:    host.Deploy(deployer),
		roles:   roles,
		fees:    Fees{OracleFee: amountOrZero(fees.OracleFee), KeeperFee: amountOrZero(fees.KeeperFee)},
		seasons: make(map[uint16]bool),
	}
	c.escrow = escrow.New(host, c.addr)
	host.Register(c.addr, c)
	return c
}

func (o *Core) Address() common.Address {
	return o.addr
}

func (o *Core) Escrow() *escrow.Escrow {
	return o.escrow
}

func (o *Core) OracleFee() *big.Int {
	return new(big.Int).Set(o.fees.OracleFee)
}

func (o *Core) KeeperFee() *big.Int {
	return new(big.Int).Set(o.fees.KeeperFee)
}

func (o *Core) Restore(rows []models.SeasonChange) {
	for _, row := range rows {
		if row.Oracle != o.addr {
			continue
		}
		if row.Open {
			o.seasons[row.Season] = true
		} else {
			delete(o.seasons, row.Season)
		}
	}
}

func (o *Core) IsSeasonOpen(ctx context.Context, season uint16) bool {
	var open bool
	o.host.Read(ctx, func() {
		open = o.seasons[season]
	})
	return open
}

// OpenSeasons lists the currently open seasons in ascending order.
func (o *Core) OpenSeasons(ctx context.Context) []uint16 {
	var out []uint16
	o.host.Read(ctx, func() {
		for season, open := range o.seasons {
			if open {
				out = append(out, season)
			}
		}
	})
	sortSeasons(out)
	return out
}

func (o *Core) OpenSeason(ctx context.Context, msg chain.Msg, season uint16) error {
	return o.toggle(ctx, msg, season, true)
}

func (o *Core) CloseSeason(ctx context.Context, msg chain.Msg, season uint16) error {
	return o.toggle(ctx, msg, season, false)
}

func (o *Core) toggle(ctx context.Context, msg chain.Msg, season uint16, open bool) error {
	return o.host.Execute(ctx, o.addr, msg, func(c *chain.Call) error {
		if err := c.NonPayable(); err != nil {
			return err
		}
		if !o.roles.HasRole(c.Context(), gatekeeper.KeeperRole, c.Sender) {
			return fmt.Errorf("%w: Restricted to %s.", models.ErrUnauthorized, gatekeeper.Label(gatekeeper.KeeperRole))
		}
		if o.seasons[season] == open {
			if open {
				return fmt.Errorf("%w: season %d", models.ErrAlreadyOpen, season)
			}
			return fmt.Errorf("%w: season %d", models.ErrAlreadyClosed, season)
		}

		if open {
			chain.Set(c, o.seasons, season, true)
		} else {
			chain.Delete(c, o.seasons, season)
		}
		c.Stage(models.SeasonChange{Oracle: o.addr, Season: season, Open: open})

		fee := o.KeeperFee()
		if fee.Sign() > 0 {
			if c.Balance().Cmp(fee) < 0 {
				return fmt.Errorf("%w: oracle cannot cover keeper fee of %s", models.ErrInsufficientFunds, fee)
			}
			if err := o.escrow.Deposit(c.Context(), chain.Msg{From: o.addr, Value: fee}, c.Sender); err != nil {
				return fmt.Errorf("failed to pay keeper fee: %w", err)
			}
		}

		name := models.EventSeasonClosed
		if open {
			name = models.EventSeasonOpened
		}
		c.Emit(name, models.SeasonToggled{Season: season, Keeper: c.Sender, Fee: fee})
		slog.Info("Season toggled", "season", season, "open", open, "keeper", c.Sender.Hex())
		return nil
	})
}

// Receive accepts funding for keeper fees from insurers only.
func (o *Core) Receive(c *chain.Call) error {
	if !o.roles.HasRole(c.Context(), gatekeeper.InsurerRole, c.Sender) {
		return fmt.Errorf("%w: Restricted to %s.", models.ErrUnauthorized, gatekeeper.Label(gatekeeper.InsurerRole))
	}
	c.Emit(models.EventOracleFunded, models.OracleFunded{From: c.Sender, Amount: new(big.Int).Set(c.Value)})
	return nil
}

// PendingFees is the keeper fee balance account can withdraw.
func (o *Core) PendingFees(ctx context.Context, account common.Address) *big.Int {
	return o.escrow.DepositsOf(ctx, account)
}

// WithdrawFees pays the caller's accumulated keeper fees out of escrow.
func (o *Core) WithdrawFees(ctx context.Context, msg chain.Msg) error {
	return o.escrow.Withdraw(ctx, msg, msg.From)
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
