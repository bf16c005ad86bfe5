// Package escrow is a pull-payment vault: its owner deposits value on behalf
// of payees, and payees (or the owner) withdraw it explicitly.
package escrow

import (
	"context"
	"crop-ledger/internal/chain"
	"crop-ledger/internal/models"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type Escrow struct {
	host     *chain.Host
	addr     common.Address
	owner    common.Address
	deposits map[common.Address]*big.Int
}

// New deploys an escrow owned by owner, normally the component that created it.
func New(host *chain.Host, owner common.Address) *Escrow {
	return &Escrow{
		host:     host,
		addr:     host.Deploy(owner),
		owner:    owner,
		deposits: make(map[common.Address]*big.Int),
	}
}

func (e *Escrow) Address() common.Address {
	return e.addr
}

func (e *Escrow) Owner() common.Address {
	return e.owner
}

func (e *Escrow) Restore(rows []models.EscrowChange) {
	for _, row := range rows {
		if row.Vault != e.addr || row.Amount == nil || row.Amount.Sign() == 0 {
			continue
		}
		e.deposits[row.Payee] = new(big.Int).Set(row.Amount)
	}
}

// DepositsOf returns the pending balance of payee.
func (e *Escrow) DepositsOf(ctx context.Context, payee common.Address) *big.Int {
	var out *big.Int
	e.host.Read(ctx, func() {
		out = new(big.Int).Set(e.pending(payee))
	})
	return out
}

// Deposit credits msg.Value to payee. Only the owner may deposit.
func (e *Escrow) Deposit(ctx context.Context, msg chain.Msg, payee common.Address) error {
	return e.host.Execute(ctx, e.addr, msg, func(c *chain.Call) error {
		if c.Sender != e.owner {
			return fmt.Errorf("%w: Restricted to escrow owner.", models.ErrUnauthorized)
		}
		if c.Value.Sign() == 0 {
			return fmt.Errorf("%w: deposit must carry value", models.ErrInsufficientPayment)
		}

		e.setPending(c, payee, new(big.Int).Add(e.pending(payee), c.Value))
		c.Emit(models.EventDeposited, models.EscrowMovement{Payee: payee, Amount: new(big.Int).Set(c.Value)})
		return nil
	})
}

// Withdraw pays the full pending balance of payee out to payee. The balance
// is zeroed before the transfer; a rejected transfer fails the whole call.
func (e *Escrow) Withdraw(ctx context.Context, msg chain.Msg, payee common.Address) error {
	return e.host.Execute(ctx, e.addr, msg, func(c *chain.Call) error {
		if err := c.NonPayable(); err != nil {
			return err
		}
		if c.Sender != e.owner && c.Sender != payee {
			return fmt.Errorf("%w: Restricted to escrow owner or payee.", models.ErrUnauthorized)
		}
		amount := e.pending(payee)
		if amount.Sign() == 0 {
			return fmt.Errorf("%w: nothing to withdraw for %s", models.ErrInsufficientFunds, payee.Hex())
		}

		e.setPending(c, payee, new(big.Int))
		if err := c.Transfer(payee, amount); err != nil {
			return err
		}
		c.Emit(models.EventWithdrawn, models.EscrowMovement{Payee: payee, Amount: new(big.Int).Set(amount)})
		return nil
	})
}

func (e *Escrow) pending(payee common.Address) *big.Int {
	if v, ok := e.deposits[payee]; ok {
		return v
	}
	return new(big.Int)
}

func (e *Escrow) setPending(c *chain.Call, payee common.Address, amount *big.Int) {
	if amount.Sign() == 0 {
		chain.Delete(c, e.deposits, payee)
	} else {
		chain.Set(c, e.deposits, payee, amount)
	}
	c.Stage(models.EscrowChange{Vault: e.addr, Payee: payee, Amount: new(big.Int).Set(amount)})
}
