package chain

import (
	"context"
	"crop-ledger/internal/models"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Call is the execution context handed to contract code.
type Call struct {
	ctx   context.Context
	frame *frame
	host  *Host

	Sender common.Address
	Self   common.Address
	Value  *big.Int
}

// Context carries the running call. Pass it to other components so their
// calls nest inside this one.
func (c *Call) Context() context.Context {
	return c.ctx
}

// Journal records undo, run in reverse order if the call is rolled back.
func (c *Call) Journal(undo func()) {
	c.frame.journal(undo)
}

// Stage queues a change for persistence when the top-level call commits.
func (c *Call) Stage(change models.Change) {
	c.frame.stage(change)
}

// Emit queues an event from the running contract.
func (c *Call) Emit(name models.EventName, data any) {
	c.frame.emit(models.NewEvent(c.Self, name, data))
}

// Balance is the running contract's own balance.
func (c *Call) Balance() *big.Int {
	return new(big.Int).Set(c.host.balance(c.Self))
}

func (c *Call) BalanceOf(account common.Address) *big.Int {
	return new(big.Int).Set(c.host.balance(account))
}

// Transfer pushes amount from the running contract to to. If to rejects the
// value the transfer is undone and an ErrTransferRejected error returned;
// the call itself stays alive so the caller can fall back to escrow.
func (c *Call) Transfer(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	return c.host.push(c.ctx, c.frame, c.Self, to, amount)
}

// Set assigns m[k] = v and journals the previous entry.
func Set[K comparable, V any](c *Call, m map[K]V, k K, v V) {
	prev, had := m[k]
	c.Journal(func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

// Delete removes m[k] and journals the previous entry.
func Delete[K comparable, V any](c *Call, m map[K]V, k K) {
	prev, had := m[k]
	if !had {
		return
	}
	c.Journal(func() { m[k] = prev })
	delete(m, k)
}

// Assign sets *p = v and journals the previous value.
func Assign[T any](c *Call, p *T, v T) {
	prev := *p
	c.Journal(func() { *p = prev })
	*p = v
}

// NonPayable rejects calls that carry value.
func (c *Call) NonPayable() error {
	if c.Value.Sign() > 0 {
		return fmt.Errorf("%w: call does not accept value", models.ErrInvalidArgument)
	}
	return nil
}
