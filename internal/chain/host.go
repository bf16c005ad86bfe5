// Package chain is the host runtime the ledger contracts execute on. It keeps
// account balances, serialises top-level calls, journals every mutation so a
// failed call is rolled back completely, and hands the changes and events of
// a committed call to the persister and event sinks.
//
// Contract code must never mutate a *big.Int held in its state in place:
// replace it with a fresh value so journal entries keep the old one intact.
package chain

import (
	"context"
	"crop-ledger/internal/models"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Msg identifies the caller of a call and the value attached to it.
type Msg struct {
	From  common.Address
	Value *big.Int
}

// Persister stores the changes of one committed call atomically.
type Persister interface {
	Persist(ctx context.Context, changes []models.Change) error
}

// EventSink receives the events of a committed call, in emission order.
type EventSink interface {
	Publish(ctx context.Context, events []models.Event) error
}

// Receiver is implemented by accounts that run code when value reaches them,
// either through a plain Send or a Transfer pushed from another call.
type Receiver interface {
	Receive(c *Call) error
}

type Option func(*Host)

func WithPersister(p Persister) Option {
	return func(h *Host) { h.persister = p }
}

func WithEventSink(s EventSink) Option {
	return func(h *Host) { h.sinks = append(h.sinks, s) }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

type Host struct {
	mu        sync.Mutex
	balances  map[common.Address]*big.Int
	receivers map[common.Address]Receiver
	nonces    map[common.Address]uint64
	persister Persister
	sinks     []EventSink
	logger    *slog.Logger

	// Committed events wait in outbox until a caller drains it. Only the
	// holder of pubMu drains, so sinks see events in commit order without
	// holding up the ledger lock.
	outMu  sync.Mutex
	outbox []models.Event
	pubMu  sync.Mutex
}

func NewHost(opts ...Option) *Host {
	h := &Host{
		balances:  make(map[common.Address]*big.Int),
		receivers: make(map[common.Address]Receiver),
		nonces:    make(map[common.Address]uint64),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Deploy reserves the next contract address for deployer. Addresses are
// derived like contract creation addresses, so the same deployment order
// yields the same addresses across restarts.
func (h *Host) Deploy(deployer common.Address) common.Address {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := crypto.CreateAddress(deployer, h.nonces[deployer])
	h.nonces[deployer]++
	return addr
}

// Register installs the code that runs when value is sent to addr.
func (h *Host) Register(addr common.Address, r Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.receivers[addr] = r
}

// RestoreBalances loads persisted balances. It must run before serving calls.
func (h *Host) RestoreBalances(rows []models.BalanceChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, row := range rows {
		if row.Balance == nil || row.Balance.Sign() == 0 {
			continue
		}
		h.balances[row.Account] = new(big.Int).Set(row.Balance)
	}
}

// Execute runs fn as a call from msg.From to self. msg.Value moves from the
// caller to self before fn runs. If fn fails, every mutation made during the
// call is undone and nothing is persisted or published.
//
// Calls made with a context that already belongs to a running call of this
// host are nested: they share the outer call's journal and lock.
func (h *Host) Execute(ctx context.Context, self common.Address, msg Msg, fn func(*Call) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f := h.frameFrom(ctx); f != nil {
		return h.run(ctx, f, self, msg, fn)
	}

	if err := h.commit(ctx, self, msg, fn); err != nil {
		return err
	}
	// The call is committed; a caller giving up now must not cut publishing short.
	h.drain(context.WithoutCancel(ctx))
	return nil
}

// commit runs a top-level call under the host lock, persists its changes and
// moves its events to the outbox. The outbox is filled under the lock, so it
// holds events in commit order.
func (h *Host) commit(ctx context.Context, self common.Address, msg Msg, fn func(*Call) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f := &frame{host: h}
	ctx = context.WithValue(ctx, frameKey{}, f)
	if err := h.run(ctx, f, self, msg, fn); err != nil {
		return err
	}
	if h.persister != nil && len(f.changes) > 0 {
		if err := h.persister.Persist(ctx, f.changes); err != nil {
			f.revert(snapshot{})
			return fmt.Errorf("failed to persist ledger call: %w", err)
		}
	}
	if len(f.events) > 0 && len(h.sinks) > 0 {
		h.outMu.Lock()
		h.outbox = append(h.outbox, f.events...)
		h.outMu.Unlock()
	}
	return nil
}

// Send is a plain value transfer. If the recipient registered a Receiver it
// decides whether to accept the value.
func (h *Host) Send(ctx context.Context, msg Msg, to common.Address) error {
	return h.Execute(ctx, to, msg, func(c *Call) error {
		if r, ok := h.receivers[to]; ok {
			return r.Receive(c)
		}
		return nil
	})
}

// Mint credits amount to account out of thin air. Only genesis funding and
// the development faucet use it.
func (h *Host) Mint(ctx context.Context, account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: mint amount must be positive", models.ErrInvalidArgument)
	}
	return h.Execute(ctx, account, Msg{From: account}, func(c *Call) error {
		h.setBalance(c.frame, account, new(big.Int).Add(h.balance(account), amount))
		return nil
	})
}

// Read runs fn under the host lock, or inline when ctx belongs to a running
// call. fn must not mutate ledger state.
func (h *Host) Read(ctx context.Context, fn func()) {
	if h.frameFrom(ctx) != nil {
		fn()
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
}

// BalanceOf returns a copy of the balance held by account.
func (h *Host) BalanceOf(ctx context.Context, account common.Address) *big.Int {
	var out *big.Int
	h.Read(ctx, func() {
		out = new(big.Int).Set(h.balance(account))
	})
	return out
}

func (h *Host) run(ctx context.Context, f *frame, self common.Address, msg Msg, fn func(*Call) error) error {
	snap := f.snapshot()
	value := new(big.Int)
	if msg.Value != nil {
		value.Set(msg.Value)
	}
	if value.Sign() < 0 {
		return fmt.Errorf("%w: negative call value", models.ErrInvalidArgument)
	}
	if value.Sign() > 0 {
		if err := h.move(f, msg.From, self, value); err != nil {
			f.revert(snap)
			return err
		}
	}

	call := &Call{ctx: ctx, frame: f, host: h, Sender: msg.From, Self: self, Value: value}
	if err := fn(call); err != nil {
		f.revert(snap)
		return err
	}
	return nil
}

// push moves amount from -> to and runs the recipient's Receiver. A rejected
// push is undone on its own; the surrounding call keeps running.
func (h *Host) push(ctx context.Context, f *frame, from, to common.Address, amount *big.Int) error {
	snap := f.snapshot()
	if err := h.move(f, from, to, amount); err != nil {
		f.revert(snap)
		return err
	}
	r, ok := h.receivers[to]
	if !ok {
		return nil
	}
	call := &Call{ctx: ctx, frame: f, host: h, Sender: from, Self: to, Value: new(big.Int).Set(amount)}
	if err := r.Receive(call); err != nil {
		f.revert(snap)
		return fmt.Errorf("%w: %s: %w", models.ErrTransferRejected, to.Hex(), err)
	}
	return nil
}

func (h *Host) move(f *frame, from, to common.Address, amount *big.Int) error {
	fromBal := h.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", models.ErrInsufficientFunds, from.Hex(), fromBal, amount)
	}
	h.setBalance(f, from, new(big.Int).Sub(fromBal, amount))
	h.setBalance(f, to, new(big.Int).Add(h.balance(to), amount))
	return nil
}

func (h *Host) balance(account common.Address) *big.Int {
	if bal, ok := h.balances[account]; ok {
		return bal
	}
	return new(big.Int)
}

func (h *Host) setBalance(f *frame, account common.Address, bal *big.Int) {
	prev, had := h.balances[account]
	f.journal(func() {
		if had {
			h.balances[account] = prev
		} else {
			delete(h.balances, account)
		}
	})
	if bal.Sign() == 0 {
		delete(h.balances, account)
	} else {
		h.balances[account] = bal
	}
	f.stage(models.BalanceChange{Account: account, Balance: new(big.Int).Set(bal)})
}

// drain publishes the outbox. By the time it returns, the events of the
// caller's own call have been handed to the sinks, by this caller or by the
// one that held pubMu before it.
func (h *Host) drain(ctx context.Context) {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	for {
		h.outMu.Lock()
		events := h.outbox
		h.outbox = nil
		h.outMu.Unlock()
		if len(events) == 0 {
			return
		}
		h.publish(ctx, events)
	}
}

func (h *Host) publish(ctx context.Context, events []models.Event) {
	for _, sink := range h.sinks {
		if err := sink.Publish(ctx, events); err != nil {
			h.logger.Error("Failed to publish ledger events", "count", len(events), "error", err)
		}
	}
}

func (h *Host) frameFrom(ctx context.Context) *frame {
	f, ok := ctx.Value(frameKey{}).(*frame)
	if !ok || f.host != h {
		return nil
	}
	return f
}
