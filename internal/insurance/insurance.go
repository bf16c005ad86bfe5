// Package insurance is the policy registry and fund accountant. Farmers
// register a policy paying half the premium, government validates it paying
// the other half, and an insurer activates it. Every admitted registration
// must stay covered by the insurer liquidity held in the contract.
package insurance

import (
	"context"
	"crop-ledger/internal/chain"
	"crop-ledger/internal/escrow"
	"crop-ledger/internal/gatekeeper"
	"crop-ledger/internal/models"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

type RoleReader interface {
	HasRole(ctx context.Context, role common.Hash, account common.Address) bool
}

// SeasonGate reports whether a season window is open.
type SeasonGate interface {
	IsSeasonOpen(ctx context.Context, season uint16) bool
}

type Params struct {
	PremiumPerArea *big.Int
	KeeperFee      *big.Int
}

type Insurance struct {
	host    *chain.Host
	addr    common.Address
	owner   common.Address
	roles   RoleReader
	seasons SeasonGate
	escrow  *escrow.Escrow

	premiumPerArea *big.Int
	halfPremium    *big.Int
	keeperFee      *big.Int

	active   bool
	policies map[common.Hash]models.Policy
	open     map[models.RegionKey][]common.Hash
	closed   map[models.RegionKey]uint64
	book     book
}

func New(host *chain.Host, roles RoleReader, seasons SeasonGate, owner common.Address, p Params) *Insurance {
	premium := new(big.Int)
	if p.PremiumPerArea != nil {
		premium.Set(p.PremiumPerArea)
	}
	keeperFee := new(big.Int)
	if p.KeeperFee != nil {
		keeperFee.Set(p.KeeperFee)
	}

	i := &Insurance{
		host:           host,
		addr:           host.Deploy(owner),
		owner:          owner,
		roles:          roles,
		seasons:        seasons,
		premiumPerArea: premium,
		halfPremium:    new(big.Int).Quo(premium, big.NewInt(2)),
		keeperFee:      keeperFee,
		active:         true,
		policies:       make(map[common.Hash]models.Policy),
		open:           make(map[models.RegionKey][]common.Hash),
		closed:         make(map[models.RegionKey]uint64),
	}
	i.escrow = escrow.New(host, i.addr)
	host.Register(i.addr, i)
	return i
}

// Restore rebuilds records and counters from persisted rows. Open lists are
// ordered by registration sequence.
func (i *Insurance) Restore(policies []models.PolicyChange, switches []models.SwitchChange) {
	rows := make([]models.Policy, 0, len(policies))
	for _, row := range policies {
		if row.Contract == i.addr && row.Policy.State != models.StateNone {
			rows = append(rows, row.Policy.Clone())
		}
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].Sequence < rows[b].Sequence })

	for _, p := range rows {
		i.policies[p.Key] = p
		rk := models.RegionKey{Season: p.Season, Region: p.Region}
		switch {
		case p.State.IsOpen():
			i.open[rk] = append(i.open[rk], p.Key)
			i.book.totalOpenSize += p.Size
			i.book.totalOpenContracts++
		case p.State == models.StateClosed:
			i.closed[rk]++
		}
		if p.Sequence > i.book.sequence {
			i.book.sequence = p.Sequence
		}
	}
	for _, row := range switches {
		if row.Contract == i.addr {
			i.active = row.Active
		}
	}
}

// ============================================================================
// POLICY TRANSITIONS
// ============================================================================

// Register creates a policy for the calling farmer. The caller pays half the
// premium for size area units; any surplus is returned.
func (i *Insurance) Register(ctx context.Context, msg chain.Msg, season uint16, region, farmID common.Hash, size uint64) error {
	return i.execute(ctx, ActionRegister, msg, func(c *chain.Call) error {
		key, _, err := i.admit(c, ActionRegister, season, region, farmID)
		if err != nil {
			return err
		}
		if size == 0 {
			return fmt.Errorf("%w: size must be positive", models.ErrInvalidArgument)
		}
		if size > math.MaxUint64-i.book.totalOpenSize {
			return fmt.Errorf("%w: size %d overflows the open area of %d", models.ErrInvalidArgument, size, i.book.totalOpenSize)
		}
		required := premiumFor(i.halfPremium, size)
		if c.Value.Cmp(required) < 0 {
			return fmt.Errorf("%w: Not enough money to pay for premium", models.ErrInsufficientPayment)
		}
		surplus := new(big.Int).Sub(c.Value, required)

		openSize := i.book.totalOpenSize + size
		openContracts := i.book.totalOpenContracts + 1
		pool := new(big.Int).Sub(c.Balance(), surplus)
		if MinimumAmount(i.keeperFee, i.premiumPerArea, openContracts, openSize).Cmp(pool) > 0 {
			return fmt.Errorf("%w: Not enough balance staked in the contract", models.ErrInsufficientLiquidity)
		}

		policy := models.EmptyPolicy()
		policy.Key = key
		policy.FarmID = farmID
		policy.Insuree = c.Sender
		policy.Size = size
		policy.Region = region
		policy.Season = season
		policy.TotalStaked = new(big.Int).Set(required)
		policy.Sequence = i.book.sequence + 1

		if err := i.advance(c, ActionRegister, policy); err != nil {
			return err
		}
		rk := models.RegionKey{Season: season, Region: region}
		chain.Set(c, i.open, rk, append(i.open[rk], key))
		chain.Assign(c, &i.book, book{
			totalOpenSize:      openSize,
			totalOpenContracts: openContracts,
			sequence:           policy.Sequence,
		})

		c.Emit(models.EventInsuranceRequested, models.InsuranceRequested{
			Season: season,
			Region: region,
			FarmID: farmID,
			Size:   size,
			Fee:    new(big.Int).Set(required),
			Farmer: c.Sender,
			Key:    key,
		})
		return i.refund(c, surplus)
	})
}

// Validate co-funds a registered policy. Government pays the same amount the
// farmer staked, doubling totalStaked.
func (i *Insurance) Validate(ctx context.Context, msg chain.Msg, season uint16, region, farmID common.Hash) error {
	return i.execute(ctx, ActionValidate, msg, func(c *chain.Call) error {
		key, policy, err := i.admit(c, ActionValidate, season, region, farmID)
		if err != nil {
			return err
		}
		required := new(big.Int).Set(policy.TotalStaked)
		if c.Value.Cmp(required) < 0 {
			return fmt.Errorf("%w: Not enough money to pay for premium", models.ErrInsufficientPayment)
		}
		surplus := new(big.Int).Sub(c.Value, required)

		policy.Government = c.Sender
		policy.TotalStaked = new(big.Int).Add(policy.TotalStaked, required)
		if err := i.advance(c, ActionValidate, policy); err != nil {
			return err
		}

		c.Emit(models.EventInsuranceValidated, models.InsuranceValidated{
			Season:      season,
			Region:      region,
			FarmID:      farmID,
			TotalStaked: new(big.Int).Set(policy.TotalStaked),
			Government:  c.Sender,
			Key:         key,
		})
		return i.refund(c, surplus)
	})
}

// Activate commits the calling insurer to a validated policy. No payment is
// required; any value sent is returned.
func (i *Insurance) Activate(ctx context.Context, msg chain.Msg, season uint16, region, farmID common.Hash) error {
	return i.execute(ctx, ActionActivate, msg, func(c *chain.Call) error {
		key, policy, err := i.admit(c, ActionActivate, season, region, farmID)
		if err != nil {
			return err
		}

		policy.Insurer = c.Sender
		if err := i.advance(c, ActionActivate, policy); err != nil {
			return err
		}

		c.Emit(models.EventInsuranceActivated, models.InsuranceActivated{
			Season:  season,
			Region:  region,
			FarmID:  farmID,
			Insurer: c.Sender,
			Key:     key,
		})
		return i.refund(c, c.Value)
	})
}

// admit runs the checks shared by every transition, in order: suspended,
// payment present, role, season open, existence, state.
func (i *Insurance) admit(c *chain.Call, action Action, season uint16, region, farmID common.Hash) (common.Hash, models.Policy, error) {
	t := transitions[action]
	key := models.ContractKey(season, region, farmID)

	if !i.active {
		return key, models.Policy{}, fmt.Errorf("%w: Contract is currently suspended.", models.ErrContractSuspended)
	}
	if t.Payable && c.Value.Sign() == 0 {
		return key, models.Policy{}, fmt.Errorf("%w: payment required", models.ErrInsufficientPayment)
	}
	if !i.roles.HasRole(c.Context(), t.Role, c.Sender) {
		return key, models.Policy{}, fmt.Errorf("%w: Restricted to %s.", models.ErrUnauthorized, gatekeeper.Label(t.Role))
	}
	if !i.seasons.IsSeasonOpen(c.Context(), season) {
		return key, models.Policy{}, fmt.Errorf("%w: Season must be open.", models.ErrSeasonNotOpen)
	}

	policy, exists := i.policies[key]
	switch {
	case t.From == models.StateNone && exists:
		return key, models.Policy{}, fmt.Errorf("%w: Duplicate", models.ErrDuplicateContract)
	case t.From != models.StateNone && !exists:
		return key, models.Policy{}, fmt.Errorf("%w: Contract do not exist", models.ErrContractNotFound)
	case exists && policy.State != t.From:
		return key, models.Policy{}, fmt.Errorf("%w: %s", models.ErrInvalidStateTransition, t.StateReason)
	}
	if !exists {
		return key, models.EmptyPolicy(), nil
	}
	return key, policy.Clone(), nil
}

// refund returns surplus to the caller after all effects are applied. If the
// caller rejects the push, the surplus is parked in escrow for withdrawal.
func (i *Insurance) refund(c *chain.Call, surplus *big.Int) error {
	if surplus.Sign() == 0 {
		return nil
	}
	err := c.Transfer(c.Sender, surplus)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrTransferRejected) {
		return err
	}
	if err := i.escrow.Deposit(c.Context(), chain.Msg{From: i.addr, Value: surplus}, c.Sender); err != nil {
		return fmt.Errorf("failed to escrow refund: %w", err)
	}
	c.Emit(models.EventRefundEscrowed, models.RefundEscrowed{Payee: c.Sender, Amount: new(big.Int).Set(surplus)})
	return nil
}

// advance moves p along the transition of action and stores it.
func (i *Insurance) advance(c *chain.Call, action Action, p models.Policy) error {
	next, ok := NextState(action, p.State)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrInvalidStateTransition, transitions[action].StateReason)
	}
	p.State = next
	i.putPolicy(c, p)
	return nil
}

func (i *Insurance) putPolicy(c *chain.Call, p models.Policy) {
	chain.Set(c, i.policies, p.Key, p)
	c.Stage(models.PolicyChange{Contract: i.addr, Policy: p.Clone()})
}

// ============================================================================
// LIQUIDITY AND CIRCUIT BREAKER
// ============================================================================

// Receive handles plain transfers: insurers topping up pool liquidity.
func (i *Insurance) Receive(c *chain.Call) error {
	if !i.active {
		return fmt.Errorf("%w: Contract is currently suspended.", models.ErrContractSuspended)
	}
	if !i.roles.HasRole(c.Context(), gatekeeper.InsurerRole, c.Sender) {
		return fmt.Errorf("%w: Restricted to %s.", models.ErrUnauthorized, gatekeeper.Label(gatekeeper.InsurerRole))
	}
	c.Emit(models.EventLiquidityProvided, models.LiquidityMoved{Insurer: c.Sender, Amount: new(big.Int).Set(c.Value)})
	return nil
}

// WithdrawLiquidity returns pool capital to an insurer as long as the pool
// still covers the minimum amount afterwards.
func (i *Insurance) WithdrawLiquidity(ctx context.Context, msg chain.Msg, amount *big.Int) error {
	return i.execute(ctx, "withdraw_liquidity", msg, func(c *chain.Call) error {
		if !i.active {
			return fmt.Errorf("%w: Contract is currently suspended.", models.ErrContractSuspended)
		}
		if err := c.NonPayable(); err != nil {
			return err
		}
		if !i.roles.HasRole(c.Context(), gatekeeper.InsurerRole, c.Sender) {
			return fmt.Errorf("%w: Restricted to %s.", models.ErrUnauthorized, gatekeeper.Label(gatekeeper.InsurerRole))
		}
		if amount == nil || amount.Sign() <= 0 {
			return fmt.Errorf("%w: amount must be positive", models.ErrInvalidArgument)
		}
		remaining := new(big.Int).Sub(c.Balance(), amount)
		if remaining.Cmp(i.minimumAmount()) < 0 {
			return fmt.Errorf("%w: withdrawal would leave %s below minimum %s", models.ErrInsufficientLiquidity, remaining, i.minimumAmount())
		}

		if err := c.Transfer(c.Sender, amount); err != nil {
			return err
		}
		c.Emit(models.EventLiquidityWithdrawn, models.LiquidityMoved{Insurer: c.Sender, Amount: new(big.Int).Set(amount)})
		return nil
	})
}

// WithdrawRefund pays out refunds parked in escrow for the caller.
func (i *Insurance) WithdrawRefund(ctx context.Context, msg chain.Msg) error {
	return i.execute(ctx, "withdraw_refund", msg, func(c *chain.Call) error {
		if !i.active {
			return fmt.Errorf("%w: Contract is currently suspended.", models.ErrContractSuspended)
		}
		if err := c.NonPayable(); err != nil {
			return err
		}
		return i.escrow.Withdraw(c.Context(), chain.Msg{From: c.Sender}, c.Sender)
	})
}

func (i *Insurance) SwitchContractOn(ctx context.Context, msg chain.Msg) error {
	return i.setActive(ctx, msg, true)
}

func (i *Insurance) SwitchContractOff(ctx context.Context, msg chain.Msg) error {
	return i.setActive(ctx, msg, false)
}

func (i *Insurance) setActive(ctx context.Context, msg chain.Msg, active bool) error {
	return i.execute(ctx, "switch", msg, func(c *chain.Call) error {
		if err := c.NonPayable(); err != nil {
			return err
		}
		if c.Sender != i.owner {
			return fmt.Errorf("%w: Restricted to owner.", models.ErrUnauthorized)
		}
		if i.active == active {
			return nil
		}
		chain.Assign(c, &i.active, active)
		c.Stage(models.SwitchChange{Contract: i.addr, Active: active})
		c.Emit(models.EventContractSwitched, models.ContractSwitched{Active: active, By: c.Sender})
		return nil
	})
}

func (i *Insurance) execute(ctx context.Context, op Action, msg chain.Msg, fn func(*chain.Call) error) error {
	if err := i.host.Execute(ctx, i.addr, msg, fn); err != nil {
		slog.Warn("Insurance call rejected", "operation", op, "caller", msg.From.Hex(), "error", err)
		return err
	}
	slog.Info("Insurance call committed", "operation", op, "caller", msg.From.Hex())
	return nil
}

func (i *Insurance) minimumAmount() *big.Int {
	return MinimumAmount(i.keeperFee, i.premiumPerArea, i.book.totalOpenContracts, i.book.totalOpenSize)
}
