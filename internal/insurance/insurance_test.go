package insurance

import (
	"context"
	"crop-ledger/internal/chain"
	"crop-ledger/internal/gatekeeper"
	"crop-ledger/internal/models"
	"crop-ledger/internal/oracle"
	"errors"
	"fmt"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// ============================================================================
// FIXTURE
// ============================================================================

const season uint16 = 2021

var (
	owner      = common.HexToAddress("0x0000000000000000000000000000000000000100")
	admin      = common.HexToAddress("0x0000000000000000000000000000000000000101")
	insurer    = common.HexToAddress("0x0000000000000000000000000000000000000102")
	keeper     = common.HexToAddress("0x0000000000000000000000000000000000000103")
	government = common.HexToAddress("0x0000000000000000000000000000000000000104")
	farmer     = common.HexToAddress("0x0000000000000000000000000000000000000105")

	regionA = mustTag("A")
	farm1   = mustTag("F1")
	farm2   = mustTag("F2")

	premiumPerArea = new(big.Int).Div(new(big.Int).Mul(big.NewInt(15), big.NewInt(params.Ether)), big.NewInt(100))
	halfPremium    = new(big.Int).Div(premiumPerArea, big.NewInt(2))
	keeperFee      = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(100))
)

func mustTag(s string) common.Hash {
	tag, err := models.TagFromString(s)
	if err != nil {
		panic(err)
	}
	return tag
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}

func wei(n int64) *big.Int {
	return big.NewInt(n)
}

type receiverFunc func(c *chain.Call) error

func (f receiverFunc) Receive(c *chain.Call) error { return f(c) }

type recordingSink struct {
	events []models.Event
}

func (s *recordingSink) Publish(_ context.Context, events []models.Event) error {
	s.events = append(s.events, events...)
	return nil
}

func (s *recordingSink) last(name models.EventName) (models.Event, bool) {
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Name == name {
			return s.events[i], true
		}
	}
	return models.Event{}, false
}

type fixture struct {
	ctx       context.Context
	host      *chain.Host
	gate      *gatekeeper.Gatekeeper
	facade    *oracle.Facade
	insurance *Insurance
	sink      *recordingSink
}

func newFixture(t require.TestingT) *fixture {
	ctx := context.Background()
	sink := &recordingSink{}
	host := chain.NewHost(chain.WithEventSink(sink))
	gate := gatekeeper.New(host, owner)

	require.NoError(t, gate.AddRole(ctx, chain.Msg{From: owner}, gatekeeper.AdminRole, gatekeeper.DefaultAdminRole))
	require.NoError(t, gate.AddAssignment(ctx, chain.Msg{From: owner}, gatekeeper.AdminRole, admin))
	assignments := map[common.Hash]common.Address{
		gatekeeper.InsurerRole:    insurer,
		gatekeeper.GovernmentRole: government,
		gatekeeper.KeeperRole:     keeper,
		gatekeeper.FarmerRole:     farmer,
	}
	for _, role := range []common.Hash{gatekeeper.InsurerRole, gatekeeper.GovernmentRole, gatekeeper.KeeperRole, gatekeeper.OracleRole, gatekeeper.FarmerRole} {
		require.NoError(t, gate.AddRole(ctx, chain.Msg{From: admin}, role, gatekeeper.AdminRole))
		if account, ok := assignments[role]; ok {
			require.NoError(t, gate.AddAssignment(ctx, chain.Msg{From: admin}, role, account))
		}
	}

	for _, account := range []common.Address{owner, insurer, government, farmer} {
		require.NoError(t, host.Mint(ctx, account, ether(1_000_000)))
	}

	core := oracle.NewCore(host, gate, owner, oracle.Fees{OracleFee: keeperFee, KeeperFee: new(big.Int).Div(keeperFee, big.NewInt(10))})
	facade := oracle.NewFacade(host, core, owner)
	ins := New(host, gate, facade, owner, Params{PremiumPerArea: premiumPerArea, KeeperFee: keeperFee})

	return &fixture{ctx: ctx, host: host, gate: gate, facade: facade, insurance: ins, sink: sink}
}

func (f *fixture) openSeason(t require.TestingT, s uint16) {
	require.NoError(t, f.host.Send(f.ctx, chain.Msg{From: insurer, Value: ether(10)}, f.facade.Core().Address()))
	require.NoError(t, f.facade.OpenSeason(f.ctx, chain.Msg{From: keeper}, s))
}

func (f *fixture) provideLiquidity(t require.TestingT, amount *big.Int) {
	require.NoError(t, f.host.Send(f.ctx, chain.Msg{From: insurer, Value: amount}, f.insurance.Address()))
}

// ready opens the season and funds the pool so a size-10 policy is admitted.
func (f *fixture) ready(t require.TestingT) {
	f.openSeason(t, season)
	f.provideLiquidity(t, ether(10))
}

func (f *fixture) register(t require.TestingT, farmID common.Hash, size uint64) {
	require.NoError(t, f.insurance.Register(f.ctx, chain.Msg{From: farmer, Value: premiumFor(halfPremium, size)}, season, regionA, farmID, size))
}

func expectedMinimum(openContracts, totalOpenSize int64) *big.Int {
	out := new(big.Int).Mul(keeperFee, big.NewInt(openContracts))
	cover := new(big.Int).Mul(premiumPerArea, big.NewInt(totalOpenSize*25))
	cover.Div(cover, big.NewInt(10))
	return out.Add(out, cover)
}

// ============================================================================
// INITIAL STATE
// ============================================================================

func TestInitialState(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, ether(15).String(), new(big.Int).Mul(f.insurance.PremiumPerArea(), big.NewInt(100)).String())
	assert.Equal(t, "75000000000000000", f.insurance.HalfPremiumPerArea().String())
	assert.Zero(t, f.insurance.TotalOpenSize(f.ctx))
	assert.Zero(t, f.insurance.TotalOpenContracts(f.ctx))
	assert.Zero(t, f.insurance.GetBalance(f.ctx).Sign())
	assert.Zero(t, f.insurance.MinimumAmount(f.ctx).Sign())
	assert.Zero(t, f.insurance.GetNumberOpenContracts(f.ctx, season, regionA))
	assert.Zero(t, f.insurance.GetNumberClosedContracts(f.ctx, season, regionA))
	assert.True(t, f.insurance.IsActive(f.ctx))
}

func TestGetContract_UnknownKeyIsZero(t *testing.T) {
	f := newFixture(t)
	p := f.insurance.GetContract(f.ctx, season, regionA, farm1)

	assert.Equal(t, common.Hash{}, p.Key)
	assert.Equal(t, common.Hash{}, p.FarmID)
	assert.Equal(t, models.StateNone, p.State)
	assert.Equal(t, common.Address{}, p.Insuree)
	assert.Equal(t, common.Address{}, p.Government)
	assert.Equal(t, common.Address{}, p.Insurer)
	assert.Zero(t, p.Size)
	assert.Equal(t, common.Hash{}, p.Region)
	assert.Zero(t, p.Season)
	assert.Zero(t, p.TotalStaked.Sign())
	assert.Zero(t, p.Compensation.Sign())

	_, ok := f.insurance.GetOpenContractsAt(f.ctx, season, regionA, 0)
	assert.False(t, ok)
}

func TestProvideLiquidity_OnlyInsurers(t *testing.T) {
	f := newFixture(t)

	err := f.host.Send(f.ctx, chain.Msg{From: owner, Value: wei(1)}, f.insurance.Address())
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Contains(t, err.Error(), "Restricted to insurers.")

	f.provideLiquidity(t, wei(1))
	assert.Equal(t, int64(1), f.insurance.GetBalance(f.ctx).Int64())
	ev, ok := f.sink.last(models.EventLiquidityProvided)
	require.True(t, ok)
	assert.Equal(t, insurer, ev.Data.(models.LiquidityMoved).Insurer)
}

// ============================================================================
// REGISTER
// ============================================================================

func TestRegister_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture)
		msg     chain.Msg
		wantErr error
		reason  string
	}{
		{
			name: "contract must be active",
			prepare: func(t *testing.T, f *fixture) {
				require.NoError(t, f.insurance.SwitchContractOff(f.ctx, chain.Msg{From: owner}))
			},
			msg:     chain.Msg{From: farmer, Value: wei(1)},
			wantErr: models.ErrContractSuspended,
			reason:  "Contract is currently suspended.",
		},
		{
			name:    "must provide value",
			msg:     chain.Msg{From: farmer},
			wantErr: models.ErrInsufficientPayment,
		},
		{
			name:    "only farmer",
			msg:     chain.Msg{From: insurer, Value: wei(1)},
			wantErr: models.ErrUnauthorized,
			reason:  "Restricted to farmers.",
		},
		{
			name:    "season must be open",
			msg:     chain.Msg{From: farmer, Value: wei(1)},
			wantErr: models.ErrSeasonNotOpen,
			reason:  "Season must be open.",
		},
		{
			name:    "cover half of the premium",
			prepare: func(t *testing.T, f *fixture) { f.openSeason(t, season) },
			msg:     chain.Msg{From: farmer, Value: wei(1)},
			wantErr: models.ErrInsufficientPayment,
			reason:  "Not enough money to pay for premium",
		},
		{
			name:    "minimum must be covered",
			prepare: func(t *testing.T, f *fixture) { f.openSeason(t, season) },
			msg:     chain.Msg{From: farmer, Value: premiumFor(halfPremium, 10)},
			wantErr: models.ErrInsufficientLiquidity,
			reason:  "Not enough balance staked in the contract",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.prepare != nil {
				tt.prepare(t, f)
			}
			before := f.host.BalanceOf(f.ctx, tt.msg.From)

			err := f.insurance.Register(f.ctx, tt.msg, season, regionA, farm1, 10)
			require.ErrorIs(t, err, tt.wantErr)
			if tt.reason != "" {
				assert.Contains(t, err.Error(), tt.reason)
			}

			assert.Equal(t, before, f.host.BalanceOf(f.ctx, tt.msg.From), "failed call moves no value")
			assert.Zero(t, f.insurance.TotalOpenContracts(f.ctx))
			assert.Equal(t, models.StateNone, f.insurance.GetContract(f.ctx, season, regionA, farm1).State)
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.register(t, farm1, 10)

	err := f.insurance.Register(f.ctx, chain.Msg{From: farmer, Value: premiumFor(halfPremium, 10)}, season, regionA, farm1, 10)
	assert.ErrorIs(t, err, models.ErrDuplicateContract)
	assert.Equal(t, uint64(1), f.insurance.TotalOpenContracts(f.ctx))
}

func TestRegister_RecordsPolicyAndRefundsSurplus(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	amount := premiumFor(halfPremium, 10)
	key := f.insurance.GetContractKey(season, regionA, farm1)
	before := f.host.BalanceOf(f.ctx, farmer)
	poolBefore := f.insurance.GetBalance(f.ctx)

	err := f.insurance.Register(f.ctx, chain.Msg{From: farmer, Value: new(big.Int).Add(amount, wei(10))}, season, regionA, farm1, 10)
	require.NoError(t, err)

	ev, ok := f.sink.last(models.EventInsuranceRequested)
	require.True(t, ok)
	assert.Equal(t, models.InsuranceRequested{
		Season: season, Region: regionA, FarmID: farm1, Size: 10, Fee: amount, Farmer: farmer, Key: key,
	}, ev.Data)

	p := f.insurance.GetContract(f.ctx, season, regionA, farm1)
	assert.Equal(t, key, p.Key)
	assert.Equal(t, farm1, p.FarmID)
	assert.Equal(t, models.StateRegistered, p.State)
	assert.Equal(t, farmer, p.Insuree)
	assert.Equal(t, common.Address{}, p.Government)
	assert.Equal(t, common.Address{}, p.Insurer)
	assert.Equal(t, uint64(10), p.Size)
	assert.Equal(t, regionA, p.Region)
	assert.Equal(t, season, p.Season)
	assert.Equal(t, amount.String(), p.TotalStaked.String())
	assert.Zero(t, p.Compensation.Sign())

	assert.Equal(t, uint64(1), f.insurance.GetNumberOpenContracts(f.ctx, season, regionA))
	at, ok := f.insurance.GetOpenContractsAt(f.ctx, season, regionA, 0)
	require.True(t, ok)
	assert.Equal(t, key, at)
	assert.Zero(t, f.insurance.GetNumberClosedContracts(f.ctx, season, regionA))

	assert.Equal(t, uint64(10), f.insurance.TotalOpenSize(f.ctx))
	assert.Equal(t, uint64(1), f.insurance.TotalOpenContracts(f.ctx))
	assert.Equal(t, expectedMinimum(1, 10).String(), f.insurance.MinimumAmount(f.ctx).String())

	assert.Equal(t, new(big.Int).Sub(before, amount).String(), f.host.BalanceOf(f.ctx, farmer).String())
	assert.Equal(t, new(big.Int).Add(poolBefore, amount).String(), f.insurance.GetBalance(f.ctx).String())
}

func TestRegister_RejectedRefundIsEscrowed(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	accept := false
	f.host.Register(farmer, receiverFunc(func(*chain.Call) error {
		if !accept {
			return errors.New("refund not accepted")
		}
		return nil
	}))
	amount := premiumFor(halfPremium, 10)
	before := f.host.BalanceOf(f.ctx, farmer)

	require.NoError(t, f.insurance.Register(f.ctx, chain.Msg{From: farmer, Value: new(big.Int).Add(amount, wei(10))}, season, regionA, farm1, 10))
	assert.Equal(t, int64(10), f.insurance.PendingRefund(f.ctx, farmer).Int64())
	assert.Equal(t, new(big.Int).Sub(before, new(big.Int).Add(amount, wei(10))).String(), f.host.BalanceOf(f.ctx, farmer).String())
	_, ok := f.sink.last(models.EventRefundEscrowed)
	assert.True(t, ok)

	accept = true
	require.NoError(t, f.insurance.WithdrawRefund(f.ctx, chain.Msg{From: farmer}))
	assert.Equal(t, new(big.Int).Sub(before, amount).String(), f.host.BalanceOf(f.ctx, farmer).String())
	assert.Zero(t, f.insurance.PendingRefund(f.ctx, farmer).Sign())
}

func TestRegister_ZeroSize(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	err := f.insurance.Register(f.ctx, chain.Msg{From: farmer, Value: wei(1)}, season, regionA, farm1, 0)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestRegister_OpenSizeOverflow(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.register(t, farm1, 10)
	minimum := f.insurance.MinimumAmount(f.ctx)

	huge := uint64(math.MaxUint64 - 5)
	premium := premiumFor(halfPremium, huge)
	require.NoError(t, f.host.Mint(f.ctx, farmer, premium))
	before := f.host.BalanceOf(f.ctx, farmer)

	err := f.insurance.Register(f.ctx, chain.Msg{From: farmer, Value: premium}, season, regionA, farm2, huge)
	require.ErrorIs(t, err, models.ErrInvalidArgument)

	assert.Equal(t, uint64(10), f.insurance.TotalOpenSize(f.ctx))
	assert.Equal(t, uint64(1), f.insurance.TotalOpenContracts(f.ctx))
	assert.Equal(t, 0, minimum.Cmp(f.insurance.MinimumAmount(f.ctx)))
	assert.Equal(t, 0, before.Cmp(f.host.BalanceOf(f.ctx, farmer)), "payment returned with the rejected call")
	assert.Equal(t, models.StateNone, f.insurance.GetContract(f.ctx, season, regionA, farm2).State)

	// The largest size that still fits is only limited by liquidity.
	err = f.insurance.Register(f.ctx, chain.Msg{From: farmer, Value: premiumFor(halfPremium, math.MaxUint64-10)}, season, regionA, farm2, math.MaxUint64-10)
	assert.ErrorIs(t, err, models.ErrInsufficientLiquidity)
}

// ============================================================================
// VALIDATE
// ============================================================================

func TestValidate(t *testing.T) {
	amount := premiumFor(halfPremium, 10)

	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.ready(t)
		require.NoError(t, f.insurance.Register(f.ctx, chain.Msg{From: farmer, Value: new(big.Int).Add(amount, wei(10))}, season, regionA, farm1, 10))
		return f
	}

	t.Run("contract must be active", func(t *testing.T) {
		f := setup(t)
		require.NoError(t, f.insurance.SwitchContractOff(f.ctx, chain.Msg{From: owner}))
		err := f.insurance.Validate(f.ctx, chain.Msg{From: government, Value: wei(1)}, season, regionA, farm1)
		assert.ErrorIs(t, err, models.ErrContractSuspended)
	})

	t.Run("must provide value", func(t *testing.T) {
		f := setup(t)
		err := f.insurance.Validate(f.ctx, chain.Msg{From: government}, season, regionA, farm1)
		assert.ErrorIs(t, err, models.ErrInsufficientPayment)
	})

	t.Run("only government", func(t *testing.T) {
		f := setup(t)
		err := f.insurance.Validate(f.ctx, chain.Msg{From: insurer, Value: wei(1)}, season, regionA, farm1)
		assert.ErrorIs(t, err, models.ErrUnauthorized)
		assert.Contains(t, err.Error(), "Restricted to government.")
	})

	t.Run("season must be open", func(t *testing.T) {
		f := setup(t)
		err := f.insurance.Validate(f.ctx, chain.Msg{From: government, Value: wei(1)}, 2022, regionA, farm1)
		assert.ErrorIs(t, err, models.ErrSeasonNotOpen)
	})

	t.Run("contract must exist", func(t *testing.T) {
		f := setup(t)
		err := f.insurance.Validate(f.ctx, chain.Msg{From: government, Value: wei(1)}, season, regionA, farm2)
		assert.ErrorIs(t, err, models.ErrContractNotFound)
		assert.Contains(t, err.Error(), "Contract do not exist")
	})

	t.Run("cover half of the premium", func(t *testing.T) {
		f := setup(t)
		err := f.insurance.Validate(f.ctx, chain.Msg{From: government, Value: wei(1)}, season, regionA, farm1)
		assert.ErrorIs(t, err, models.ErrInsufficientPayment)
	})

	t.Run("cannot validate twice", func(t *testing.T) {
		f := setup(t)
		require.NoError(t, f.insurance.Validate(f.ctx, chain.Msg{From: government, Value: amount}, season, regionA, farm1))
		err := f.insurance.Validate(f.ctx, chain.Msg{From: government, Value: amount}, season, regionA, farm1)
		assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
		assert.Contains(t, err.Error(), "Contract must be in registered state")
	})

	t.Run("doubles stake and refunds surplus", func(t *testing.T) {
		f := setup(t)
		key := f.insurance.GetContractKey(season, regionA, farm1)
		before := f.host.BalanceOf(f.ctx, government)
		doubled := new(big.Int).Mul(amount, big.NewInt(2))

		require.NoError(t, f.insurance.Validate(f.ctx, chain.Msg{From: government, Value: new(big.Int).Add(amount, wei(7))}, season, regionA, farm1))

		ev, ok := f.sink.last(models.EventInsuranceValidated)
		require.True(t, ok)
		assert.Equal(t, models.InsuranceValidated{
			Season: season, Region: regionA, FarmID: farm1, TotalStaked: doubled, Government: government, Key: key,
		}, ev.Data)

		p := f.insurance.GetContract(f.ctx, season, regionA, farm1)
		assert.Equal(t, models.StateValidated, p.State)
		assert.Equal(t, farmer, p.Insuree)
		assert.Equal(t, government, p.Government)
		assert.Equal(t, common.Address{}, p.Insurer)
		assert.Equal(t, doubled.String(), p.TotalStaked.String())

		assert.Equal(t, uint64(1), f.insurance.GetNumberOpenContracts(f.ctx, season, regionA))
		assert.Equal(t, uint64(10), f.insurance.TotalOpenSize(f.ctx))
		assert.Equal(t, expectedMinimum(1, 10).String(), f.insurance.MinimumAmount(f.ctx).String())
		assert.Equal(t, new(big.Int).Sub(before, amount).String(), f.host.BalanceOf(f.ctx, government).String())
	})
}

// ============================================================================
// ACTIVATE
// ============================================================================

func TestActivate(t *testing.T) {
	amount := premiumFor(halfPremium, 10)

	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.ready(t)
		f.register(t, farm1, 10)
		require.NoError(t, f.insurance.Validate(f.ctx, chain.Msg{From: government, Value: amount}, season, regionA, farm1))
		return f
	}

	t.Run("contract must be active", func(t *testing.T) {
		f := setup(t)
		require.NoError(t, f.insurance.SwitchContractOff(f.ctx, chain.Msg{From: owner}))
		assert.ErrorIs(t, f.insurance.Activate(f.ctx, chain.Msg{From: insurer}, season, regionA, farm1), models.ErrContractSuspended)
	})

	t.Run("only insurer", func(t *testing.T) {
		f := setup(t)
		err := f.insurance.Activate(f.ctx, chain.Msg{From: government}, season, regionA, farm1)
		assert.ErrorIs(t, err, models.ErrUnauthorized)
		assert.Contains(t, err.Error(), "Restricted to insurers.")
	})

	t.Run("season must be open", func(t *testing.T) {
		f := setup(t)
		assert.ErrorIs(t, f.insurance.Activate(f.ctx, chain.Msg{From: insurer}, 2022, regionA, farm1), models.ErrSeasonNotOpen)
	})

	t.Run("contract must exist", func(t *testing.T) {
		f := setup(t)
		assert.ErrorIs(t, f.insurance.Activate(f.ctx, chain.Msg{From: insurer}, season, regionA, farm2), models.ErrContractNotFound)
	})

	t.Run("cannot activate twice", func(t *testing.T) {
		f := setup(t)
		require.NoError(t, f.insurance.Activate(f.ctx, chain.Msg{From: insurer}, season, regionA, farm1))
		err := f.insurance.Activate(f.ctx, chain.Msg{From: insurer}, season, regionA, farm1)
		assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
		assert.Contains(t, err.Error(), "Contract must be in validated state")
	})

	t.Run("registered policy cannot skip validation", func(t *testing.T) {
		f := setup(t)
		f.register(t, farm2, 1)
		assert.ErrorIs(t, f.insurance.Activate(f.ctx, chain.Msg{From: insurer}, season, regionA, farm2), models.ErrInvalidStateTransition)
	})

	t.Run("sets insurer and returns any value", func(t *testing.T) {
		f := setup(t)
		key := f.insurance.GetContractKey(season, regionA, farm1)
		before := f.host.BalanceOf(f.ctx, insurer)

		require.NoError(t, f.insurance.Activate(f.ctx, chain.Msg{From: insurer, Value: wei(3)}, season, regionA, farm1))

		ev, ok := f.sink.last(models.EventInsuranceActivated)
		require.True(t, ok)
		assert.Equal(t, models.InsuranceActivated{Season: season, Region: regionA, FarmID: farm1, Insurer: insurer, Key: key}, ev.Data)

		p := f.insurance.GetContract(f.ctx, season, regionA, farm1)
		assert.Equal(t, models.StateInsured, p.State)
		assert.Equal(t, insurer, p.Insurer)
		assert.Equal(t, new(big.Int).Mul(amount, big.NewInt(2)).String(), p.TotalStaked.String())
		assert.Equal(t, uint64(1), f.insurance.GetNumberOpenContracts(f.ctx, season, regionA))
		assert.Equal(t, before, f.host.BalanceOf(f.ctx, insurer))
	})
}

// ============================================================================
// LIQUIDITY AND CIRCUIT BREAKER
// ============================================================================

func TestWithdrawLiquidity_KeepsMinimum(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.register(t, farm1, 10)
	minimum := f.insurance.MinimumAmount(f.ctx)
	excess := new(big.Int).Sub(f.insurance.GetBalance(f.ctx), minimum)

	err := f.insurance.WithdrawLiquidity(f.ctx, chain.Msg{From: insurer}, new(big.Int).Add(excess, wei(1)))
	assert.ErrorIs(t, err, models.ErrInsufficientLiquidity)

	assert.ErrorIs(t, f.insurance.WithdrawLiquidity(f.ctx, chain.Msg{From: farmer}, wei(1)), models.ErrUnauthorized)
	assert.ErrorIs(t, f.insurance.WithdrawLiquidity(f.ctx, chain.Msg{From: insurer}, wei(0)), models.ErrInvalidArgument)

	require.NoError(t, f.insurance.WithdrawLiquidity(f.ctx, chain.Msg{From: insurer}, excess))
	assert.Equal(t, minimum.String(), f.insurance.GetBalance(f.ctx).String())
}

func TestSwitch_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	err := f.insurance.SwitchContractOff(f.ctx, chain.Msg{From: admin})
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.True(t, f.insurance.IsActive(f.ctx))

	require.NoError(t, f.insurance.SwitchContractOff(f.ctx, chain.Msg{From: owner}))
	assert.False(t, f.insurance.IsActive(f.ctx))
	require.NoError(t, f.insurance.SwitchContractOn(f.ctx, chain.Msg{From: owner}))
	assert.True(t, f.insurance.IsActive(f.ctx))
}

func TestSuspended_BlocksEveryStateChange(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.register(t, farm1, 10)
	require.NoError(t, f.insurance.SwitchContractOff(f.ctx, chain.Msg{From: owner}))

	calls := map[string]func() error{
		"register": func() error {
			return f.insurance.Register(f.ctx, chain.Msg{From: farmer, Value: premiumFor(halfPremium, 1)}, season, regionA, farm2, 1)
		},
		"validate": func() error {
			return f.insurance.Validate(f.ctx, chain.Msg{From: government, Value: premiumFor(halfPremium, 10)}, season, regionA, farm1)
		},
		"activate": func() error {
			return f.insurance.Activate(f.ctx, chain.Msg{From: insurer}, season, regionA, farm1)
		},
		"top up": func() error {
			return f.host.Send(f.ctx, chain.Msg{From: insurer, Value: wei(1)}, f.insurance.Address())
		},
		"withdraw liquidity": func() error {
			return f.insurance.WithdrawLiquidity(f.ctx, chain.Msg{From: insurer}, wei(1))
		},
		"withdraw refund": func() error {
			return f.insurance.WithdrawRefund(f.ctx, chain.Msg{From: farmer})
		},
	}
	for name, call := range calls {
		assert.ErrorIs(t, call(), models.ErrContractSuspended, name)
	}
}

func TestRestore_RebuildsCounters(t *testing.T) {
	f := newFixture(t)
	f.ready(t)
	f.register(t, farm1, 10)
	f.register(t, farm2, 4)

	var rows []models.PolicyChange
	for _, p := range f.insurance.Policies(f.ctx) {
		rows = append(rows, models.PolicyChange{Contract: f.insurance.Address(), Policy: p})
	}
	closed := models.EmptyPolicy()
	closed.Key = common.HexToHash("0x01")
	closed.State = models.StateClosed
	closed.Season = season
	closed.Region = regionA
	closed.Sequence = 3
	rows = append([]models.PolicyChange{{Contract: f.insurance.Address(), Policy: closed}}, rows...)

	g := newFixture(t)
	g.insurance.Restore(rows, []models.SwitchChange{{Contract: g.insurance.Address(), Active: false}})

	assert.Equal(t, uint64(14), g.insurance.TotalOpenSize(g.ctx))
	assert.Equal(t, uint64(2), g.insurance.GetNumberOpenContracts(g.ctx, season, regionA))
	assert.Equal(t, uint64(1), g.insurance.GetNumberClosedContracts(g.ctx, season, regionA))
	first, ok := g.insurance.GetOpenContractsAt(g.ctx, season, regionA, 0)
	require.True(t, ok)
	assert.Equal(t, f.insurance.GetContractKey(season, regionA, farm1), first)
	assert.False(t, g.insurance.IsActive(g.ctx))
	assert.Equal(t, f.insurance.MinimumAmount(f.ctx).String(), g.insurance.MinimumAmount(g.ctx).String())
}

// ============================================================================
// PROPERTIES
// ============================================================================

func TestMinimumAmount_TracksOpenExposure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(t)
		f.openSeason(t, season)
		f.provideLiquidity(t, ether(100_000))

		sizes := rapid.SliceOfN(rapid.Uint64Range(1, 500), 0, 12).Draw(t, "sizes")
		var total uint64
		for n, size := range sizes {
			farmID := mustTag(fmt.Sprintf("farm-%d", n))
			f.register(t, farmID, size)
			total += size

			assert.Equal(t, expectedMinimum(int64(n+1), int64(total)).String(), f.insurance.MinimumAmount(f.ctx).String())
			assert.Equal(t, f.insurance.GetContractKey(season, regionA, farmID), f.insurance.GetContract(f.ctx, season, regionA, farmID).Key)
		}
		assert.Equal(t, total, f.insurance.TotalOpenSize(f.ctx))
		assert.Equal(t, uint64(len(sizes)), f.insurance.TotalOpenContracts(f.ctx))
		assert.Equal(t, uint64(len(sizes)), f.insurance.GetNumberOpenContracts(f.ctx, season, regionA)+f.insurance.GetNumberClosedContracts(f.ctx, season, regionA))
		if len(sizes) == 0 {
			assert.Zero(t, f.insurance.MinimumAmount(f.ctx).Sign())
		}
	})
}

func TestContractKey_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.Uint16().Draw(t, "season")
		region := common.BytesToHash(rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "region"))
		farmID := common.BytesToHash(rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "farm"))

		first := models.ContractKey(s, region, farmID)
		assert.Equal(t, first, models.ContractKey(s, region, farmID))
		if s < 65535 {
			assert.NotEqual(t, first, models.ContractKey(s+1, region, farmID))
		}
	})
}

func TestTransitions_SetResultingState(t *testing.T) {
	f := newFixture(t)
	f.ready(t)

	f.register(t, farm1, 10)
	assert.Equal(t, transitions[ActionRegister].To, f.insurance.GetContract(f.ctx, season, regionA, farm1).State)

	staked := f.insurance.GetContract(f.ctx, season, regionA, farm1).TotalStaked
	require.NoError(t, f.insurance.Validate(f.ctx, chain.Msg{From: government, Value: staked}, season, regionA, farm1))
	assert.Equal(t, transitions[ActionValidate].To, f.insurance.GetContract(f.ctx, season, regionA, farm1).State)

	require.NoError(t, f.insurance.Activate(f.ctx, chain.Msg{From: insurer}, season, regionA, farm1))
	assert.Equal(t, transitions[ActionActivate].To, f.insurance.GetContract(f.ctx, season, regionA, farm1).State)
	assert.Equal(t, models.StateInsured, transitions[ActionActivate].To)
}

func TestNextState_ForwardOnly(t *testing.T) {
	next, ok := NextState(ActionRegister, models.StateNone)
	require.True(t, ok)
	assert.Equal(t, models.StateRegistered, next)

	_, ok = NextState(ActionValidate, models.StateInsured)
	assert.False(t, ok)
	_, ok = NextState(ActionActivate, models.StateRegistered)
	assert.False(t, ok)
}
