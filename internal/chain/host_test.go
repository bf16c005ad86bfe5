package chain

import (
	"context"
	"crop-ledger/internal/models"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

type recordingPersister struct {
	calls [][]models.Change
	err   error
}

func (p *recordingPersister) Persist(_ context.Context, changes []models.Change) error {
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, append([]models.Change(nil), changes...))
	return nil
}

type recordingSink struct {
	events []models.Event
}

func (s *recordingSink) Publish(_ context.Context, events []models.Event) error {
	s.events = append(s.events, events...)
	return nil
}

type receiverFunc func(c *Call) error

func (f receiverFunc) Receive(c *Call) error { return f(c) }

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	contract = common.HexToAddress("0x000000000000000000000000000000000000c0de")
)

func newFundedHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	h := NewHost(opts...)
	require.NoError(t, h.Mint(context.Background(), alice, big.NewInt(1000)))
	return h
}

// ============================================================================
// EXECUTE
// ============================================================================

func TestExecute_MovesValueBeforeRunning(t *testing.T) {
	h := newFundedHost(t)
	ctx := context.Background()

	var seen *big.Int
	err := h.Execute(ctx, contract, Msg{From: alice, Value: big.NewInt(300)}, func(c *Call) error {
		seen = c.Balance()
		assert.Equal(t, alice, c.Sender)
		assert.Equal(t, int64(300), c.Value.Int64())
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(300), seen.Int64())
	assert.Equal(t, int64(700), h.BalanceOf(ctx, alice).Int64())
	assert.Equal(t, int64(300), h.BalanceOf(ctx, contract).Int64())
}

func TestExecute_FailureRollsBackEverything(t *testing.T) {
	persister := &recordingPersister{}
	sink := &recordingSink{}
	h := newFundedHost(t, WithPersister(persister), WithEventSink(sink))
	ctx := context.Background()
	persisted := len(persister.calls)

	state := map[string]int{"counter": 1}
	boom := errors.New("boom")
	err := h.Execute(ctx, contract, Msg{From: alice, Value: big.NewInt(100)}, func(c *Call) error {
		Set(c, state, "counter", 2)
		Set(c, state, "added", 5)
		c.Emit(models.EventDeposited, nil)
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, map[string]int{"counter": 1}, state)
	assert.Equal(t, int64(1000), h.BalanceOf(ctx, alice).Int64())
	assert.Equal(t, int64(0), h.BalanceOf(ctx, contract).Int64())
	assert.Len(t, persister.calls, persisted, "a failed call persists nothing")
	assert.Empty(t, sink.events, "a failed call publishes nothing")
}

func TestExecute_InsufficientFunds(t *testing.T) {
	h := newFundedHost(t)
	ran := false
	err := h.Execute(context.Background(), contract, Msg{From: bob, Value: big.NewInt(1)}, func(c *Call) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
	assert.False(t, ran)
}

func TestExecute_CommitPersistsAndPublishes(t *testing.T) {
	persister := &recordingPersister{}
	sink := &recordingSink{}
	h := newFundedHost(t, WithPersister(persister), WithEventSink(sink))

	err := h.Execute(context.Background(), contract, Msg{From: alice, Value: big.NewInt(10)}, func(c *Call) error {
		c.Emit(models.EventDeposited, models.EscrowMovement{Payee: alice, Amount: big.NewInt(10)})
		return nil
	})
	require.NoError(t, err)

	last := persister.calls[len(persister.calls)-1]
	require.Len(t, last, 2)
	assert.Equal(t, models.BalanceChange{Account: alice, Balance: big.NewInt(990)}, last[0])
	assert.Equal(t, models.BalanceChange{Account: contract, Balance: big.NewInt(10)}, last[1])

	require.Len(t, sink.events, 1)
	assert.Equal(t, models.EventDeposited, sink.events[0].Name)
	assert.Equal(t, contract, sink.events[0].Contract)
}

func TestExecute_PersistFailureRollsBack(t *testing.T) {
	persister := &recordingPersister{}
	h := newFundedHost(t, WithPersister(persister))
	persister.err = errors.New("db down")

	err := h.Execute(context.Background(), contract, Msg{From: alice, Value: big.NewInt(10)}, func(c *Call) error {
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, int64(1000), h.BalanceOf(context.Background(), alice).Int64())
}

func TestExecute_CancelledContext(t *testing.T) {
	h := newFundedHost(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.Execute(ctx, contract, Msg{From: alice}, func(c *Call) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

// ============================================================================
// TRANSFERS AND NESTING
// ============================================================================

func TestTransfer_RejectedPushIsUndoneButCallContinues(t *testing.T) {
	h := newFundedHost(t)
	ctx := context.Background()
	h.Register(bob, receiverFunc(func(c *Call) error {
		return errors.New("not accepting")
	}))

	var transferErr error
	err := h.Execute(ctx, contract, Msg{From: alice, Value: big.NewInt(50)}, func(c *Call) error {
		transferErr = c.Transfer(bob, big.NewInt(20))
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, transferErr, models.ErrTransferRejected)
	assert.Equal(t, int64(0), h.BalanceOf(ctx, bob).Int64())
	assert.Equal(t, int64(50), h.BalanceOf(ctx, contract).Int64())
}

func TestTransfer_ReceiverCanReenterWithoutDeadlock(t *testing.T) {
	h := newFundedHost(t)
	ctx := context.Background()
	other := common.HexToAddress("0x00000000000000000000000000000000000000ff")

	// bob forwards whatever he receives to other through a nested call.
	h.Register(bob, receiverFunc(func(c *Call) error {
		return h.Execute(c.Context(), other, Msg{From: bob, Value: c.Value}, func(*Call) error { return nil })
	}))

	err := h.Execute(ctx, contract, Msg{From: alice, Value: big.NewInt(40)}, func(c *Call) error {
		return c.Transfer(bob, big.NewInt(40))
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), h.BalanceOf(ctx, other).Int64())
	assert.Equal(t, int64(0), h.BalanceOf(ctx, bob).Int64())
}

func TestSend_ReceiverDecides(t *testing.T) {
	h := newFundedHost(t)
	ctx := context.Background()
	h.Register(contract, receiverFunc(func(c *Call) error {
		if c.Sender != alice {
			return models.ErrUnauthorized
		}
		return nil
	}))

	require.NoError(t, h.Send(ctx, Msg{From: alice, Value: big.NewInt(5)}, contract))
	require.NoError(t, h.Mint(ctx, bob, big.NewInt(5)))
	assert.ErrorIs(t, h.Send(ctx, Msg{From: bob, Value: big.NewInt(5)}, contract), models.ErrUnauthorized)
	assert.Equal(t, int64(5), h.BalanceOf(ctx, contract).Int64())
	assert.Equal(t, int64(5), h.BalanceOf(ctx, bob).Int64())
}

func TestDeploy_IsDeterministic(t *testing.T) {
	first := NewHost()
	second := NewHost()
	a1, a2 := first.Deploy(alice), first.Deploy(alice)
	b1, b2 := second.Deploy(alice), second.Deploy(alice)

	assert.NotEqual(t, a1, a2)
	assert.Equal(t, a1, b1)
	assert.Equal(t, a2, b2)
}

func TestMint_RejectsNonPositive(t *testing.T) {
	h := NewHost()
	assert.ErrorIs(t, h.Mint(context.Background(), alice, big.NewInt(0)), models.ErrInvalidArgument)
}

// ============================================================================
// PUBLISHING
// ============================================================================

type blockingSink struct {
	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
	events  []models.Event
}

func (s *blockingSink) Publish(_ context.Context, events []models.Event) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *blockingSink) names() []models.EventName {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EventName
	for _, ev := range s.events {
		out = append(out, ev.Name)
	}
	return out
}

func TestExecute_SlowSinkDoesNotHoldLedgerLock(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := NewHost(WithEventSink(sink))
	ctx := context.Background()

	emit := func(name models.EventName, amount int64) func(*Call) error {
		return func(c *Call) error {
			h.setBalance(c.frame, c.Self, new(big.Int).Add(h.balance(c.Self), big.NewInt(amount)))
			c.Emit(name, nil)
			return nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, h.Execute(ctx, alice, Msg{From: alice}, emit(models.EventDeposited, 1)))
	}()
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first call never reached the sink")
	}

	// The first call is stuck in its sink; the ledger still serves calls.
	go func() {
		defer wg.Done()
		assert.NoError(t, h.Execute(ctx, bob, Msg{From: bob}, emit(models.EventWithdrawn, 2)))
	}()
	assert.Eventually(t, func() bool {
		return h.BalanceOf(ctx, bob).Int64() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.BalanceOf(ctx, alice).Int64())

	close(sink.release)
	wg.Wait()
	assert.Equal(t, []models.EventName{models.EventDeposited, models.EventWithdrawn}, sink.names(), "events keep commit order")
}
