package position

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"lend-cycle-bot/internal/market"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	twoEther = new(big.Int).Mul(big.NewInt(2), big.NewInt(1_000_000_000_000_000_000))
	usdc     = func(units int64) *big.Int { return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000)) }
)

type recorded struct {
	mu  sync.Mutex
	trs []Transition
}

func (r *recorded) RecordTransition(_ context.Context, tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trs = append(r.trs, tr)
}

func requireAmount(t *testing.T, want, got *big.Int) {
	t.Helper()
	require.NotNil(t, got)
	require.Zero(t, want.Cmp(got), "expected %s, got %s", want, got)
}

func testKey() Key {
	return Key{Owner: testOwner, CollateralAsset: testWETH, DebtAsset: testUSDC}
}

func newTestOrchestrator(fake *fakeMarket, opts Options) *Orchestrator {
	return New(fake, testKey(), opts)
}

func TestLifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMarket()
	fake.capacity = usdc(1000)
	// covers the interest accrued before repay
	fake.setBalance(testUSDC, testOwner, usdc(1))
	rec := &recorded{}
	orch := newTestOrchestrator(fake, Options{Recorder: rec})

	supply, err := orch.SupplyCollateral(ctx, twoEther)
	require.NoError(t, err)
	require.Equal(t, StateSupplied, orch.Position().State)

	borrow, err := orch.BorrowAgainstPosition(ctx, 2000)
	require.NoError(t, err)
	require.Equal(t, StateBorrowed, orch.Position().State)
	requireAmount(t, usdc(200), borrow.Amount)
	requireAmount(t, usdc(200), fake.balanceOf(dUSDC, testOwner))

	// 200 -> 200.5 after accrual
	fake.accrue(dUSDC, testOwner, big.NewInt(500_000))

	repay, err := orch.RepayDebt(ctx)
	require.NoError(t, err)
	require.Equal(t, StateRepaid, orch.Position().State)
	requireAmount(t, big.NewInt(200_500_000), repay.Amount)
	require.Zero(t, repay.Remaining.Sign())
	require.Zero(t, fake.balanceOf(dUSDC, testOwner).Sign())

	withdraw, err := orch.WithdrawCollateral(ctx, twoEther)
	require.NoError(t, err)
	pos := orch.Position()
	require.Equal(t, StateWithdrawn, pos.State)
	require.Nil(t, pos.Failure)

	net := new(big.Int).Add(supply.Delta(Receipt(testWETH)), withdraw.Delta(Receipt(testWETH)))
	require.Zero(t, net.Sign(), "collateral-receipt deltas should cancel out")
	requireAmount(t, twoEther, withdraw.Delta(Underlying(testWETH)))

	require.Len(t, rec.trs, 4)
	for i, tr := range rec.trs {
		require.Equal(t, uint64(i+1), tr.Seq)
		require.Empty(t, tr.Failure)
	}
	require.Equal(t, StateEmpty, rec.trs[0].From)
	require.Equal(t, StateWithdrawn, rec.trs[3].To)
}

func TestRunLifecycle(t *testing.T) {
	fake := newFakeMarket()
	fake.capacity = usdc(1000)
	orch := newTestOrchestrator(fake, Options{})

	outcomes, err := orch.RunLifecycle(context.Background(), twoEther, 2000, twoEther)
	require.NoError(t, err)
	require.Len(t, outcomes, 4)
	require.Equal(t, StateWithdrawn, orch.Position().State)
	require.Equal(t, 1, fake.callCount("ApproveUnlimited"))
}

func TestRunLifecycleStopsAtFirstFailure(t *testing.T) {
	fake := newFakeMarket()
	fake.capacity = usdc(1000)
	fake.fail["Borrow"] = &market.ActionRejectedError{Action: "borrow", Reason: "paused"}
	orch := newTestOrchestrator(fake, Options{})

	outcomes, err := orch.RunLifecycle(context.Background(), twoEther, 2000, twoEther)
	require.ErrorIs(t, err, market.ErrActionRejected)
	require.Len(t, outcomes, 2)
	require.Zero(t, fake.callCount("Repay"))
	require.Zero(t, fake.callCount("Withdraw"))
}

func TestBorrowFromEmptyIsRejectedWithoutGatewayCalls(t *testing.T) {
	fake := newFakeMarket()
	rec := &recorded{}
	orch := newTestOrchestrator(fake, Options{Recorder: rec})

	_, err := orch.BorrowAgainstPosition(context.Background(), 2000)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, StateEmpty, orch.Position().State)
	require.Zero(t, fake.callCount("Borrow"))
	require.Zero(t, fake.callCount("AccountData"))
	require.Empty(t, rec.trs)
}

func TestSupplyRejectsNonPositiveAmount(t *testing.T) {
	fake := newFakeMarket()
	orch := newTestOrchestrator(fake, Options{})

	_, err := orch.SupplyCollateral(context.Background(), big.NewInt(0))
	require.ErrorIs(t, err, ErrNonPositiveAmount)
	pos := orch.Position()
	require.Equal(t, StateFailed, pos.State)
	require.Equal(t, FailureSupplyRejected, pos.Failure.Reason)
	require.Zero(t, fake.callCount("SupplyNative"))
}

func TestBorrowInvalidMarginMakesNoGatewayCalls(t *testing.T) {
	fake := newFakeMarket()
	fake.capacity = usdc(1000)
	orch := newTestOrchestrator(fake, Options{})
	_, err := orch.SupplyCollateral(context.Background(), twoEther)
	require.NoError(t, err)
	reads := fake.callCount("TokenBalance")

	_, err = orch.BorrowAgainstPosition(context.Background(), 10001)
	require.ErrorIs(t, err, ErrInvalidMargin)
	var trErr *TransitionError
	require.True(t, errors.As(err, &trErr))
	require.Equal(t, FailureBorrowRejected, trErr.Reason)
	require.Zero(t, fake.callCount("AccountData"))
	require.Zero(t, fake.callCount("Borrow"))
	require.Equal(t, reads, fake.callCount("TokenBalance"))
}

func TestBorrowZeroAmountFailsFast(t *testing.T) {
	fake := newFakeMarket()
	orch := newTestOrchestrator(fake, Options{})
	_, err := orch.SupplyCollateral(context.Background(), twoEther)
	require.NoError(t, err)

	out, err := orch.BorrowAgainstPosition(context.Background(), 2000)
	require.ErrorIs(t, err, ErrZeroBorrow)
	require.Zero(t, out.Amount.Sign())
	require.Equal(t, StateFailed, orch.Position().State)
	require.Zero(t, fake.callCount("Borrow"))
}

func TestBorrowRejectedThenReset(t *testing.T) {
	fake := newFakeMarket()
	fake.capacity = usdc(1000)
	fake.fail["Borrow"] = &market.ActionRejectedError{Action: "borrow", Reason: "11"}
	orch := newTestOrchestrator(fake, Options{})
	ctx := context.Background()

	_, err := orch.SupplyCollateral(ctx, twoEther)
	require.NoError(t, err)
	_, err = orch.BorrowAgainstPosition(ctx, 2000)
	require.ErrorIs(t, err, market.ErrActionRejected)
	pos := orch.Position()
	require.Equal(t, StateFailed, pos.State)
	require.Equal(t, FailureBorrowRejected, pos.Failure.Reason)

	_, err = orch.RepayDebt(ctx)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Zero(t, fake.callCount("Repay"))

	require.NoError(t, orch.Reset())
	require.Equal(t, StateEmpty, orch.Position().State)
	require.Nil(t, orch.Position().Failure)
}

func TestResetRequiresTerminalState(t *testing.T) {
	orch := newTestOrchestrator(newFakeMarket(), Options{})
	require.ErrorIs(t, orch.Reset(), ErrInvalidTransition)
}

func TestBorrowPostconditionRequiresExactDebtDelta(t *testing.T) {
	fake := newFakeMarket()
	fake.capacity = usdc(1000)
	orch := New(&skewedBorrow{fakeMarket: fake, extra: big.NewInt(1)}, testKey(), Options{})
	ctx := context.Background()
	_, err := orch.SupplyCollateral(ctx, twoEther)
	require.NoError(t, err)

	_, err = orch.BorrowAgainstPosition(ctx, 2000)
	require.ErrorIs(t, err, ErrPostcondition)
	require.Equal(t, FailureBorrowRejected, orch.Position().Failure.Reason)
}

// skewedBorrow mints one extra unit of debt per borrow.
type skewedBorrow struct {
	*fakeMarket
	extra *big.Int
}

func (s *skewedBorrow) Borrow(ctx context.Context, owner, asset common.Address, amount *big.Int) (market.TxReceipt, error) {
	return s.fakeMarket.Borrow(ctx, owner, asset, new(big.Int).Add(amount, s.extra))
}

func TestRepayResidualDebt(t *testing.T) {
	ctx := context.Background()
	setup := func(dust *big.Int) (*fakeMarket, *Orchestrator) {
		fake := newFakeMarket()
		fake.capacity = usdc(1000)
		fake.repayShortfall = big.NewInt(3)
		orch := newTestOrchestrator(fake, Options{RepayDust: dust})
		_, err := orch.SupplyCollateral(ctx, twoEther)
		require.NoError(t, err)
		_, err = orch.BorrowAgainstPosition(ctx, 2000)
		require.NoError(t, err)
		return fake, orch
	}

	_, strict := setup(nil)
	out, err := strict.RepayDebt(ctx)
	require.ErrorIs(t, err, ErrResidualDebt)
	requireAmount(t, big.NewInt(3), out.Remaining)
	require.Equal(t, FailureRepayRejected, strict.Position().Failure.Reason)

	_, tolerant := setup(big.NewInt(5))
	out, err = tolerant.RepayDebt(ctx)
	require.NoError(t, err)
	requireAmount(t, big.NewInt(3), out.Remaining)
	require.Equal(t, StateRepaid, tolerant.Position().State)
}

func TestRepayApprovesBeforeRepaying(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMarket()
	fake.capacity = usdc(1000)
	orch := newTestOrchestrator(fake, Options{})
	_, err := orch.SupplyCollateral(ctx, twoEther)
	require.NoError(t, err)
	_, err = orch.BorrowAgainstPosition(ctx, 2000)
	require.NoError(t, err)

	_, err = orch.RepayDebt(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fake.callCount("ApproveUnlimited"))
	require.True(t, fake.allowances[testUSDC])
}

func TestWithdrawExceedingBalanceFails(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMarket()
	fake.capacity = usdc(1000)
	orch := newTestOrchestrator(fake, Options{})
	_, err := orch.RunLifecycle(ctx, twoEther, 2000, new(big.Int).Add(twoEther, big.NewInt(1)))
	require.ErrorIs(t, err, ErrExceedsBalance)
	pos := orch.Position()
	require.Equal(t, StateFailed, pos.State)
	require.Equal(t, FailureWithdrawRejected, pos.Failure.Reason)
	require.Zero(t, fake.callCount("Withdraw"))
}

func TestWithdrawPartial(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMarket()
	fake.capacity = usdc(1000)
	orch := newTestOrchestrator(fake, Options{})
	partial := new(big.Int).Div(twoEther, big.NewInt(4))
	outcomes, err := orch.RunLifecycle(ctx, twoEther, 2000, partial)
	require.NoError(t, err)
	withdraw := outcomes[3]
	requireAmount(t, new(big.Int).Neg(partial), withdraw.Delta(Receipt(testWETH)))
	requireAmount(t, new(big.Int).Sub(twoEther, partial), fake.balanceOf(aWETH, testOwner))
}

func TestActionTimeoutMapsToTimeoutFailure(t *testing.T) {
	fake := newFakeMarket()
	fake.capacity = usdc(1000)
	fake.block["Borrow"] = true
	rec := &recorded{}
	orch := newTestOrchestrator(fake, Options{ActionTimeout: 20 * time.Millisecond, Recorder: rec})
	ctx := context.Background()
	_, err := orch.SupplyCollateral(ctx, twoEther)
	require.NoError(t, err)

	_, err = orch.BorrowAgainstPosition(ctx, 2000)
	require.ErrorIs(t, err, market.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	pos := orch.Position()
	require.Equal(t, StateFailed, pos.State)
	require.Equal(t, FailureTimeout, pos.Failure.Reason)
	require.Equal(t, FailureTimeout, rec.trs[len(rec.trs)-1].Failure)
}

func TestCallerCancellationIsNotTimeout(t *testing.T) {
	fake := newFakeMarket()
	fake.block["SupplyNative"] = true
	orch := newTestOrchestrator(fake, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := orch.SupplyCollateral(ctx, twoEther)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, FailureSupplyRejected, orch.Position().Failure.Reason)
}

func TestPositionReadableConcurrently(t *testing.T) {
	fake := newFakeMarket()
	fake.capacity = usdc(1000)
	orch := newTestOrchestrator(fake, Options{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = orch.Position()
		}
	}()
	_, err := orch.RunLifecycle(context.Background(), twoEther, 2000, twoEther)
	require.NoError(t, err)
	<-done
}
