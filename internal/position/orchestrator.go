package position

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"lend-cycle-bot/internal/market"
	"lend-cycle-bot/internal/metrics"

	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNonPositiveAmount = errors.New("amount must be > 0")
	ErrZeroBorrow        = errors.New("computed borrow amount is zero")
	ErrNoDebt            = errors.New("no outstanding debt to repay")
	ErrExceedsBalance    = errors.New("amount exceeds collateral-receipt balance")
	ErrPostcondition     = errors.New("postcondition failed")
	ErrResidualDebt      = errors.New("debt remains after repay")
)

// TransitionError is returned when an attempt moved the position to
// StateFailed.
type TransitionError struct {
	Event  Event
	Reason FailureReason
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Event, e.Reason, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Outcome describes one successful or failed attempt.
type Outcome struct {
	Amount  *big.Int
	Receipt market.TxReceipt
	Deltas  map[TokenRef]*big.Int
	// Remaining is the debt balance read after a repay.
	Remaining *big.Int
}

// Delta returns the balance change for ref, zero when it was not captured.
func (o Outcome) Delta(ref TokenRef) *big.Int {
	if d, ok := o.Deltas[ref]; ok {
		return new(big.Int).Set(d)
	}
	return new(big.Int)
}

// Transition is handed to the Recorder after every attempt.
type Transition struct {
	Name    string
	Key     Key
	Seq     uint64
	Event   Event
	From    State
	To      State
	Failure FailureReason
	Err     string
	Outcome Outcome
	At      time.Time
}

type Recorder interface {
	RecordTransition(ctx context.Context, tr Transition)
}

// Recorders fans a transition out to each recorder in order.
type Recorders []Recorder

func (rs Recorders) RecordTransition(ctx context.Context, tr Transition) {
	for _, r := range rs {
		if r != nil {
			r.RecordTransition(ctx, tr)
		}
	}
}

type Options struct {
	// Name labels logs and journal entries.
	Name string
	// ActionTimeout bounds each operation. Zero waits as long as ctx allows.
	ActionTimeout time.Duration
	// RepayDust is the largest debt left after a full repay that still counts
	// as repaid.
	RepayDust *big.Int
	// AccrualSlack is how far a withdraw's collateral-receipt decrease may fall
	// short of the amount because of yield accrued between read and action.
	AccrualSlack *big.Int
	Recorder     Recorder
	Metrics      *metrics.Metrics
	Log          *zap.Logger
}

// Orchestrator drives one position through supply, borrow, repay and
// withdraw. Operations must be invoked sequentially; Position may be read
// concurrently.
type Orchestrator struct {
	gw   market.Gateway
	key  Key
	opts Options
	log  *zap.Logger
	m    *metrics.Metrics

	mu  sync.Mutex
	pos Position
	seq uint64
}

func New(gw market.Gateway, key Key, opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	if opts.RepayDust == nil {
		opts.RepayDust = new(big.Int)
	}
	if opts.AccrualSlack == nil {
		opts.AccrualSlack = new(big.Int)
	}
	if opts.Name == "" {
		opts.Name = key.String()
	}
	return &Orchestrator{
		gw:   gw,
		key:  key,
		opts: opts,
		log:  log.With(zap.String("position", opts.Name), zap.String("owner", key.Owner.Hex())),
		m:    m,
		pos:  Position{Key: key, State: StateEmpty},
	}
}

func (o *Orchestrator) Name() string { return o.opts.Name }

func (o *Orchestrator) Key() Key { return o.key }

// Position returns a copy of the current logical position.
func (o *Orchestrator) Position() Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	pos := o.pos
	if pos.Failure != nil {
		f := *pos.Failure
		pos.Failure = &f
	}
	return pos
}

// Reset re-initializes a terminal position to StateEmpty.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	next, ok := nextState(o.pos.State, EventReset)
	if !ok {
		return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, o.pos.State)
	}
	o.log.Info("position reset", zap.Stringer("from", o.pos.State))
	o.pos.State = next
	o.pos.Failure = nil
	return nil
}

// SupplyCollateral deposits amount of the native asset as collateral.
func (o *Orchestrator) SupplyCollateral(ctx context.Context, amount *big.Int) (Outcome, error) {
	return o.attempt(ctx, EventSupply, func(ctx context.Context, key Key) (Outcome, error) {
		if amount == nil || amount.Sign() <= 0 {
			return Outcome{}, ErrNonPositiveAmount
		}
		out := Outcome{Amount: new(big.Int).Set(amount)}
		before, err := Capture(ctx, o.gw, key.Owner, key.CollateralAsset)
		if err != nil {
			return out, err
		}
		o.m.SuppliesSubmitted.Inc()
		out.Receipt, err = o.gw.SupplyNative(ctx, key.Owner, amount)
		if err != nil {
			return out, err
		}
		after, err := Capture(ctx, o.gw, key.Owner, key.CollateralAsset)
		if err != nil {
			return out, err
		}
		out.Deltas = Diff(before, after)
		if got := out.Delta(Receipt(key.CollateralAsset)); got.Sign() <= 0 {
			return out, fmt.Errorf("%w: collateral-receipt delta %s after supplying %s", ErrPostcondition, got, amount)
		}
		return out, nil
	})
}

// BorrowAgainstPosition borrows marginBps of the currently available
// capacity in the debt asset.
func (o *Orchestrator) BorrowAgainstPosition(ctx context.Context, marginBps int) (Outcome, error) {
	return o.attempt(ctx, EventBorrow, func(ctx context.Context, key Key) (Outcome, error) {
		if marginBps < 0 || marginBps > MaxMarginBps {
			return Outcome{}, &InvalidMarginError{MarginBps: marginBps}
		}
		acct, err := o.gw.AccountData(ctx, key.Owner)
		if err != nil {
			return Outcome{}, err
		}
		amount, err := ComputeBorrowAmount(acct, marginBps)
		if err != nil {
			return Outcome{}, err
		}
		out := Outcome{Amount: amount}
		if amount.Sign() == 0 {
			return out, ErrZeroBorrow
		}
		o.log.Debug("borrow sized",
			zap.Stringer("capacity", acct.AvailableBorrowCapacity),
			zap.Int("margin_bps", marginBps),
			zap.Stringer("amount", amount),
		)
		before, err := Capture(ctx, o.gw, key.Owner, key.DebtAsset)
		if err != nil {
			return out, err
		}
		o.m.BorrowsSubmitted.Inc()
		out.Receipt, err = o.gw.Borrow(ctx, key.Owner, key.DebtAsset, amount)
		if err != nil {
			return out, err
		}
		after, err := Capture(ctx, o.gw, key.Owner, key.DebtAsset)
		if err != nil {
			return out, err
		}
		out.Deltas = Diff(before, after)
		if got := out.Delta(Debt(key.DebtAsset)); got.Cmp(amount) != 0 {
			return out, fmt.Errorf("%w: debt delta %s, expected %s", ErrPostcondition, got, amount)
		}
		return out, nil
	})
}

// RepayDebt repays the debt balance read at call time, which includes any
// interest accrued since the borrow.
func (o *Orchestrator) RepayDebt(ctx context.Context) (Outcome, error) {
	return o.attempt(ctx, EventRepay, func(ctx context.Context, key Key) (Outcome, error) {
		approval, err := o.gw.ApproveUnlimited(ctx, key.Owner, key.DebtAsset, o.gw.LendingPool())
		if err != nil {
			return Outcome{}, err
		}
		if approval.Submitted() {
			o.m.ApprovalsSubmitted.Inc()
			o.log.Info("debt asset approved", zap.String("tx", approval.TxHash.Hex()))
		}
		before, err := Capture(ctx, o.gw, key.Owner, key.DebtAsset)
		if err != nil {
			return Outcome{}, err
		}
		debt, _ := before.Balance(Debt(key.DebtAsset))
		out := Outcome{Amount: debt}
		if debt.Sign() == 0 {
			return out, ErrNoDebt
		}
		o.m.RepaysSubmitted.Inc()
		out.Receipt, err = o.gw.Repay(ctx, key.Owner, key.DebtAsset, debt)
		if err != nil {
			return out, err
		}
		after, err := Capture(ctx, o.gw, key.Owner, key.DebtAsset)
		if err != nil {
			return out, err
		}
		out.Deltas = Diff(before, after)
		out.Remaining, _ = after.Balance(Debt(key.DebtAsset))
		if got := out.Delta(Debt(key.DebtAsset)); got.Sign() >= 0 {
			return out, fmt.Errorf("%w: debt delta %s after repay", ErrPostcondition, got)
		}
		if out.Remaining.Sign() < 0 {
			return out, fmt.Errorf("%w: negative debt %s", ErrPostcondition, out.Remaining)
		}
		if out.Remaining.Cmp(o.opts.RepayDust) > 0 {
			return out, fmt.Errorf("%w: %s left, tolerance %s", ErrResidualDebt, out.Remaining, o.opts.RepayDust)
		}
		if out.Remaining.Sign() > 0 {
			o.log.Warn("repay left dust within tolerance", zap.Stringer("remaining", out.Remaining))
		}
		return out, nil
	})
}

// WithdrawCollateral withdraws amount of the collateral asset, bounded by the
// collateral-receipt balance read at call time.
func (o *Orchestrator) WithdrawCollateral(ctx context.Context, amount *big.Int) (Outcome, error) {
	return o.attempt(ctx, EventWithdraw, func(ctx context.Context, key Key) (Outcome, error) {
		if amount == nil || amount.Sign() <= 0 {
			return Outcome{}, ErrNonPositiveAmount
		}
		out := Outcome{Amount: new(big.Int).Set(amount)}
		before, err := Capture(ctx, o.gw, key.Owner, key.CollateralAsset)
		if err != nil {
			return out, err
		}
		held, _ := before.Balance(Receipt(key.CollateralAsset))
		if amount.Cmp(held) > 0 {
			return out, fmt.Errorf("%w: %s > %s", ErrExceedsBalance, amount, held)
		}
		o.m.WithdrawsSubmitted.Inc()
		out.Receipt, err = o.gw.Withdraw(ctx, key.Owner, key.CollateralAsset, amount)
		if err != nil {
			return out, err
		}
		after, err := Capture(ctx, o.gw, key.Owner, key.CollateralAsset)
		if err != nil {
			return out, err
		}
		out.Deltas = Diff(before, after)
		if got := out.Delta(Underlying(key.CollateralAsset)); got.Sign() <= 0 {
			return out, fmt.Errorf("%w: underlying delta %s after withdraw", ErrPostcondition, got)
		}
		decrease := out.Delta(Receipt(key.CollateralAsset))
		decrease.Neg(decrease)
		floor := new(big.Int).Sub(amount, o.opts.AccrualSlack)
		if decrease.Sign() <= 0 || decrease.Cmp(amount) > 0 || decrease.Cmp(floor) < 0 || decrease.Cmp(held) > 0 {
			return out, fmt.Errorf("%w: collateral-receipt decreased by %s, expected %s (slack %s)", ErrPostcondition, decrease, amount, o.opts.AccrualSlack)
		}
		return out, nil
	})
}

// RunLifecycle drives the position from StateEmpty to StateWithdrawn, stopping
// at the first failure.
func (o *Orchestrator) RunLifecycle(ctx context.Context, supply *big.Int, marginBps int, withdraw *big.Int) ([]Outcome, error) {
	steps := []func(context.Context) (Outcome, error){
		func(ctx context.Context) (Outcome, error) { return o.SupplyCollateral(ctx, supply) },
		func(ctx context.Context) (Outcome, error) { return o.BorrowAgainstPosition(ctx, marginBps) },
		o.RepayDebt,
		func(ctx context.Context) (Outcome, error) { return o.WithdrawCollateral(ctx, withdraw) },
	}
	outcomes := make([]Outcome, 0, len(steps))
	for _, step := range steps {
		out, err := step(ctx)
		outcomes = append(outcomes, out)
		if err != nil {
			return outcomes, err
		}
	}
	o.m.LifecyclesDone.Inc()
	return outcomes, nil
}

func (o *Orchestrator) attempt(ctx context.Context, event Event, fn func(context.Context, Key) (Outcome, error)) (Outcome, error) {
	key := o.key
	o.mu.Lock()
	from := o.pos.State
	to, ok := nextState(from, event)
	o.mu.Unlock()
	if !ok || event == EventReset {
		return Outcome{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, from)
	}

	opCtx := ctx
	if o.opts.ActionTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, o.opts.ActionTimeout)
		defer cancel()
	}
	o.log.Info("position transition started", zap.Stringer("event", event), zap.Stringer("from", from))
	out, err := fn(opCtx, key)

	var failure *Failure
	if err != nil {
		reason := event.rejection()
		if market.IsTimeout(err) {
			reason = FailureTimeout
			if !errors.Is(err, market.ErrTimeout) {
				err = &market.TimeoutError{Action: event.String(), TxHash: out.Receipt.TxHash, Err: err}
			}
		}
		failure = &Failure{Reason: reason, Err: err}
		to = StateFailed
	}

	o.mu.Lock()
	o.pos.State = to
	o.pos.Failure = failure
	o.seq++
	seq := o.seq
	o.mu.Unlock()

	tr := Transition{
		Name:    o.opts.Name,
		Key:     key,
		Seq:     seq,
		Event:   event,
		From:    from,
		To:      to,
		Outcome: out,
		At:      time.Now().UTC(),
	}
	fields := []zap.Field{
		zap.Stringer("event", event),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.String("tx", out.Receipt.TxHash.Hex()),
	}
	if out.Amount != nil {
		fields = append(fields, zap.Stringer("amount", out.Amount))
	}
	if failure != nil {
		tr.Failure = failure.Reason
		tr.Err = failure.Err.Error()
		o.m.TransitionsFailed.Inc()
		if failure.Reason == FailureTimeout {
			o.m.Timeouts.Inc()
		}
		o.log.Warn("position transition failed", append(fields, zap.String("reason", string(failure.Reason)), zap.Error(failure.Err))...)
	} else {
		o.log.Info("position transition completed", fields...)
	}
	if o.opts.Recorder != nil {
		o.opts.Recorder.RecordTransition(context.WithoutCancel(ctx), tr)
	}
	if failure != nil {
		return out, &TransitionError{Event: event, Reason: failure.Reason, Err: failure.Err}
	}
	return out, nil
}
