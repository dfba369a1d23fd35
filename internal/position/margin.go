package position

import (
	"errors"
	"fmt"
	"math/big"

	"lend-cycle-bot/internal/market"
)

const MaxMarginBps = 10_000

var (
	ErrInvalidMargin = errors.New("invalid margin")

	basisPoints = big.NewInt(MaxMarginBps)
)

type InvalidMarginError struct {
	MarginBps int
}

func (e *InvalidMarginError) Error() string {
	return fmt.Sprintf("margin %d bps outside [0, %d]", e.MarginBps, MaxMarginBps)
}

func (e *InvalidMarginError) Is(target error) bool { return target == ErrInvalidMargin }

// ComputeBorrowAmount returns capacity * marginBps / 10000, truncated toward
// zero so the result never rounds above the requested share. A nil or
// negative capacity counts as zero.
func ComputeBorrowAmount(acct market.AccountSnapshot, marginBps int) (*big.Int, error) {
	if marginBps < 0 || marginBps > MaxMarginBps {
		return nil, &InvalidMarginError{MarginBps: marginBps}
	}
	capacity := acct.AvailableBorrowCapacity
	if capacity == nil || capacity.Sign() <= 0 {
		return new(big.Int), nil
	}
	amount := new(big.Int).Mul(capacity, big.NewInt(int64(marginBps)))
	return amount.Quo(amount, basisPoints), nil
}
