package position

import (
	"errors"
	"math/big"
	"testing"

	"lend-cycle-bot/internal/market"
)

func TestComputeBorrowAmountBoundsAndMonotonic(t *testing.T) {
	capacities := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(999),
		big.NewInt(1_000_000_000),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil),
	}
	for _, capacity := range capacities {
		acct := market.AccountSnapshot{AvailableBorrowCapacity: capacity}
		prev := big.NewInt(-1)
		for bps := 0; bps <= MaxMarginBps; bps += 37 {
			got, err := ComputeBorrowAmount(acct, bps)
			if err != nil {
				t.Fatalf("capacity %s bps %d: unexpected error %v", capacity, bps, err)
			}
			if got.Sign() < 0 || got.Cmp(capacity) > 0 {
				t.Fatalf("capacity %s bps %d: %s outside [0, capacity]", capacity, bps, got)
			}
			if got.Cmp(prev) < 0 {
				t.Fatalf("capacity %s: amount decreased from %s to %s at bps %d", capacity, prev, got, bps)
			}
			prev = got
		}
	}
}

func TestComputeBorrowAmountEndpoints(t *testing.T) {
	acct := market.AccountSnapshot{AvailableBorrowCapacity: big.NewInt(123_456_789)}
	zero, err := ComputeBorrowAmount(acct, 0)
	if err != nil || zero.Sign() != 0 {
		t.Fatalf("expected 0 at 0 bps, got %v (err=%v)", zero, err)
	}
	full, err := ComputeBorrowAmount(acct, MaxMarginBps)
	if err != nil || full.Cmp(acct.AvailableBorrowCapacity) != 0 {
		t.Fatalf("expected full capacity at %d bps, got %v (err=%v)", MaxMarginBps, full, err)
	}
}

func TestComputeBorrowAmountTruncates(t *testing.T) {
	acct := market.AccountSnapshot{AvailableBorrowCapacity: big.NewInt(999)}
	got, err := ComputeBorrowAmount(acct, 3333)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 999 * 3333 / 10000 = 332.9667
	if got.Int64() != 332 {
		t.Fatalf("expected 332, got %s", got)
	}
}

func TestComputeBorrowAmountExample(t *testing.T) {
	acct := market.AccountSnapshot{AvailableBorrowCapacity: big.NewInt(1000)}
	got, err := ComputeBorrowAmount(acct, 2000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Int64() != 200 {
		t.Fatalf("expected 200, got %s", got)
	}
}

func TestComputeBorrowAmountInvalidMargin(t *testing.T) {
	acct := market.AccountSnapshot{AvailableBorrowCapacity: big.NewInt(1000)}
	for _, bps := range []int{-1, 10001} {
		_, err := ComputeBorrowAmount(acct, bps)
		var marginErr *InvalidMarginError
		if !errors.As(err, &marginErr) || marginErr.MarginBps != bps {
			t.Fatalf("bps %d: expected InvalidMarginError, got %v", bps, err)
		}
		if !errors.Is(err, ErrInvalidMargin) {
			t.Fatalf("bps %d: expected ErrInvalidMargin match", bps)
		}
	}
}

func TestComputeBorrowAmountNonPositiveCapacity(t *testing.T) {
	for _, capacity := range []*big.Int{nil, big.NewInt(-50)} {
		got, err := ComputeBorrowAmount(market.AccountSnapshot{AvailableBorrowCapacity: capacity}, 5000)
		if err != nil || got.Sign() != 0 {
			t.Fatalf("capacity %v: expected 0, got %v (err=%v)", capacity, got, err)
		}
	}
}
