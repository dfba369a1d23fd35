// Package market defines the capability surface of an external money market
// as consumed by the position orchestrator.
package market

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AccountSnapshot is a point-in-time projection of a borrower's account as
// reported by the market. It is never mutated, only superseded by a fresher
// read.
type AccountSnapshot struct {
	AvailableBorrowCapacity *big.Int
	TotalCollateralValue    *big.Int
	TotalDebtValue          *big.Int
}

// ReserveTokens are the tokens the market mints against a listed asset.
type ReserveTokens struct {
	CollateralReceipt common.Address
	Debt              common.Address
}

// TxReceipt identifies a confirmed action. The zero value is returned when an
// idempotent call had nothing to submit.
type TxReceipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

func (r TxReceipt) Submitted() bool {
	return r.TxHash != (common.Hash{})
}

// Gateway is the boundary to the lending market. Every call blocks until the
// read returns or the action is confirmed. Implementations must be safe for
// concurrent use.
type Gateway interface {
	AccountData(ctx context.Context, owner common.Address) (AccountSnapshot, error)
	ReserveTokens(ctx context.Context, asset common.Address) (ReserveTokens, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)

	SupplyNative(ctx context.Context, owner common.Address, amount *big.Int) (TxReceipt, error)
	Borrow(ctx context.Context, owner, asset common.Address, amount *big.Int) (TxReceipt, error)
	Repay(ctx context.Context, owner, asset common.Address, amount *big.Int) (TxReceipt, error)
	Withdraw(ctx context.Context, owner, asset common.Address, amount *big.Int) (TxReceipt, error)
	ApproveUnlimited(ctx context.Context, owner, token, spender common.Address) (TxReceipt, error)

	// LendingPool is the spender that pulls repayments.
	LendingPool() common.Address
}
