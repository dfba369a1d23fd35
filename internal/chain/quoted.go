package chain

import (
	"context"
	"errors"
	"math/big"

	"lend-cycle-bot/internal/market"

	"github.com/ethereum/go-ethereum/common"
)

// QuotedGateway reports account data in units of a single asset instead of
// the pool's base currency, so borrow capacity can be used as a borrow amount
// directly.
type QuotedGateway struct {
	*Gateway
	asset common.Address
}

func (g *Gateway) Quoted(asset common.Address) *QuotedGateway {
	return &QuotedGateway{Gateway: g, asset: asset}
}

func (q *QuotedGateway) Asset() common.Address { return q.asset }

func (q *QuotedGateway) AccountData(ctx context.Context, owner common.Address) (market.AccountSnapshot, error) {
	base, err := q.Gateway.AccountData(ctx, owner)
	if err != nil {
		return market.AccountSnapshot{}, err
	}
	price, err := q.AssetPrice(ctx, q.asset)
	if err != nil {
		return market.AccountSnapshot{}, err
	}
	if price.Sign() <= 0 {
		return market.AccountSnapshot{}, &market.ChainReadError{Op: "getAssetPrice", Err: errors.New("oracle returned non-positive price for " + q.asset.Hex())}
	}
	dec, err := q.Decimals(ctx, q.asset)
	if err != nil {
		return market.AccountSnapshot{}, err
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dec)), nil)
	return market.AccountSnapshot{
		AvailableBorrowCapacity: toUnits(base.AvailableBorrowCapacity, unit, price),
		TotalCollateralValue:    toUnits(base.TotalCollateralValue, unit, price),
		TotalDebtValue:          toUnits(base.TotalDebtValue, unit, price),
	}, nil
}

// toUnits converts a base-currency value to asset units, truncating.
func toUnits(value, unit, price *big.Int) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(value, unit)
	return out.Quo(out, price)
}
