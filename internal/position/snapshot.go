package position

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"lend-cycle-bot/internal/market"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

type TokenKind uint8

const (
	KindUnderlying TokenKind = iota
	KindCollateralReceipt
	KindDebt
)

func (k TokenKind) String() string {
	switch k {
	case KindUnderlying:
		return "underlying"
	case KindCollateralReceipt:
		return "collateral_receipt"
	case KindDebt:
		return "debt"
	}
	return fmt.Sprintf("TokenKind(%d)", uint8(k))
}

// TokenRef names one balance of interest: a listed asset and which of its
// three tokens is meant.
type TokenRef struct {
	Asset common.Address
	Kind  TokenKind
}

func (r TokenRef) String() string {
	return r.Asset.Hex() + ":" + r.Kind.String()
}

func Underlying(asset common.Address) TokenRef { return TokenRef{Asset: asset, Kind: KindUnderlying} }

func Receipt(asset common.Address) TokenRef {
	return TokenRef{Asset: asset, Kind: KindCollateralReceipt}
}

func Debt(asset common.Address) TokenRef { return TokenRef{Asset: asset, Kind: KindDebt} }

// BalanceSnapshot holds an owner's balances at one point in time. It is
// immutable once captured.
type BalanceSnapshot struct {
	owner    common.Address
	takenAt  time.Time
	balances map[TokenRef]*big.Int
}

func (s BalanceSnapshot) Owner() common.Address { return s.owner }

func (s BalanceSnapshot) TakenAt() time.Time { return s.takenAt }

// Balance returns a copy of the balance for ref.
func (s BalanceSnapshot) Balance(ref TokenRef) (*big.Int, bool) {
	v, ok := s.balances[ref]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(v), true
}

// Refs lists the captured balances in a stable order.
func (s BalanceSnapshot) Refs() []TokenRef {
	refs := make([]TokenRef, 0, len(s.balances))
	for ref := range s.balances {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if c := bytes.Compare(refs[i].Asset[:], refs[j].Asset[:]); c != 0 {
			return c < 0
		}
		return refs[i].Kind < refs[j].Kind
	})
	return refs
}

// Capture reads the underlying, collateral-receipt and debt balances of owner
// for every asset. Assets are read concurrently; no atomicity is attempted
// beyond what the gateway's source provides.
func Capture(ctx context.Context, gw market.Gateway, owner common.Address, assets ...common.Address) (BalanceSnapshot, error) {
	snap := BalanceSnapshot{
		owner:    owner,
		balances: make(map[TokenRef]*big.Int, len(assets)*3),
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	seen := make(map[common.Address]struct{}, len(assets))
	for _, asset := range assets {
		if _, dup := seen[asset]; dup {
			continue
		}
		seen[asset] = struct{}{}
		asset := asset
		g.Go(func() error {
			tokens, err := gw.ReserveTokens(gctx, asset)
			if err != nil {
				return err
			}
			reads := [3]struct {
				ref   TokenRef
				token common.Address
			}{
				{Underlying(asset), asset},
				{Receipt(asset), tokens.CollateralReceipt},
				{Debt(asset), tokens.Debt},
			}
			for _, read := range reads {
				bal, err := gw.TokenBalance(gctx, read.token, owner)
				if err != nil {
					return err
				}
				if bal == nil {
					bal = new(big.Int)
				}
				mu.Lock()
				snap.balances[read.ref] = new(big.Int).Set(bal)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BalanceSnapshot{}, err
	}
	snap.takenAt = time.Now()
	return snap, nil
}

// Diff returns after[k] - before[k] for every ref present in both snapshots.
func Diff(before, after BalanceSnapshot) map[TokenRef]*big.Int {
	out := make(map[TokenRef]*big.Int, len(after.balances))
	for ref, a := range after.balances {
		b, ok := before.balances[ref]
		if !ok {
			continue
		}
		out[ref] = new(big.Int).Sub(a, b)
	}
	return out
}
