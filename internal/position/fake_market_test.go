package position

import (
	"context"
	"math/big"
	"sync"

	"lend-cycle-bot/internal/market"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testOwner = common.HexToAddress("0x72A53cDBBcc1b9efa39c834A540550e23463AAcB")
	testPool  = common.HexToAddress("0x7d2768dE32b0b80b7a3454c06BdAc94A69DDc7A9")
	testWETH  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	testUSDC  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	aWETH     = common.HexToAddress("0x030bA81f1c18d280636F32af80b9AAd02Cf0854e")
	aUSDC     = common.HexToAddress("0xBcca60bB61934080951369a648Fb03DF4F96263C")
	dWETH     = common.HexToAddress("0xF63B34710400CAd3e044cFfDcAb00a0f32E33eCf")
	dUSDC     = common.HexToAddress("0x619beb58998eD2278e08620f97007e1116D5D25b")
)

// fakeMarket is an in-memory lending market: supplies mint receipt tokens
// one-to-one, borrows mint debt tokens, repays burn them.
type fakeMarket struct {
	mu         sync.Mutex
	capacity   *big.Int
	reserves   map[common.Address]market.ReserveTokens
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]bool
	calls      map[string]int
	fail       map[string]error
	// repayShortfall is left unpaid by every repay.
	repayShortfall *big.Int
	// block makes the named action wait for ctx cancellation.
	block  map[string]bool
	nextTx int64
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		capacity: big.NewInt(0),
		reserves: map[common.Address]market.ReserveTokens{
			testWETH: {CollateralReceipt: aWETH, Debt: dWETH},
			testUSDC: {CollateralReceipt: aUSDC, Debt: dUSDC},
		},
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]bool),
		calls:      make(map[string]int),
		fail:       make(map[string]error),
		block:      make(map[string]bool),
	}
}

func (f *fakeMarket) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeMarket) setBalance(token, owner common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bal(token, owner).Set(v)
}

func (f *fakeMarket) balanceOf(token, owner common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.bal(token, owner))
}

// accrue adds interest to an owner's debt.
func (f *fakeMarket) accrue(token, owner common.Address, interest *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bal(token, owner)
	b.Add(b, interest)
}

func (f *fakeMarket) bal(token, owner common.Address) *big.Int {
	byOwner, ok := f.balances[token]
	if !ok {
		byOwner = make(map[common.Address]*big.Int)
		f.balances[token] = byOwner
	}
	v, ok := byOwner[owner]
	if !ok {
		v = new(big.Int)
		byOwner[owner] = v
	}
	return v
}

func (f *fakeMarket) enter(ctx context.Context, name string) error {
	f.mu.Lock()
	f.calls[name]++
	err := f.fail[name]
	block := f.block[name]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeMarket) receipt() market.TxReceipt {
	f.nextTx++
	return market.TxReceipt{TxHash: common.BigToHash(big.NewInt(f.nextTx)), BlockNumber: uint64(f.nextTx)}
}

func (f *fakeMarket) AccountData(ctx context.Context, owner common.Address) (market.AccountSnapshot, error) {
	if err := f.enter(ctx, "AccountData"); err != nil {
		return market.AccountSnapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return market.AccountSnapshot{
		AvailableBorrowCapacity: new(big.Int).Set(f.capacity),
		TotalCollateralValue:    new(big.Int).Set(f.bal(aWETH, owner)),
		TotalDebtValue:          new(big.Int).Set(f.bal(dUSDC, owner)),
	}, nil
}

func (f *fakeMarket) ReserveTokens(ctx context.Context, asset common.Address) (market.ReserveTokens, error) {
	if err := f.enter(ctx, "ReserveTokens"); err != nil {
		return market.ReserveTokens{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens, ok := f.reserves[asset]
	if !ok {
		return market.ReserveTokens{}, &market.UnknownAssetError{Asset: asset}
	}
	return tokens, nil
}

func (f *fakeMarket) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if err := f.enter(ctx, "TokenBalance"); err != nil {
		return nil, err
	}
	return f.balanceOf(token, owner), nil
}

func (f *fakeMarket) SupplyNative(ctx context.Context, owner common.Address, amount *big.Int) (market.TxReceipt, error) {
	if err := f.enter(ctx, "SupplyNative"); err != nil {
		return market.TxReceipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bal(aWETH, owner)
	b.Add(b, amount)
	return f.receipt(), nil
}

func (f *fakeMarket) Borrow(ctx context.Context, owner, asset common.Address, amount *big.Int) (market.TxReceipt, error) {
	if err := f.enter(ctx, "Borrow"); err != nil {
		return market.TxReceipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens := f.reserves[asset]
	d := f.bal(tokens.Debt, owner)
	d.Add(d, amount)
	u := f.bal(asset, owner)
	u.Add(u, amount)
	return f.receipt(), nil
}

func (f *fakeMarket) Repay(ctx context.Context, owner, asset common.Address, amount *big.Int) (market.TxReceipt, error) {
	if err := f.enter(ctx, "Repay"); err != nil {
		return market.TxReceipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.allowances[asset] {
		return market.TxReceipt{}, &market.ActionRejectedError{Action: "repay", Reason: "transfer amount exceeds allowance"}
	}
	tokens := f.reserves[asset]
	d := f.bal(tokens.Debt, owner)
	pay := new(big.Int).Set(amount)
	if pay.Cmp(d) > 0 {
		pay.Set(d)
	}
	if f.repayShortfall != nil {
		pay.Sub(pay, f.repayShortfall)
	}
	u := f.bal(asset, owner)
	if u.Cmp(pay) < 0 {
		return market.TxReceipt{}, &market.ActionRejectedError{Action: "repay", Reason: "transfer amount exceeds balance"}
	}
	u.Sub(u, pay)
	d.Sub(d, pay)
	return f.receipt(), nil
}

func (f *fakeMarket) Withdraw(ctx context.Context, owner, asset common.Address, amount *big.Int) (market.TxReceipt, error) {
	if err := f.enter(ctx, "Withdraw"); err != nil {
		return market.TxReceipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens := f.reserves[asset]
	r := f.bal(tokens.CollateralReceipt, owner)
	if r.Cmp(amount) < 0 {
		return market.TxReceipt{}, &market.ActionRejectedError{Action: "withdraw", Reason: "32"}
	}
	r.Sub(r, amount)
	u := f.bal(asset, owner)
	u.Add(u, amount)
	return f.receipt(), nil
}

func (f *fakeMarket) ApproveUnlimited(ctx context.Context, owner, token, spender common.Address) (market.TxReceipt, error) {
	if err := f.enter(ctx, "ApproveUnlimited"); err != nil {
		return market.TxReceipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowances[token] {
		return market.TxReceipt{}, nil
	}
	f.allowances[token] = true
	return f.receipt(), nil
}

func (f *fakeMarket) LendingPool() common.Address { return testPool }
