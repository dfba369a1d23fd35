// Package chain implements market.Gateway against an Aave-V2-style lending
// pool on an EVM chain.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"lend-cycle-bot/internal/market"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

var ErrNoSigner = errors.New("no signer for owner")

// unlimitedFloor is the allowance above which an approval is treated as
// unlimited. Tokens that decrement max allowances on transferFrom stay above
// it for any realistic amount.
var unlimitedFloor = new(big.Int).Lsh(big.NewInt(1), 255)

// Backend is the subset of an Ethereum client the gateway needs.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

type Addresses struct {
	LendingPool   common.Address
	NativeGateway common.Address
	DataProvider  common.Address
	PriceOracle   common.Address
}

type Gateway struct {
	backend  Backend
	closer   func()
	chainID  *big.Int
	addrs    Addresses
	rateMode *big.Int
	abis     contractABIs
	log      *zap.Logger

	pool     *bind.BoundContract
	native   *bind.BoundContract
	provider *bind.BoundContract
	oracle   *bind.BoundContract

	mu       sync.RWMutex
	signers  map[common.Address]*ecdsa.PrivateKey
	decimals map[common.Address]uint8
	ownerMu  map[common.Address]*sync.Mutex
}

// Dial connects to rpcURL and checks that the node serves chainID.
func Dial(ctx context.Context, rpcURL string, chainID int64, addrs Addresses, rateMode int64, log *zap.Logger) (*Gateway, error) {
	trimmed := strings.TrimSpace(rpcURL)
	if trimmed == "" {
		return nil, errors.New("rpc url is required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if chainID > 0 && remote.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("chain id mismatch: node %s, configured %d", remote, chainID)
	}
	gw, err := New(client, remote, addrs, rateMode, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	gw.closer = client.Close
	return gw, nil
}

func New(backend Backend, chainID *big.Int, addrs Addresses, rateMode int64, log *zap.Logger) (*Gateway, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if chainID == nil {
		return nil, errors.New("chain id is required")
	}
	if rateMode != 1 && rateMode != 2 {
		return nil, fmt.Errorf("unsupported interest rate mode %d", rateMode)
	}
	if log == nil {
		log = zap.NewNop()
	}
	abis, err := parseABIs()
	if err != nil {
		return nil, err
	}
	return &Gateway{
		backend:  backend,
		chainID:  new(big.Int).Set(chainID),
		addrs:    addrs,
		rateMode: big.NewInt(rateMode),
		abis:     abis,
		log:      log,
		pool:     bind.NewBoundContract(addrs.LendingPool, abis.pool, backend, backend, backend),
		native:   bind.NewBoundContract(addrs.NativeGateway, abis.native, backend, backend, backend),
		provider: bind.NewBoundContract(addrs.DataProvider, abis.provider, backend, backend, backend),
		oracle:   bind.NewBoundContract(addrs.PriceOracle, abis.oracle, backend, backend, backend),
		signers:  make(map[common.Address]*ecdsa.PrivateKey),
		decimals: make(map[common.Address]uint8),
		ownerMu:  make(map[common.Address]*sync.Mutex),
	}, nil
}

func (g *Gateway) Close() {
	if g.closer != nil {
		g.closer()
	}
}

// AddSigner registers a hex private key and returns the owner it signs for.
func (g *Gateway) AddSigner(hexKey string) (common.Address, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if clean == "" {
		return common.Address{}, errors.New("private key is required")
	}
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return common.Address{}, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	g.mu.Lock()
	g.signers[addr] = key
	g.mu.Unlock()
	return addr, nil
}

func (g *Gateway) LendingPool() common.Address { return g.addrs.LendingPool }

// AccountData reports values in the pool's base currency.
func (g *Gateway) AccountData(ctx context.Context, owner common.Address) (market.AccountSnapshot, error) {
	out, err := g.call(ctx, g.pool, "getUserAccountData", owner)
	if err != nil {
		return market.AccountSnapshot{}, err
	}
	if len(out) < 3 {
		return market.AccountSnapshot{}, &market.ChainReadError{Op: "getUserAccountData", Err: errors.New("short response")}
	}
	return market.AccountSnapshot{
		TotalCollateralValue:    out[0].(*big.Int),
		TotalDebtValue:          out[1].(*big.Int),
		AvailableBorrowCapacity: out[2].(*big.Int),
	}, nil
}

func (g *Gateway) ReserveTokens(ctx context.Context, asset common.Address) (market.ReserveTokens, error) {
	out, err := g.call(ctx, g.provider, "getReserveTokensAddresses", asset)
	if err != nil {
		return market.ReserveTokens{}, err
	}
	if len(out) < 3 {
		return market.ReserveTokens{}, &market.ChainReadError{Op: "getReserveTokensAddresses", Err: errors.New("short response")}
	}
	tokens := market.ReserveTokens{CollateralReceipt: out[0].(common.Address)}
	if g.rateMode.Int64() == 1 {
		tokens.Debt = out[1].(common.Address)
	} else {
		tokens.Debt = out[2].(common.Address)
	}
	if tokens.CollateralReceipt == (common.Address{}) || tokens.Debt == (common.Address{}) {
		return market.ReserveTokens{}, &market.UnknownAssetError{Asset: asset}
	}
	return tokens, nil
}

func (g *Gateway) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := g.call(ctx, g.erc20(token), "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// AssetPrice returns the oracle price of one whole unit of asset in the base
// currency.
func (g *Gateway) AssetPrice(ctx context.Context, asset common.Address) (*big.Int, error) {
	out, err := g.call(ctx, g.oracle, "getAssetPrice", asset)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Decimals is cached per token; it cannot change after deployment.
func (g *Gateway) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	g.mu.RLock()
	dec, ok := g.decimals[token]
	g.mu.RUnlock()
	if ok {
		return dec, nil
	}
	out, err := g.call(ctx, g.erc20(token), "decimals")
	if err != nil {
		return 0, err
	}
	dec = out[0].(uint8)
	g.mu.Lock()
	g.decimals[token] = dec
	g.mu.Unlock()
	return dec, nil
}

func (g *Gateway) SupplyNative(ctx context.Context, owner common.Address, amount *big.Int) (market.TxReceipt, error) {
	return g.transact(ctx, owner, "supply", g.native, amount, "depositETH", g.addrs.LendingPool, owner, uint16(0))
}

func (g *Gateway) Borrow(ctx context.Context, owner, asset common.Address, amount *big.Int) (market.TxReceipt, error) {
	return g.transact(ctx, owner, "borrow", g.pool, nil, "borrow", asset, amount, g.rateMode, uint16(0), owner)
}

func (g *Gateway) Repay(ctx context.Context, owner, asset common.Address, amount *big.Int) (market.TxReceipt, error) {
	return g.transact(ctx, owner, "repay", g.pool, nil, "repay", asset, amount, g.rateMode, owner)
}

func (g *Gateway) Withdraw(ctx context.Context, owner, asset common.Address, amount *big.Int) (market.TxReceipt, error) {
	return g.transact(ctx, owner, "withdraw", g.pool, nil, "withdraw", asset, amount, owner)
}

// ApproveUnlimited approves 2^256-1 unless the current allowance is already
// effectively unlimited, in which case nothing is submitted.
func (g *Gateway) ApproveUnlimited(ctx context.Context, owner, token, spender common.Address) (market.TxReceipt, error) {
	contract := g.erc20(token)
	out, err := g.call(ctx, contract, "allowance", owner, spender)
	if err != nil {
		return market.TxReceipt{}, err
	}
	if out[0].(*big.Int).Cmp(unlimitedFloor) >= 0 {
		return market.TxReceipt{}, nil
	}
	return g.transact(ctx, owner, "approve", contract, nil, "approve", spender, math.MaxBig256)
}

func (g *Gateway) erc20(token common.Address) *bind.BoundContract {
	return bind.NewBoundContract(token, g.abis.erc20, g.backend, g.backend, g.backend)
}

func (g *Gateway) call(ctx context.Context, contract *bind.BoundContract, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, &market.ChainReadError{Op: method, Err: err}
	}
	if len(out) == 0 {
		return nil, &market.ChainReadError{Op: method, Err: errors.New("empty response")}
	}
	return out, nil
}

// transact signs, submits and waits for one action. Actions of the same owner
// are serialized so concurrent positions never race on the account nonce.
func (g *Gateway) transact(ctx context.Context, owner common.Address, action string, contract *bind.BoundContract, value *big.Int, method string, args ...interface{}) (market.TxReceipt, error) {
	g.mu.RLock()
	key, ok := g.signers[owner]
	g.mu.RUnlock()
	if !ok {
		return market.TxReceipt{}, fmt.Errorf("%s: %w %s", action, ErrNoSigner, owner.Hex())
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, g.chainID)
	if err != nil {
		return market.TxReceipt{}, err
	}
	opts.Context = ctx
	opts.Value = value

	lock := g.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return market.TxReceipt{}, classifySendError(action, err)
	}
	g.log.Info("action submitted", zap.String("action", action), zap.String("owner", owner.Hex()), zap.String("tx", tx.Hash().Hex()))
	receipt, err := bind.WaitMined(ctx, g.backend, tx)
	if err != nil {
		if market.IsTimeout(err) {
			return market.TxReceipt{TxHash: tx.Hash()}, &market.TimeoutError{Action: action, TxHash: tx.Hash(), Err: err}
		}
		return market.TxReceipt{TxHash: tx.Hash()}, fmt.Errorf("%s: wait for %s: %w", action, tx.Hash().Hex(), err)
	}
	result := market.TxReceipt{TxHash: receipt.TxHash, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return result, &market.ActionRejectedError{Action: action, Reason: "execution reverted", TxHash: receipt.TxHash}
	}
	g.log.Info("action confirmed",
		zap.String("action", action),
		zap.String("tx", receipt.TxHash.Hex()),
		zap.Uint64("block", result.BlockNumber),
		zap.Uint64("gas_used", receipt.GasUsed),
		zap.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

func (g *Gateway) ownerLock(owner common.Address) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.ownerMu[owner]
	if !ok {
		lock = &sync.Mutex{}
		g.ownerMu[owner] = lock
	}
	return lock
}
