// Package exec wraps a market gateway with caller-side retry of transient
// reads. Actions are forwarded untouched: a resubmitted transaction could
// land twice.
package exec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"lend-cycle-bot/internal/config"
	"lend-cycle-bot/internal/market"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Retrying retries reads that fail with market.ErrChainRead.
type Retrying struct {
	market.Gateway
	attempts int
	delay    time.Duration
	log      *zap.Logger
}

func NewRetrying(gw market.Gateway, cfg config.RetryConfig, log *zap.Logger) *Retrying {
	if log == nil {
		log = zap.NewNop()
	}
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{Gateway: gw, attempts: attempts, delay: cfg.InitialDelay, log: log}
}

func (r *Retrying) AccountData(ctx context.Context, owner common.Address) (market.AccountSnapshot, error) {
	var out market.AccountSnapshot
	err := r.retry(ctx, "account data", func() error {
		var err error
		out, err = r.Gateway.AccountData(ctx, owner)
		return err
	})
	return out, err
}

func (r *Retrying) ReserveTokens(ctx context.Context, asset common.Address) (market.ReserveTokens, error) {
	var out market.ReserveTokens
	err := r.retry(ctx, "reserve tokens", func() error {
		var err error
		out, err = r.Gateway.ReserveTokens(ctx, asset)
		return err
	})
	return out, err
}

func (r *Retrying) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	var out *big.Int
	err := r.retry(ctx, "token balance", func() error {
		var err error
		out, err = r.Gateway.TokenBalance(ctx, token, owner)
		return err
	})
	return out, err
}

func (r *Retrying) retry(ctx context.Context, op string, fn func() error) error {
	backoff := r.delay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, market.ErrChainRead) {
			return err
		}
		if attempt == r.attempts-1 {
			return fmt.Errorf("%s: retry failed after %d attempts: %w", op, r.attempts, err)
		}
		r.log.Warn("chain read failed, retrying", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}
