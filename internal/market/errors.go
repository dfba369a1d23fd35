package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrChainRead      = errors.New("chain read failed")
	ErrActionRejected = errors.New("action rejected")
	ErrUnknownAsset   = errors.New("unknown asset")
	ErrTimeout        = errors.New("confirmation wait timed out")
)

// ChainReadError is a transient read failure. Callers may retry with backoff.
type ChainReadError struct {
	Op  string
	Err error
}

func (e *ChainReadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ChainReadError) Unwrap() error { return e.Err }

func (e *ChainReadError) Is(target error) bool { return target == ErrChainRead }

// ActionRejectedError means the market refused an action. Reason carries the
// decoded revert reason when one was available.
type ActionRejectedError struct {
	Action string
	Reason string
	TxHash common.Hash
	Err    error
}

func (e *ActionRejectedError) Error() string {
	msg := e.Action + " rejected"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.TxHash != (common.Hash{}) {
		msg += " (tx " + e.TxHash.Hex() + ")"
	}
	return msg
}

func (e *ActionRejectedError) Unwrap() error { return e.Err }

func (e *ActionRejectedError) Is(target error) bool { return target == ErrActionRejected }

type UnknownAssetError struct {
	Asset common.Address
}

func (e *UnknownAssetError) Error() string {
	return "asset " + e.Asset.Hex() + " is not listed"
}

func (e *UnknownAssetError) Is(target error) bool { return target == ErrUnknownAsset }

// TimeoutError reports a local wait that gave up. The action may still land,
// so callers should re-read chain state before treating it as failed.
type TimeoutError struct {
	Action string
	TxHash common.Hash
	Err    error
}

func (e *TimeoutError) Error() string {
	msg := e.Action + " confirmation timed out"
	if e.TxHash != (common.Hash{}) {
		msg += " (tx " + e.TxHash.Hex() + " may still land)"
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// IsTimeout reports whether err is a local wait expiry, either an explicit
// TimeoutError or a context deadline surfacing from the transport.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
