package chain

import (
	"errors"
	"fmt"
	"strings"

	"lend-cycle-bot/internal/market"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// classifySendError turns a failed submission into an ActionRejectedError when
// the node reports a revert, decoding Error(string) payloads where present.
func classifySendError(action string, err error) error {
	if market.IsTimeout(err) {
		return &market.TimeoutError{Action: action, Err: err}
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := revertReason(dataErr.ErrorData()); ok {
			return &market.ActionRejectedError{Action: action, Reason: reason, Err: err}
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return &market.ActionRejectedError{Action: action, Reason: err.Error(), Err: err}
	}
	return fmt.Errorf("%s: submit: %w", action, err)
}

func revertReason(data interface{}) (string, bool) {
	encoded, ok := data.(string)
	if !ok || encoded == "" {
		return "", false
	}
	raw, err := hexutil.Decode(encoded)
	if err != nil {
		return "", false
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return "", false
	}
	return reason, true
}
