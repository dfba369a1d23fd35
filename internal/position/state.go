package position

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle phase of a position. The set is closed: every switch
// over State in this package handles all six values.
type State uint8

const (
	StateEmpty State = iota
	StateSupplied
	StateBorrowed
	StateRepaid
	StateWithdrawn
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateSupplied:
		return "SUPPLIED"
	case StateBorrowed:
		return "BORROWED"
	case StateRepaid:
		return "REPAID"
	case StateWithdrawn:
		return "WITHDRAWN"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal reports whether only Reset may leave s.
func (s State) Terminal() bool {
	return s == StateWithdrawn || s == StateFailed
}

type FailureReason string

const (
	FailureSupplyRejected   FailureReason = "SUPPLY_REJECTED"
	FailureBorrowRejected   FailureReason = "BORROW_REJECTED"
	FailureRepayRejected    FailureReason = "REPAY_REJECTED"
	FailureWithdrawRejected FailureReason = "WITHDRAW_REJECTED"
	FailureTimeout          FailureReason = "TIMEOUT"
)

// Failure is attached to a position in StateFailed.
type Failure struct {
	Reason FailureReason
	Err    error
}

type Event uint8

const (
	EventSupply Event = iota
	EventBorrow
	EventRepay
	EventWithdraw
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventSupply:
		return "supply"
	case EventBorrow:
		return "borrow"
	case EventRepay:
		return "repay"
	case EventWithdraw:
		return "withdraw"
	case EventReset:
		return "reset"
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// rejection is the failure reason an event maps to when its attempt fails for
// any reason other than a timeout.
func (e Event) rejection() FailureReason {
	switch e {
	case EventSupply:
		return FailureSupplyRejected
	case EventBorrow:
		return FailureBorrowRejected
	case EventRepay:
		return FailureRepayRejected
	case EventWithdraw:
		return FailureWithdrawRejected
	}
	return ""
}

// nextState returns the state reached when event succeeds from current. ok is
// false when the event is not permitted from current.
func nextState(current State, event Event) (State, bool) {
	switch current {
	case StateEmpty:
		if event == EventSupply {
			return StateSupplied, true
		}
	case StateSupplied:
		if event == EventBorrow {
			return StateBorrowed, true
		}
	case StateBorrowed:
		if event == EventRepay {
			return StateRepaid, true
		}
	case StateRepaid:
		if event == EventWithdraw {
			return StateWithdrawn, true
		}
	case StateWithdrawn, StateFailed:
		if event == EventReset {
			return StateEmpty, true
		}
	}
	return current, false
}

// Key identifies a position. At most one orchestrator should drive a given key
// at a time.
type Key struct {
	Owner           common.Address
	CollateralAsset common.Address
	DebtAsset       common.Address
}

func (k Key) String() string {
	return strings.ToLower(k.Owner.Hex() + "/" + k.CollateralAsset.Hex() + "/" + k.DebtAsset.Hex())
}

// Position is the orchestrator's logical view of a borrower's position.
type Position struct {
	Key
	State   State
	Failure *Failure
}
