package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lend-cycle-bot/internal/position"

	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, message string) error
}

// Notifier forwards failed transitions and completed lifecycles to a Sender.
// Delivery is best effort: errors are logged, never returned.
type Notifier struct {
	sender  Sender
	timeout time.Duration
	log     *zap.Logger
}

func NewNotifier(sender Sender, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{sender: sender, timeout: 10 * time.Second, log: log}
}

func (n *Notifier) RecordTransition(ctx context.Context, tr position.Transition) {
	if n == nil || n.sender == nil {
		return
	}
	var msg string
	switch tr.To {
	case position.StateFailed:
		msg = failureMessage(tr)
	case position.StateWithdrawn:
		msg = completedMessage(tr)
	default:
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.sender.Send(sendCtx, msg); err != nil {
		n.log.Warn("alert send failed", zap.String("position", tr.Name), zap.Error(err))
	}
}

func failureMessage(tr position.Transition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s failed: %s\n", label(tr), tr.Event, tr.Failure)
	fmt.Fprintf(&b, "owner %s, state %s -> %s", tr.Key.Owner.Hex(), tr.From, tr.To)
	if tr.Err != "" {
		fmt.Fprintf(&b, "\n%s", tr.Err)
	}
	return b.String()
}

func completedMessage(tr position.Transition) string {
	msg := fmt.Sprintf("[%s] lifecycle complete for %s", label(tr), tr.Key.Owner.Hex())
	if tr.Outcome.Amount != nil {
		msg += fmt.Sprintf(", withdrew %s of %s", tr.Outcome.Amount, tr.Key.CollateralAsset.Hex())
	}
	if tr.Outcome.Receipt.Submitted() {
		msg += "\ntx " + tr.Outcome.Receipt.TxHash.Hex()
	}
	return msg
}

func label(tr position.Transition) string {
	if tr.Name != "" {
		return tr.Name
	}
	return tr.Key.String()
}
