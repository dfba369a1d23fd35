package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	SuppliesSubmitted  Counter
	BorrowsSubmitted   Counter
	RepaysSubmitted    Counter
	WithdrawsSubmitted Counter
	ApprovalsSubmitted Counter
	TransitionsFailed  Counter
	Timeouts           Counter
	LifecyclesDone     Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		SuppliesSubmitted:  n,
		BorrowsSubmitted:   n,
		RepaysSubmitted:    n,
		WithdrawsSubmitted: n,
		ApprovalsSubmitted: n,
		TransitionsFailed:  n,
		Timeouts:           n,
		LifecyclesDone:     n,
	}
}
