package payment

type Status string

const (
	StatusPending        Status = "PENDING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusRetryExhausted Status = "RETRY_EXHAUSTED"
	StatusRefunded       Status = "REFUNDED"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusFailed:    {StatusPending, StatusRetryExhausted},
	StatusCompleted: {StatusRefunded},
}

// CanTransition reports whether from -> to is an edge of the payment state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no gateway event can move the status any further.
// COMPLETED is terminal for callbacks; only an admin refund leaves it.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRetryExhausted, StatusRefunded:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusRetryExhausted, StatusRefunded:
		return true
	default:
		return false
	}
}
