package coordinator

// State is a stage of the execute-request state machine (spec.md §4.5).
type State string

const (
	Received   State = "Received"
	Validated  State = "Validated"
	Authorized State = "Authorized"
	Ready      State = "Ready"
	DryRunOK   State = "DryRunOK"
	Signed     State = "Signed"
	Submitted  State = "Submitted"
	Finalized  State = "Finalized"
	Denied     State = "Denied"
	Failed     State = "Failed"
)

// Result is what Execute returns: the terminal state reached plus
// whatever detail is relevant to that outcome.
type Result struct {
	State         State
	ReservationID uint64
	GasUsed       uint64
	Error         error
}

func (r Result) Terminal() bool {
	switch r.State {
	case Finalized, Denied, Failed:
		return true
	default:
		return false
	}
}
