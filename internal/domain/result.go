package domain

// Outcome classifies the result of processing a single item.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeSkip
	OutcomeFatal
)

// String returns the string representation.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeSkip:
		return "skip"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result is the per-item outcome of classification.
// Only OutcomeFatal aborts a scan; skips are counted and logged.
type Result struct {
	Outcome Outcome
	Record  TransferRecord
	Reason  string
	Err     error
}

// OK wraps a record.
func OK(r TransferRecord) Result {
	return Result{Outcome: OutcomeOK, Record: r}
}

// Skip marks an item as skipped.
func Skip(reason string, err error) Result {
	return Result{Outcome: OutcomeSkip, Reason: reason, Err: err}
}

// Fatal marks an item whose failure must abort the run.
func Fatal(err error) Result {
	return Result{Outcome: OutcomeFatal, Err: err}
}
