package app

import "time"

// Operation tracks one CLI invocation. Its ID tags every log line written
// during the run.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "success" or "error"
	Err        error
}

// NewOperation creates an operation that has not failed yet. The ID is
// derived from started.
func NewOperation(name, parameters string, started time.Time) *Operation {
	return &Operation{
		ID:         started.UTC().Format("20060102T150405Z"),
		Name:       name,
		Parameters: parameters,
		Status:     "success",
	}
}

// Fail marks the operation as failed. The first error is kept.
func (op *Operation) Fail(err error) {
	if err == nil {
		return
	}
	op.Status = "error"
	if op.Err == nil {
		op.Err = err
	}
}

// Failed returns true if an error was recorded.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}
