package workflow

import (
	"errors"
	"fmt"
)

// FailureKind splits worker failures into the two classes the orchestrator
// treats differently: transient (retried with backoff) and fatal (aborts).
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailureFatal     FailureKind = "fatal"
)

// WorkerFailure is a typed failure raised by a stage worker.
type WorkerFailure struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (f *WorkerFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s worker failure: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s worker failure: %s", f.Kind, f.Reason)
}

func (f *WorkerFailure) Unwrap() error {
	return f.Err
}

// TransientFailure wraps err as a retryable worker failure.
func TransientFailure(reason string, err error) *WorkerFailure {
	return &WorkerFailure{Kind: FailureTransient, Reason: reason, Err: err}
}

// FatalFailure wraps err as a worker failure that aborts the run.
func FatalFailure(reason string, err error) *WorkerFailure {
	return &WorkerFailure{Kind: FailureFatal, Reason: reason, Err: err}
}

// AsWorkerFailure extracts a WorkerFailure from an error chain. Callers
// treat unclassified errors (ok=false) as fatal.
func AsWorkerFailure(err error) (*WorkerFailure, bool) {
	var wf *WorkerFailure
	if errors.As(err, &wf) {
		return wf, true
	}
	return nil, false
}

// SchemaError marks worker output that did not parse into the expected
// structure. The gate treats it as a failed attempt in every rigidity band.
type SchemaError struct {
	Stage  string
	Detail string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("output for %s failed schema validation: %s", e.Stage, e.Detail)
}

// IsSchemaError reports whether err marks unparseable worker output.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
