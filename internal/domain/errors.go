// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates invalid input or configuration, rejected before any
// state was created or mutated.
var ErrValidation = errors.New("validation failed")

// ErrNotSuspended indicates a resume was attempted against a run that is not
// waiting on an approval decision.
var ErrNotSuspended = errors.New("run is not suspended")

// ErrRunBusy indicates a step or resume call raced an in-flight stage attempt
// on the same thread. Callers retry after the current attempt settles.
var ErrRunBusy = errors.New("run is busy")

// ErrTerminal indicates an operation against a run that already reached
// Complete or Aborted.
var ErrTerminal = errors.New("run is in a terminal state")

// ErrDenied indicates a capability invocation was refused by policy.
var ErrDenied = errors.New("denied by policy")
