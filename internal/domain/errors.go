// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (guarded status transition lost).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a malformed or out-of-range request field.
// Rejected at admission; no task is created.
var ErrValidation = errors.New("validation failed")

// ErrQuotaExceeded indicates the tenant's concurrent running-task limit is reached.
// Retryable later; no task is created.
var ErrQuotaExceeded = errors.New("tenant quota exceeded")

// ErrNoCapacity indicates the planner could not assign even a minimum viable
// agent set (one worker) for the task.
var ErrNoCapacity = errors.New("no worker capacity")

// ErrBudgetExceeded indicates accrued cost passed the configured limit mid-execution.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ErrNotReady indicates a result or trace was requested before the task
// reached the required state. Not a system fault.
var ErrNotReady = errors.New("not ready")
