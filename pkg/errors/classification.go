// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import "fmt"

// Class is the node-execution error taxonomy (spec.md §7).
type Class string

const (
	// ClassTransient covers network errors, adapter 5xx, and unknown
	// failures. Retryable with exponential backoff.
	ClassTransient Class = "transient"
	// ClassInvalidInput covers malformed config or adapter 4xx (other
	// than auth). Not retryable; takes the node's failure path.
	ClassInvalidInput Class = "invalidInput"
	// ClassAuthz covers adapter auth failures or revoked credentials.
	// Not retryable; takes the failure path and notifies an admin.
	ClassAuthz Class = "authz"
	// ClassCancelled marks a run that transitioned to cancelled
	// mid-flight. Handlers swallow it and exit.
	ClassCancelled Class = "cancelled"
	// ClassEngineBug covers invariant violations (missing entity,
	// corrupt edge). The run is marked failed and an admin is notified.
	ClassEngineBug Class = "engineBug"
)

// ClassifiedError carries an explicit Class alongside the underlying
// cause, so the executor's retry decision doesn't need to guess from the
// error's dynamic type.
type ClassifiedError struct {
	Class Class
	Cause error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s error", e.Class)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Cause.Error())
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ClassifiedError) ErrorType() string {
	return string(e.Class)
}

// IsRetryable implements ErrorClassifier.
func (e *ClassifiedError) IsRetryable() bool {
	return e.Class == ClassTransient
}

// Transient wraps err as a retryable transient error.
func Transient(err error) error { return &ClassifiedError{Class: ClassTransient, Cause: err} }

// InvalidInput wraps err as a non-retryable invalid-input error.
func InvalidInput(err error) error { return &ClassifiedError{Class: ClassInvalidInput, Cause: err} }

// Authz wraps err as a non-retryable authorization error.
func Authz(err error) error { return &ClassifiedError{Class: ClassAuthz, Cause: err} }

// Cancelled wraps err (or a bare sentinel, if err is nil) as a cancelled
// error.
func Cancelled(err error) error {
	if err == nil {
		err = New("run cancelled")
	}
	return &ClassifiedError{Class: ClassCancelled, Cause: err}
}

// EngineBug wraps err as an invariant-violation error.
func EngineBug(err error) error { return &ClassifiedError{Class: ClassEngineBug, Cause: err} }

// Classify returns the Class of err, defaulting to ClassTransient for
// errors that were never explicitly classified — spec.md §7 lists
// "network errors ... or unknown" under transient, so an un-annotated
// error is treated as transient rather than silently dropped.
func Classify(err error) Class {
	var ce *ClassifiedError
	if As(err, &ce) {
		return ce.Class
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return Classify(err) == ClassTransient }

// IsCancelled reports whether err represents a cancelled run.
func IsCancelled(err error) bool { return Classify(err) == ClassCancelled }
