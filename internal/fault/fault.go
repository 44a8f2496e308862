// Package fault defines the error taxonomy shared by the actor runtime, the
// event publisher and the replicated log.
//
// Errors carry a machine-readable Code so callers can branch on the category
// (retry on Unavailable, retry the whole transaction on TransactionAborted)
// without string matching. Use the Is* helpers; they see through wrapping.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes an Error.
type Code string

const (
	// CodeNotFound means the shape or mapping was never created.
	CodeNotFound Code = "NOT_FOUND"

	// CodeUnavailable means the addressed actor or replica set cannot be
	// reached right now. Callers retry with backoff.
	CodeUnavailable Code = "UNAVAILABLE"

	// CodeTransactionAborted means a commit did not reach quorum or hit a
	// write conflict. All changes were discarded; retry the whole transaction.
	CodeTransactionAborted Code = "TRANSACTION_ABORTED"

	// CodeDeliveryFailed means one observer could not be reached. It is local
	// to that subscription and never surfaces to the actor.
	CodeDeliveryFailed Code = "DELIVERY_FAILED"
)

// Codes lists every code, in taxonomy order.
var Codes = []Code{CodeNotFound, CodeUnavailable, CodeTransactionAborted, CodeDeliveryFailed}

// Error is a categorized failure with optional context.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// ShapeID identifies the affected shape, if any.
	ShapeID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ShapeID != "" {
		msg = fmt.Sprintf("%s (shape=%s)", msg, e.ShapeID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsNotFound reports whether err is a NOT_FOUND fault.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsUnavailable reports whether err is an UNAVAILABLE fault.
func IsUnavailable(err error) bool { return CodeOf(err) == CodeUnavailable }

// IsAborted reports whether err is a TRANSACTION_ABORTED fault.
func IsAborted(err error) bool { return CodeOf(err) == CodeTransactionAborted }

// IsDeliveryFailed reports whether err is a DELIVERY_FAILED fault.
func IsDeliveryFailed(err error) bool { return CodeOf(err) == CodeDeliveryFailed }

// NotFound creates a NOT_FOUND fault for a shape.
func NotFound(shapeID, message string) *Error {
	return &Error{Code: CodeNotFound, Message: message, ShapeID: shapeID}
}

// Unavailable creates an UNAVAILABLE fault wrapping cause (which may be nil).
func Unavailable(message string, cause error) *Error {
	return &Error{Code: CodeUnavailable, Message: message, Err: cause}
}

// Aborted creates a TRANSACTION_ABORTED fault.
func Aborted(message string, details map[string]string) *Error {
	return &Error{Code: CodeTransactionAborted, Message: message, Details: details}
}

// DeliveryFailed creates a DELIVERY_FAILED fault for one observer.
func DeliveryFailed(shapeID, observerID string, cause error) *Error {
	return &Error{
		Code:    CodeDeliveryFailed,
		Message: "observer unreachable",
		ShapeID: shapeID,
		Details: map[string]string{"observer": observerID},
		Err:     cause,
	}
}
