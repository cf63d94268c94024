// Package errors provides the domain error types for penf-capture.
//
// This package defines sentinel errors for the capture failure taxonomy so callers
// can branch on them with errors.Is() regardless of how deeply they were wrapped.
//
// Usage:
//
//	import pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
//
//	// Return a domain error
//	return nil, fmt.Errorf("waiting for %s: %w", sel, pferrors.ErrElementNotFound)
//
//	// Check for domain errors
//	if pferrors.IsElementNotFound(err) {
//	    // handle missing element
//	}
package errors

import "errors"

// Domain errors - sentinel errors for capture conditions.
var (
	// ErrElementNotFound indicates an awaited DOM element never appeared.
	ErrElementNotFound = errors.New("element not found")

	// ErrExtraction indicates an expected DOM substructure was missing while
	// handling a mutation.
	ErrExtraction = errors.New("extraction failure")

	// ErrSetup indicates the session could not arm itself at meeting start.
	ErrSetup = errors.New("setup failure")

	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input or validation failure.
	ErrValidation = errors.New("validation error")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")
)

// IsElementNotFound reports whether any error in err's chain is ErrElementNotFound.
func IsElementNotFound(err error) bool {
	return errors.Is(err, ErrElementNotFound)
}

// IsExtraction reports whether any error in err's chain is ErrExtraction.
func IsExtraction(err error) bool {
	return errors.Is(err, ErrExtraction)
}

// IsSetup reports whether any error in err's chain is ErrSetup.
func IsSetup(err error) bool {
	return errors.Is(err, ErrSetup)
}

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
