package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrTransient     = errors.New("transient failure")
	ErrRateLimited   = errors.New("rate limited")
	ErrCircuitOpen   = errors.New("circuit open")
	ErrFatal         = errors.New("fatal error")
	ErrAmbiguous     = errors.New("ambiguous side effect")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
)

// Class buckets an error for retry and status decisions.
type Class string

const (
	ClassTransient   Class = "transient"
	ClassRateLimited Class = "rate_limited"
	ClassCircuitOpen Class = "circuit_open"
	ClassFatal       Class = "fatal"
	ClassAmbiguous   Class = "ambiguous"
	ClassValidation  Class = "validation"
	ClassUnknown     Class = "unknown"
)

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above. The original cause is always
// preserved for errors.Is / errors.As.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error to its retry class. Unwrapped network timeouts and
// context deadline errors count as transient; everything unrecognized is
// treated as transient so a flaky collaborator gets the benefit of the doubt
// while explicit fatal markers abort immediately.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrAmbiguous):
		return ClassAmbiguous
	case errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration), errors.Is(err, ErrNotFound):
		return ClassValidation
	case errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, ErrTransient), errors.Is(err, ErrTimeout):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case isNetTimeout(err):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// Retryable reports whether an error class permits an automatic retry.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}

// ErrorDetails carries the structured failure payload persisted on a work
// record after a terminal phase failure.
type ErrorDetails struct {
	Class   Class
	Message string
}

// Details extracts a structured failure payload from a classified error.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	return ErrorDetails{
		Class:   Classify(err),
		Message: strings.TrimSpace(err.Error()),
	}
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
