// Package domainerrors carries the caller-visible error taxonomy of the audit
// ledger. Stores return sentinel errors (pkg/platform/sentinel); services
// translate them into coded errors here so callers can branch on Code.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers.
type Code string

const (
	CodeValidation          Code = "validation"
	CodePersistence         Code = "persistence"
	CodeChainIntegrity      Code = "chain_integrity"
	CodeNotFound            Code = "not_found"
	CodeExportLimitExceeded Code = "export_limit_exceeded"
	CodeUnavailable         Code = "unavailable"
	CodeInternal            Code = "internal"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the outermost code found in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether any error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// ChainIntegrityError reports a hash chain verification mismatch. It is
// diagnostic only; nothing in the ledger repairs a broken chain.
type ChainIntegrityError struct {
	FirstBadIndex int
	EventID       string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violated at index %d (event %s)", e.FirstBadIndex, e.EventID)
}

// Is lets errors.Is match any chain integrity error against the coded form.
func (e *ChainIntegrityError) Is(target error) bool {
	var de *Error
	if errors.As(target, &de) {
		return de.Code == CodeChainIntegrity
	}
	return false
}
