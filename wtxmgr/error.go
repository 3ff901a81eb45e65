// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific TxStoreError.
const (
	// ErrNoTxRecord indicates a lookup for a transaction the store does
	// not contain.
	ErrNoTxRecord ErrorCode = iota

	// ErrNoSuchOutput indicates an output identifier that does not point
	// at an output of any stored transaction.
	ErrNoSuchOutput

	// ErrInvalidTransition indicates a spend status change that the
	// lifecycle does not permit, such as pending-marking an output which
	// is already confirmed spent.
	ErrInvalidTransition

	// ErrMetadataUnderflow indicates a fee could not be derived because
	// the wallet lacks the funding metadata for the transaction, making
	// the apparent outputs exceed the known inputs.
	ErrMetadataUnderflow

	// ErrSerialization indicates a malformed serialized record.
	ErrSerialization
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrNoTxRecord:        "ErrNoTxRecord",
	ErrNoSuchOutput:      "ErrNoSuchOutput",
	ErrInvalidTransition: "ErrInvalidTransition",
	ErrMetadataUnderflow: "ErrMetadataUnderflow",
	ErrSerialization:     "ErrSerialization",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// TxStoreError provides a single type for errors that can happen during
// store operation.
type TxStoreError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e TxStoreError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e TxStoreError) Unwrap() error {
	return e.Err
}

// storeError creates a TxStoreError given a set of arguments.
func storeError(c ErrorCode, desc string, err error) TxStoreError {
	return TxStoreError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a TxStoreError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	var e TxStoreError
	return errors.As(err, &e) && e.ErrorCode == code
}
