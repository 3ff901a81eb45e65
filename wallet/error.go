// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific WalletError.
const (
	// ErrNoSpendCapability indicates a spend was requested from a wallet
	// holding only viewing keys.
	ErrNoSpendCapability ErrorCode = iota

	// ErrLocked indicates a spend was requested while the key store is
	// locked.
	ErrLocked

	// ErrSendInProgress indicates a second send was requested while one
	// is already running.
	ErrSendInProgress

	// ErrInsufficientFunds indicates no anchor tier could cover the
	// requested amount with spendable notes.
	ErrInsufficientFunds

	// ErrInvalidRecipient indicates a recipient address failed to decode
	// for the wallet's network.
	ErrInvalidRecipient

	// ErrBuild indicates the transaction builder failed.
	ErrBuild

	// ErrBroadcast indicates the built transaction was rejected on
	// broadcast.  Its inputs stay marked pending-spent; a rescan is
	// needed to reconcile them with the chain.
	ErrBroadcast

	// ErrEncryptedWrite indicates an attempt to persist the wallet while
	// the key store is encrypted but unlocked.
	ErrEncryptedWrite

	// ErrBadNetwork indicates a wallet file written for a different
	// network.
	ErrBadNetwork

	// ErrSerialization indicates a malformed wallet file.
	ErrSerialization

	// ErrReorgTooDeep indicates a chain reorganization deeper than the
	// retained witness history.
	ErrReorgTooDeep
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrNoSpendCapability: "ErrNoSpendCapability",
	ErrLocked:            "ErrLocked",
	ErrSendInProgress:    "ErrSendInProgress",
	ErrInsufficientFunds: "ErrInsufficientFunds",
	ErrInvalidRecipient:  "ErrInvalidRecipient",
	ErrBuild:             "ErrBuild",
	ErrBroadcast:         "ErrBroadcast",
	ErrEncryptedWrite:    "ErrEncryptedWrite",
	ErrBadNetwork:        "ErrBadNetwork",
	ErrSerialization:     "ErrSerialization",
	ErrReorgTooDeep:      "ErrReorgTooDeep",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// WalletError provides a single type for errors that can happen during
// wallet operation.
type WalletError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e WalletError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e WalletError) Unwrap() error {
	return e.Err
}

// walletError creates a WalletError given a set of arguments.
func walletError(c ErrorCode, desc string, err error) WalletError {
	return WalletError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a WalletError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	var e WalletError
	return errors.As(err, &e) && e.ErrorCode == code
}
