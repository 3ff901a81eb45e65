// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wkeymgr

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific KeyStoreError.
const (
	// ErrLocked indicates an operation which requires plaintext key
	// material was attempted while the store is encrypted and locked.
	ErrLocked ErrorCode = iota

	// ErrEncrypted indicates an operation which would change the key set
	// was attempted while the store is encrypted.
	ErrEncrypted

	// ErrAlreadyEncrypted indicates an attempt to encrypt a store which
	// is already encrypted.
	ErrAlreadyEncrypted

	// ErrNotEncrypted indicates a lock, unlock, or remove-encryption
	// request on a plaintext store.
	ErrNotEncrypted

	// ErrWrongPassphrase indicates the supplied passphrase failed to
	// unlock the store.  The lock state is unchanged.
	ErrWrongPassphrase

	// ErrDuplicateKey indicates an imported key already exists in the
	// store.
	ErrDuplicateKey

	// ErrNoSigningKey indicates no signing key is known for a requested
	// transparent address.
	ErrNoSigningKey

	// ErrNoSeed indicates an HD derivation was requested from a store
	// created without a seed.
	ErrNoSeed

	// ErrCrypto indicates a failure in the underlying encryption
	// primitives.
	ErrCrypto

	// ErrSerialization indicates a malformed serialized key store.
	ErrSerialization
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrLocked:           "ErrLocked",
	ErrEncrypted:        "ErrEncrypted",
	ErrAlreadyEncrypted: "ErrAlreadyEncrypted",
	ErrNotEncrypted:     "ErrNotEncrypted",
	ErrWrongPassphrase:  "ErrWrongPassphrase",
	ErrDuplicateKey:     "ErrDuplicateKey",
	ErrNoSigningKey:     "ErrNoSigningKey",
	ErrNoSeed:           "ErrNoSeed",
	ErrCrypto:           "ErrCrypto",
	ErrSerialization:    "ErrSerialization",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// KeyStoreError provides a single type for errors that can happen during key
// store operation.
type KeyStoreError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e KeyStoreError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e KeyStoreError) Unwrap() error {
	return e.Err
}

// keyStoreError creates a KeyStoreError given a set of arguments.
func keyStoreError(c ErrorCode, desc string, err error) KeyStoreError {
	return KeyStoreError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a KeyStoreError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	var e KeyStoreError
	return errors.As(err, &e) && e.ErrorCode == code
}
